package transfer

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Link is the reliable, ordered, at-most-once byte-packet channel the
// packetizer runs over.
type Link interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// Summary reports the outcome of one transfer.
type Summary struct {
	FileInfo
	Bytes   uint64
	Packets int
	Elapsed time.Duration
}

// Send transmits the file at path over the link: a START packet announcing
// name and size, the content chunked into DATA packets, and a closing END
// packet repeating the announcement.
func Send(l Link, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.Size() > math.MaxUint32 {
		return nil, ErrFileTooLarge
	}

	info := FileInfo{Name: filepath.Base(path), Size: uint32(fi.Size())}
	start := time.Now()

	pkt, err := buildControl(packetStart, info)
	if err != nil {
		return nil, err
	}
	if _, err := l.Write(pkt); err != nil {
		return nil, fmt.Errorf("send START: %w", err)
	}
	log.Info().Str("file", info.Name).Uint32("size", info.Size).Msg("Transfer started")

	summary := &Summary{FileInfo: info, Packets: 1}

	chunk := make([]byte, MaxDataSize)
	for {
		n, err := f.Read(chunk)
		if n > 0 {
			if _, werr := l.Write(buildData(chunk[:n])); werr != nil {
				return nil, fmt.Errorf("send DATA: %w", werr)
			}
			summary.Bytes += uint64(n)
			summary.Packets++
			log.Debug().Int("chunk", n).Uint64("sent", summary.Bytes).Msg("DATA packet sent")
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
	}

	pkt, err = buildControl(packetEnd, info)
	if err != nil {
		return nil, err
	}
	if _, err := l.Write(pkt); err != nil {
		return nil, fmt.Errorf("send END: %w", err)
	}
	summary.Packets++
	summary.Elapsed = time.Since(start)

	log.Info().
		Str("file", info.Name).
		Uint64("bytes", summary.Bytes).
		Int("packets", summary.Packets).
		Dur("elapsed", summary.Elapsed).
		Msg("Transfer complete")

	return summary, nil
}
