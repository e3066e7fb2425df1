package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Receive reads one file transfer from the link and writes the content into
// dir under the announced name. The first packet must be START; DATA packets
// are appended in order; the END packet must repeat the START announcement.
func Receive(l Link, dir string) (*Summary, error) {
	buf := make([]byte, MaxDataSize+64)

	n, err := l.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read START: %w", err)
	}
	if n < 1 || buf[0] != packetStart {
		return nil, fmt.Errorf("%w: expected START packet first", ErrProtocol)
	}
	info, err := parseControl(buf[1:n])
	if err != nil {
		return nil, err
	}

	// the announced name never escapes the output directory
	outPath := filepath.Join(dir, filepath.Base(info.Name))
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	defer func() { _ = out.Close() }()

	log.Info().Str("file", info.Name).Uint32("size", info.Size).Str("path", outPath).Msg("Receiving transfer")

	start := time.Now()
	summary := &Summary{FileInfo: info, Packets: 1}

	for {
		n, err := l.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read packet: %w", err)
		}
		if n < 1 {
			return nil, fmt.Errorf("%w: empty packet", ErrBadPacket)
		}
		summary.Packets++

		switch buf[0] {
		case packetData:
			chunk, err := parseData(buf[1:n])
			if err != nil {
				return nil, err
			}
			if _, err := out.Write(chunk); err != nil {
				return nil, fmt.Errorf("write output: %w", err)
			}
			summary.Bytes += uint64(len(chunk))
			log.Debug().Int("chunk", len(chunk)).Uint64("received", summary.Bytes).Msg("DATA packet received")

		case packetEnd:
			endInfo, err := parseControl(buf[1:n])
			if err != nil {
				return nil, err
			}
			if endInfo != info {
				return nil, fmt.Errorf("%w: END announcement differs from START", ErrProtocol)
			}
			if summary.Bytes != uint64(info.Size) {
				return nil, fmt.Errorf("%w: announced %d received %d", ErrSizeMismatch, info.Size, summary.Bytes)
			}
			summary.Elapsed = time.Since(start)
			log.Info().
				Str("file", info.Name).
				Uint64("bytes", summary.Bytes).
				Int("packets", summary.Packets).
				Dur("elapsed", summary.Elapsed).
				Msg("Transfer received")
			return summary, nil

		default:
			return nil, fmt.Errorf("%w: unknown packet control 0x%02X", ErrProtocol, buf[0])
		}
	}
}
