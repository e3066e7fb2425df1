package link

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// Port is the byte-stream device the protocol engine runs over. A Read that
// returns (0, nil) means no byte arrived within the configured read timeout;
// the engine treats it as a timer tick.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
}

// serialPort wraps a serial device opened for the link.
type serialPort struct {
	port serial.Port
}

// openSerial opens the device at the given baud rate with 8N1 framing and no
// flow control, and flushes anything pending on the line.
func openSerial(device string, baudRate int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", device, err)
	}

	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush input: %w", err)
	}
	if err := port.ResetOutputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("flush output: %w", err)
	}

	log.Info().Str("device", device).Int("baud", baudRate).Msg("Serial port opened")

	return &serialPort{port: port}, nil
}

func (s *serialPort) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialPort) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialPort) SetReadTimeout(d time.Duration) error {
	return s.port.SetReadTimeout(d)
}

func (s *serialPort) Close() error {
	return s.port.Close()
}
