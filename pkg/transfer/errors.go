package transfer

import "errors"

var (
	// ErrBadPacket indicates a malformed application packet
	ErrBadPacket = errors.New("malformed packet")

	// ErrProtocol indicates an out-of-order or unknown packet
	ErrProtocol = errors.New("transfer protocol violation")

	// ErrFileTooLarge indicates a file beyond the 32-bit size field
	ErrFileTooLarge = errors.New("file exceeds maximum transferable size")

	// ErrSizeMismatch indicates the received byte count disagrees with the
	// announced file size
	ErrSizeMismatch = errors.New("received size does not match announcement")
)
