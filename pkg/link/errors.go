package link

import "errors"

var (
	// ErrTimeout indicates the retransmission budget was exhausted without a
	// valid reply from the peer. The connection is unusable afterwards.
	ErrTimeout = errors.New("retransmission limit exceeded")

	// ErrNotConnected indicates an operation that requires an established link
	ErrNotConnected = errors.New("link not established")

	// ErrClosed indicates the connection was already closed
	ErrClosed = errors.New("link closed")

	// ErrRole indicates an operation invalid for this endpoint's role
	ErrRole = errors.New("operation not valid for this role")

	// ErrClosing indicates the peer initiated disconnection
	ErrClosing = errors.New("peer requested disconnect")

	// ErrPayloadTooLarge indicates a payload beyond the frame budget
	ErrPayloadTooLarge = errors.New("payload exceeds frame budget")

	// ErrShortBuffer indicates the caller's buffer cannot hold the payload
	ErrShortBuffer = errors.New("buffer too small for received payload")
)

// internal framing errors, recovered locally by parser resync
var (
	errBadBCC2        = errors.New("payload checksum mismatch")
	errMalformedFrame = errors.New("malformed frame")
	errDanglingEscape = errors.New("escape at end of frame body")
	errReplyTimeout   = errors.New("no reply within timeout")
)
