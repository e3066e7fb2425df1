package link

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Role selects which side of the link this endpoint plays. The transmitter
// initiates establishment and disconnection; the receiver answers them.
type Role uint8

const (
	RoleTransmitter Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleTransmitter {
		return "transmitter"
	}
	return "receiver"
}

// Params carries the connection parameters. Immutable after Open.
type Params struct {
	Device   string
	BaudRate int
	// Timeout is the reply window for one transmission attempt. A full quiet
	// window on the device counts as timer expiry.
	Timeout time.Duration
	// Retries is the number of retransmissions allowed after the first
	// transmission of a frame.
	Retries int
}

const (
	defaultTimeout = 3 * time.Second
	defaultRetries = 3
)

type connState uint8

const (
	stateClosed connState = iota
	stateEstablished
	stateClosing
)

// Stats accumulates link-level counters for one connection.
type Stats struct {
	FramesSent        uint64
	FramesReceived    uint64
	FramesDiscarded   uint64
	Retransmissions   uint64
	Timeouts          uint64
	RejectsSent       uint64
	RejectsReceived   uint64
	DuplicatesDropped uint64
	BytesIn           uint64
	BytesOut          uint64
}

// Conn is a stop-and-wait connection over a byte-stream device. All methods
// run on the caller's goroutine; at most one information frame is in flight.
type Conn struct {
	port   Port
	role   Role
	params Params

	state    connState
	sendSeq  uint8
	recvSeq  uint8
	discSeen bool

	reader frameReader
	stats  Stats
}

// Open opens the serial device named in params and establishes the link:
// the transmitter sends SET and waits for UA under the retransmission policy,
// the receiver blocks until a valid SET arrives and answers UA.
func Open(role Role, params Params) (*Conn, error) {
	port, err := openSerial(params.Device, params.BaudRate)
	if err != nil {
		return nil, err
	}
	return open(port, role, params)
}

// open establishes the link over an already-open port. On handshake failure
// the port is closed before returning.
func open(port Port, role Role, params Params) (*Conn, error) {
	if params.Timeout <= 0 {
		params.Timeout = defaultTimeout
	}
	if params.Retries < 0 {
		params.Retries = defaultRetries
	}

	if err := port.SetReadTimeout(params.Timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	c := &Conn{port: port, role: role, params: params}

	var err error
	if role == RoleTransmitter {
		err = c.openTransmitter()
	} else {
		err = c.openReceiver()
	}
	if err != nil {
		_ = port.Close()
		return nil, err
	}

	c.state = stateEstablished
	log.Info().Stringer("role", role).Msg("Link established")
	return c, nil
}

// Stats returns a copy of the connection counters.
func (c *Conn) Stats() Stats {
	return c.stats
}

// Write sends one information frame carrying p and blocks until the peer
// positively acknowledges it or the retransmission budget runs out. A REJ
// triggers an immediate retransmission; both REJ- and timer-driven
// retransmissions consume one unit of the budget.
func (c *Conn) Write(p []byte) (int, error) {
	if c.role != RoleTransmitter {
		return 0, ErrRole
	}
	if c.state != stateEstablished {
		if c.state == stateClosed {
			return 0, ErrClosed
		}
		return 0, ErrNotConnected
	}
	if len(p) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}

	fr := buildInfo(c.sendSeq, p)
	next := 1 - c.sendSeq

	if err := c.writeFrame(fr); err != nil {
		return 0, err
	}
	log.Debug().Uint8("seq", c.sendSeq).Int("payload_len", len(p)).Msg("link TX I")

	attempts := 0
	deadline := time.Now().Add(c.params.Timeout)
	for {
		reply, err := c.awaitFrame(deadline)
		switch {
		case err == errReplyTimeout:
			c.stats.Timeouts++
			attempts++
			if attempts > c.params.Retries {
				log.Error().Uint8("seq", c.sendSeq).Msg("Retransmission budget exhausted")
				return 0, ErrTimeout
			}
			c.stats.Retransmissions++
			if werr := c.writeFrame(fr); werr != nil {
				return 0, werr
			}
			log.Warn().Int("attempt", attempts).Uint8("seq", c.sendSeq).Msg("Timeout, retransmitting I frame")
			deadline = time.Now().Add(c.params.Timeout)

		case err == errBadBCC2:
			// corrupted inbound frame; keep waiting for a clean reply

		case err != nil:
			return 0, err

		case reply.kind == frameRR && reply.seq == next:
			log.Debug().Uint8("seq", c.sendSeq).Msg("link RX RR, frame acknowledged")
			c.sendSeq = next
			c.stats.BytesOut += uint64(len(p))
			return len(p), nil

		case reply.kind == frameRR:
			// stale ack for the previous frame; ignore and keep waiting
			log.Debug().Uint8("seq", reply.seq).Msg("Stale RR ignored")

		case reply.kind == frameREJ && reply.seq == c.sendSeq:
			c.stats.RejectsReceived++
			attempts++
			if attempts > c.params.Retries {
				log.Error().Uint8("seq", c.sendSeq).Msg("Retransmission budget exhausted")
				return 0, ErrTimeout
			}
			c.stats.Retransmissions++
			if werr := c.writeFrame(fr); werr != nil {
				return 0, werr
			}
			log.Warn().Int("attempt", attempts).Uint8("seq", c.sendSeq).Msg("REJ received, retransmitting I frame")
			deadline = time.Now().Add(c.params.Timeout)

		default:
			// unexpected frame in this state; discarded
			log.Debug().Stringer("kind", reply.kind).Msg("Unexpected frame while awaiting ack")
		}
	}
}

// Read blocks until the next new information frame is validated, copies its
// payload into buf and acknowledges it. Duplicates are re-acknowledged but
// never delivered, so each payload surfaces at most once. A frame with a bad
// payload checksum is answered with REJ. Consecutive quiet windows beyond the
// retry budget are a device error.
func (c *Conn) Read(buf []byte) (int, error) {
	if c.role != RoleReceiver {
		return 0, ErrRole
	}
	if c.state != stateEstablished {
		if c.state == stateClosed {
			return 0, ErrClosed
		}
		return 0, ErrNotConnected
	}

	quiet := 0
	for {
		fr, err := c.awaitFrame(time.Time{})
		switch {
		case err == errReplyTimeout:
			quiet++
			if quiet > c.params.Retries {
				c.stats.Timeouts++
				return 0, ErrTimeout
			}
			continue

		case err == errBadBCC2:
			if fr.kind == frameI {
				c.stats.RejectsSent++
				if werr := c.writeFrame(buildSupervisory(frameREJ, fr.seq)); werr != nil {
					return 0, werr
				}
				log.Warn().Uint8("seq", fr.seq).Msg("Payload checksum mismatch, sent REJ")
			}
			continue

		case err != nil:
			return 0, err
		}

		quiet = 0
		switch fr.kind {
		case frameI:
			if fr.seq != c.recvSeq {
				// duplicate of a frame already delivered; its ack was lost
				c.stats.DuplicatesDropped++
				if werr := c.writeFrame(buildSupervisory(frameRR, 1-fr.seq)); werr != nil {
					return 0, werr
				}
				log.Debug().Uint8("seq", fr.seq).Msg("Duplicate I frame re-acknowledged")
				continue
			}
			if len(fr.payload) > len(buf) {
				return 0, ErrShortBuffer
			}
			n := copy(buf, fr.payload)
			if werr := c.writeFrame(buildSupervisory(frameRR, 1-fr.seq)); werr != nil {
				return 0, werr
			}
			c.recvSeq = 1 - c.recvSeq
			c.stats.BytesIn += uint64(n)
			log.Debug().Uint8("seq", fr.seq).Int("payload_len", n).Msg("link RX I")
			return n, nil

		case frameSET:
			// our UA was lost; the peer is still establishing
			if werr := c.writeFrame(buildSupervisory(frameUA, 0)); werr != nil {
				return 0, werr
			}
			log.Debug().Msg("Duplicate SET answered with UA")

		case frameDISC:
			c.discSeen = true
			return 0, ErrClosing

		default:
			log.Debug().Stringer("kind", fr.kind).Msg("Unexpected frame while reading")
		}
	}
}

// Close runs the disconnect exchange for this endpoint's role and releases
// the device. The device handle is released on return regardless of whether
// the exchange succeeded.
func (c *Conn) Close(showStats bool) error {
	if c.state == stateClosed {
		return ErrClosed
	}
	c.state = stateClosing

	var err error
	if c.role == RoleTransmitter {
		err = c.closeTransmitter()
	} else {
		err = c.closeReceiver()
	}

	if showStats {
		c.logStats()
	}

	closeErr := c.port.Close()
	c.state = stateClosed

	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close serial port: %w", closeErr)
	}
	log.Info().Stringer("role", c.role).Msg("Link closed")
	return nil
}

// closeTransmitter sends DISC, waits for the peer's DISC and answers UA,
// retransmitting DISC under the usual policy.
func (c *Conn) closeTransmitter() error {
	disc := buildSupervisory(frameDISC, 0)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.stats.Retransmissions++
			log.Warn().Int("attempt", attempt).Msg("Retransmitting DISC")
		}
		if err := c.writeFrame(disc); err != nil {
			return err
		}
		log.Debug().Msg("link TX DISC")

		deadline := time.Now().Add(c.params.Timeout)
		for {
			fr, err := c.awaitFrame(deadline)
			if err == errReplyTimeout {
				c.stats.Timeouts++
				break
			}
			if err == errBadBCC2 {
				continue
			}
			if err != nil {
				return err
			}
			if fr.kind == frameDISC {
				log.Debug().Msg("link RX DISC")
				if err := c.writeFrame(buildSupervisory(frameUA, 0)); err != nil {
					return err
				}
				log.Debug().Msg("link TX UA")
				return nil
			}
			// stale acks or strays during teardown; discarded
		}

		if attempt >= c.params.Retries {
			return ErrTimeout
		}
	}
}

// closeReceiver waits for the peer's DISC (unless Read already consumed it),
// answers with its own DISC and waits for the final UA.
func (c *Conn) closeReceiver() error {
	if !c.discSeen {
		quiet := 0
	waitDISC:
		for {
			fr, err := c.awaitFrame(time.Time{})
			switch {
			case err == errReplyTimeout:
				quiet++
				if quiet > c.params.Retries {
					c.stats.Timeouts++
					return ErrTimeout
				}
			case err == errBadBCC2:
				// corrupted frame during teardown; ignore
			case err != nil:
				return err
			case fr.kind == frameDISC:
				log.Debug().Msg("link RX DISC")
				break waitDISC
			case fr.kind == frameI && fr.seq != c.recvSeq:
				// the ack for the last delivered frame was lost; re-ack so
				// the peer can move on to disconnection
				c.stats.DuplicatesDropped++
				if werr := c.writeFrame(buildSupervisory(frameRR, 1-fr.seq)); werr != nil {
					return werr
				}
			}
		}
	}

	disc := buildSupervisory(frameDISC, 0)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.stats.Retransmissions++
			log.Warn().Int("attempt", attempt).Msg("Retransmitting DISC")
		}
		if err := c.writeFrame(disc); err != nil {
			return err
		}
		log.Debug().Msg("link TX DISC")

		deadline := time.Now().Add(c.params.Timeout)
		for {
			fr, err := c.awaitFrame(deadline)
			if err == errReplyTimeout {
				c.stats.Timeouts++
				break
			}
			if err == errBadBCC2 {
				continue
			}
			if err != nil {
				return err
			}
			if fr.kind == frameUA {
				log.Debug().Msg("link RX UA")
				return nil
			}
			if fr.kind == frameDISC {
				// our DISC was lost; resend it
				break
			}
		}

		if attempt >= c.params.Retries {
			return ErrTimeout
		}
	}
}

// openTransmitter runs the SET/UA establishment exchange.
func (c *Conn) openTransmitter() error {
	set := buildSupervisory(frameSET, 0)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.stats.Retransmissions++
			log.Warn().Int("attempt", attempt).Msg("Retransmitting SET")
		}
		if err := c.writeFrame(set); err != nil {
			return err
		}
		log.Debug().Msg("link TX SET")

		deadline := time.Now().Add(c.params.Timeout)
		for {
			fr, err := c.awaitFrame(deadline)
			if err == errReplyTimeout {
				c.stats.Timeouts++
				break
			}
			if err == errBadBCC2 {
				continue
			}
			if err != nil {
				return err
			}
			if fr.kind == frameUA {
				log.Debug().Msg("link RX UA")
				return nil
			}
			// strays during establishment; discarded
		}

		if attempt >= c.params.Retries {
			return ErrTimeout
		}
	}
}

// openReceiver blocks until a valid SET arrives and answers it with UA.
// Silence is expected here: the peer may not have started yet.
func (c *Conn) openReceiver() error {
	for {
		fr, err := c.awaitFrame(time.Time{})
		if err == errReplyTimeout || err == errBadBCC2 {
			continue
		}
		if err != nil {
			return err
		}
		if fr.kind == frameSET {
			log.Debug().Msg("link RX SET")
			if err := c.writeFrame(buildSupervisory(frameUA, 0)); err != nil {
				return err
			}
			log.Debug().Msg("link TX UA")
			return nil
		}
	}
}

// awaitFrame reads bytes through the frame reader until a frame completes, a
// quiet window elapses, or the deadline passes. A zero deadline waits one
// quiet window at most. Malformed frames are discarded silently; a frame with
// a bad payload checksum is returned together with errBadBCC2 so the caller
// can reject the right sequence number.
func (c *Conn) awaitFrame(deadline time.Time) (frame, error) {
	for {
		b, ok, err := c.readByte()
		if err != nil {
			return frame{}, err
		}
		if !ok {
			return frame{}, errReplyTimeout
		}

		raw, done := c.reader.feed(b)
		if !done {
			if !deadline.IsZero() && time.Now().After(deadline) {
				return frame{}, errReplyTimeout
			}
			continue
		}

		fr, err := decodeRaw(raw)
		if err == errMalformedFrame {
			c.stats.FramesDiscarded++
			continue
		}
		c.stats.FramesReceived++
		return fr, err
	}
}

// readByte performs one bounded device read. ok is false when the read
// timeout elapsed with no byte available.
func (c *Conn) readByte() (byte, bool, error) {
	var buf [1]byte
	n, err := c.port.Read(buf[:])
	if err != nil {
		return 0, false, fmt.Errorf("serial read: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

// writeFrame pushes a serialized frame to the device.
func (c *Conn) writeFrame(buf []byte) error {
	if _, err := c.port.Write(buf); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	c.stats.FramesSent++
	return nil
}

func (c *Conn) logStats() {
	log.Info().
		Uint64("frames_sent", c.stats.FramesSent).
		Uint64("frames_received", c.stats.FramesReceived).
		Uint64("frames_discarded", c.stats.FramesDiscarded).
		Uint64("retransmissions", c.stats.Retransmissions).
		Uint64("timeouts", c.stats.Timeouts).
		Uint64("rejects_sent", c.stats.RejectsSent).
		Uint64("rejects_received", c.stats.RejectsReceived).
		Uint64("duplicates_dropped", c.stats.DuplicatesDropped).
		Uint64("bytes_in", c.stats.BytesIn).
		Uint64("bytes_out", c.stats.BytesOut).
		Msg("Link statistics")
}
