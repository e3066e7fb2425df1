package link

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

// scriptPort is a single-threaded fake device. Reads drain a queue of
// pending bytes; an empty queue reads as a quiet window (0, nil). Writes are
// recorded and may enqueue a scripted reply.
type scriptPort struct {
	in      []byte
	writes  [][]byte
	onWrite func(frame []byte) []byte
	closed  bool
}

func (p *scriptPort) Read(buf []byte) (int, error) {
	if len(p.in) == 0 {
		return 0, nil
	}
	n := copy(buf, p.in)
	p.in = p.in[n:]
	return n, nil
}

func (p *scriptPort) Write(b []byte) (int, error) {
	cp := append([]byte(nil), b...)
	p.writes = append(p.writes, cp)
	if p.onWrite != nil {
		if reply := p.onWrite(cp); reply != nil {
			p.in = append(p.in, reply...)
		}
	}
	return len(b), nil
}

func (p *scriptPort) SetReadTimeout(time.Duration) error { return nil }

func (p *scriptPort) Close() error {
	p.closed = true
	return nil
}

func testParams() Params {
	return Params{Timeout: 50 * time.Millisecond, Retries: 3}
}

func establishedConn(role Role, port Port) *Conn {
	return &Conn{port: port, role: role, params: testParams(), state: stateEstablished}
}

// ctrlOf extracts the control byte of a recorded wire frame.
func ctrlOf(frame []byte) byte {
	return frame[2]
}

func TestOpenTransmitter(t *testing.T) {
	port := &scriptPort{}
	port.onWrite = func([]byte) []byte { return buildSupervisory(frameUA, 0) }

	c, err := open(port, RoleTransmitter, testParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.state != stateEstablished {
		t.Error("connection not established")
	}
	want := []byte{0x7E, 0x03, 0x03, 0x00, 0x7E}
	if !bytes.Equal(port.writes[0], want) {
		t.Errorf("SET on the wire: got % X want % X", port.writes[0], want)
	}
}

func TestOpenTransmitterRetransmitsSET(t *testing.T) {
	port := &scriptPort{}
	sets := 0
	port.onWrite = func([]byte) []byte {
		sets++
		if sets == 1 {
			return nil // first SET lost
		}
		return buildSupervisory(frameUA, 0)
	}

	c, err := open(port, RoleTransmitter, testParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(port.writes) != 2 {
		t.Errorf("writes: got %d want 2", len(port.writes))
	}
	st := c.Stats()
	if st.Retransmissions != 1 || st.Timeouts != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestOpenTransmitterExhaustsRetries(t *testing.T) {
	port := &scriptPort{}

	_, err := open(port, RoleTransmitter, testParams())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(port.writes) != 4 {
		t.Errorf("transmissions: got %d want 4", len(port.writes))
	}
	if !port.closed {
		t.Error("port not released after failed handshake")
	}
}

func TestOpenReceiver(t *testing.T) {
	port := &scriptPort{in: append([]byte{0x42, 0xFF}, buildSupervisory(frameSET, 0)...)}

	c, err := open(port, RoleReceiver, testParams())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if c.state != stateEstablished {
		t.Error("connection not established")
	}
	want := []byte{0x7E, 0x03, 0x07, 0x04, 0x7E}
	if !bytes.Equal(port.writes[0], want) {
		t.Errorf("UA on the wire: got % X want % X", port.writes[0], want)
	}
}

func TestWriteTogglesSequence(t *testing.T) {
	port := &scriptPort{}
	port.onWrite = func(f []byte) []byte {
		if ctrlOf(f) == ctrlI0 {
			return buildSupervisory(frameRR, 1)
		}
		return buildSupervisory(frameRR, 0)
	}
	c := establishedConn(RoleTransmitter, port)

	if n, err := c.Write([]byte{0x01, 0x02}); err != nil || n != 2 {
		t.Fatalf("first write: n=%d err=%v", n, err)
	}
	if n, err := c.Write([]byte{0x03}); err != nil || n != 1 {
		t.Fatalf("second write: n=%d err=%v", n, err)
	}

	if ctrlOf(port.writes[0]) != ctrlI0 || ctrlOf(port.writes[1]) != ctrlI1 {
		t.Errorf("sequence did not alternate: % X / % X", port.writes[0], port.writes[1])
	}
	if st := c.Stats(); st.BytesOut != 3 {
		t.Errorf("bytes out: %d", st.BytesOut)
	}
}

func TestWriteREJRetransmitsImmediately(t *testing.T) {
	port := &scriptPort{}
	sent := 0
	port.onWrite = func([]byte) []byte {
		sent++
		if sent == 1 {
			return buildSupervisory(frameREJ, 0)
		}
		return buildSupervisory(frameRR, 1)
	}
	c := establishedConn(RoleTransmitter, port)

	if _, err := c.Write([]byte{0x10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if sent != 2 {
		t.Errorf("transmissions: got %d want 2", sent)
	}
	st := c.Stats()
	if st.RejectsReceived != 1 || st.Retransmissions != 1 || st.Timeouts != 0 {
		t.Errorf("stats: %+v", st)
	}
}

func TestWriteIgnoresStaleAck(t *testing.T) {
	port := &scriptPort{}
	// a stale RR0 (re-ack of the previous exchange) followed by the real ack
	port.in = append(buildSupervisory(frameRR, 0), buildSupervisory(frameRR, 1)...)
	c := establishedConn(RoleTransmitter, port)

	if _, err := c.Write([]byte{0x10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(port.writes) != 1 {
		t.Errorf("stale ack triggered a retransmission: %d writes", len(port.writes))
	}
}

func TestWriteTimeoutRetransmits(t *testing.T) {
	port := &scriptPort{}
	sent := 0
	port.onWrite = func([]byte) []byte {
		sent++
		if sent == 1 {
			return nil // frame (or its ack) lost
		}
		return buildSupervisory(frameRR, 1)
	}
	c := establishedConn(RoleTransmitter, port)

	if _, err := c.Write([]byte{0x10}); err != nil {
		t.Fatalf("write: %v", err)
	}
	st := c.Stats()
	if st.Timeouts != 1 || st.Retransmissions != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestWriteExhaustsRetries(t *testing.T) {
	port := &scriptPort{}
	c := establishedConn(RoleTransmitter, port)

	_, err := c.Write([]byte{0x10})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(port.writes) != 4 {
		t.Errorf("transmissions: got %d want 4", len(port.writes))
	}
}

func TestWriteGuards(t *testing.T) {
	rx := establishedConn(RoleReceiver, &scriptPort{})
	if _, err := rx.Write([]byte{0x01}); !errors.Is(err, ErrRole) {
		t.Errorf("receiver write: %v", err)
	}

	tx := establishedConn(RoleTransmitter, &scriptPort{})
	tx.state = stateClosed
	if _, err := tx.Write([]byte{0x01}); !errors.Is(err, ErrClosed) {
		t.Errorf("closed write: %v", err)
	}

	tx = establishedConn(RoleTransmitter, &scriptPort{})
	if _, err := tx.Write(make([]byte, MaxPayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversized write: %v", err)
	}
}

func TestReadDeliversEachPayloadOnce(t *testing.T) {
	first := []byte{0xAA, 0xBB}
	second := []byte{0xCC}

	port := &scriptPort{}
	port.in = append(port.in, buildInfo(0, first)...)
	port.in = append(port.in, buildInfo(0, first)...) // duplicate: our RR was lost
	port.in = append(port.in, buildInfo(1, second)...)
	c := establishedConn(RoleReceiver, port)

	buf := make([]byte, 64)

	n, err := c.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], first) {
		t.Fatalf("first read: n=%d err=%v", n, err)
	}
	n, err = c.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], second) {
		t.Fatalf("second read: n=%d err=%v", n, err)
	}

	st := c.Stats()
	if st.DuplicatesDropped != 1 {
		t.Errorf("duplicates dropped: %d", st.DuplicatesDropped)
	}
	// RR(1) for the delivery, RR(1) re-ack for the duplicate, RR(0) for the second
	wantCtrls := []byte{ctrlRR1, ctrlRR1, ctrlRR0}
	if len(port.writes) != len(wantCtrls) {
		t.Fatalf("acks written: %d", len(port.writes))
	}
	for i, want := range wantCtrls {
		if ctrlOf(port.writes[i]) != want {
			t.Errorf("ack %d: got 0x%02X want 0x%02X", i, ctrlOf(port.writes[i]), want)
		}
	}
}

func TestReadRejectsCorruptPayload(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03}
	corrupt := buildInfo(0, payload)
	corrupt[4] ^= 0x10 // flip a payload byte; BCC2 no longer matches

	port := &scriptPort{}
	port.in = append(port.in, corrupt...)
	port.in = append(port.in, buildInfo(0, payload)...)
	c := establishedConn(RoleReceiver, port)

	buf := make([]byte, 64)
	n, err := c.Read(buf)
	if err != nil || !bytes.Equal(buf[:n], payload) {
		t.Fatalf("read: n=%d err=%v", n, err)
	}

	if ctrlOf(port.writes[0]) != ctrlREJ0 {
		t.Errorf("expected REJ0 first, got 0x%02X", ctrlOf(port.writes[0]))
	}
	if ctrlOf(port.writes[1]) != ctrlRR1 {
		t.Errorf("expected RR1 second, got 0x%02X", ctrlOf(port.writes[1]))
	}
	if st := c.Stats(); st.RejectsSent != 1 {
		t.Errorf("rejects sent: %d", st.RejectsSent)
	}
}

func TestReadAnswersDuplicateSET(t *testing.T) {
	port := &scriptPort{}
	port.in = append(port.in, buildSupervisory(frameSET, 0)...)
	port.in = append(port.in, buildInfo(0, []byte{0x55})...)
	c := establishedConn(RoleReceiver, port)

	buf := make([]byte, 8)
	if _, err := c.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ctrlOf(port.writes[0]) != ctrlUA {
		t.Errorf("duplicate SET not answered with UA: 0x%02X", ctrlOf(port.writes[0]))
	}
}

func TestReadReportsPeerDisconnect(t *testing.T) {
	port := &scriptPort{in: buildSupervisory(frameDISC, 0)}
	c := establishedConn(RoleReceiver, port)

	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, ErrClosing) {
		t.Fatalf("expected ErrClosing, got %v", err)
	}
	if !c.discSeen {
		t.Error("discSeen not recorded")
	}
}

func TestReadTimesOutOnSilence(t *testing.T) {
	c := establishedConn(RoleReceiver, &scriptPort{})
	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCloseTransmitter(t *testing.T) {
	port := &scriptPort{}
	port.onWrite = func(f []byte) []byte {
		if ctrlOf(f) == ctrlDISC {
			return buildSupervisory(frameDISC, 0)
		}
		return nil
	}
	c := establishedConn(RoleTransmitter, port)

	if err := c.Close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ctrlOf(port.writes[0]) != ctrlDISC || ctrlOf(port.writes[1]) != ctrlUA {
		t.Errorf("teardown frames: % X", port.writes)
	}
	if !port.closed {
		t.Error("port not released")
	}
	if _, err := c.Write([]byte{0x01}); !errors.Is(err, ErrClosed) {
		t.Errorf("write after close: %v", err)
	}
	if err := c.Close(false); !errors.Is(err, ErrClosed) {
		t.Errorf("second close: %v", err)
	}
}

func TestCloseTransmitterRetransmitsDISC(t *testing.T) {
	port := &scriptPort{}
	discs := 0
	port.onWrite = func(f []byte) []byte {
		if ctrlOf(f) != ctrlDISC {
			return nil
		}
		discs++
		if discs == 1 {
			return nil
		}
		return buildSupervisory(frameDISC, 0)
	}
	c := establishedConn(RoleTransmitter, port)

	if err := c.Close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if discs != 2 {
		t.Errorf("DISC transmissions: %d", discs)
	}
}

func TestCloseReleasesPortOnFailure(t *testing.T) {
	port := &scriptPort{}
	c := establishedConn(RoleTransmitter, port)

	if err := c.Close(false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !port.closed {
		t.Error("port not released on failed close")
	}
	if c.state != stateClosed {
		t.Error("state not closed")
	}
}

func TestCloseReceiver(t *testing.T) {
	port := &scriptPort{in: buildSupervisory(frameDISC, 0)}
	port.onWrite = func(f []byte) []byte {
		if ctrlOf(f) == ctrlDISC {
			return buildSupervisory(frameUA, 0)
		}
		return nil
	}
	c := establishedConn(RoleReceiver, port)

	if err := c.Close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
	if ctrlOf(port.writes[0]) != ctrlDISC {
		t.Errorf("receiver did not answer with DISC: % X", port.writes)
	}
	if !port.closed {
		t.Error("port not released")
	}
}

func TestCloseReceiverAfterReadSawDISC(t *testing.T) {
	port := &scriptPort{in: buildSupervisory(frameDISC, 0)}
	port.onWrite = func(f []byte) []byte {
		if ctrlOf(f) == ctrlDISC {
			return buildSupervisory(frameUA, 0)
		}
		return nil
	}
	c := establishedConn(RoleReceiver, port)

	if _, err := c.Read(make([]byte, 8)); !errors.Is(err, ErrClosing) {
		t.Fatalf("read: %v", err)
	}
	if err := c.Close(false); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// pipePort is one end of an in-memory full-duplex byte pipe with a read
// timeout, for end-to-end exchanges between two connections.
type pipePort struct {
	in      <-chan byte
	out     chan<- byte
	timeout time.Duration
}

func newPipePair() (*pipePort, *pipePort) {
	ab := make(chan byte, 1<<16)
	ba := make(chan byte, 1<<16)
	a := &pipePort{in: ba, out: ab, timeout: time.Second}
	b := &pipePort{in: ab, out: ba, timeout: time.Second}
	return a, b
}

func (p *pipePort) Read(buf []byte) (int, error) {
	select {
	case b := <-p.in:
		buf[0] = b
		return 1, nil
	case <-time.After(p.timeout):
		return 0, nil
	}
}

func (p *pipePort) Write(b []byte) (int, error) {
	for _, c := range b {
		p.out <- c
	}
	return len(b), nil
}

func (p *pipePort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *pipePort) Close() error { return nil }

func TestEndToEndExchange(t *testing.T) {
	txPort, rxPort := newPipePair()
	params := Params{Timeout: 500 * time.Millisecond, Retries: 3}

	payloads := [][]byte{
		{0x01},
		{0x7E, 0x7D, 0x41},
		{0x00, 0x00, 0x00},
		{0xFF},
		{0x10, 0x20, 0x30, 0x40},
	}

	errCh := make(chan error, 1)
	go func() {
		tx, err := open(txPort, RoleTransmitter, params)
		if err != nil {
			errCh <- err
			return
		}
		for _, p := range payloads {
			if _, err := tx.Write(p); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- tx.Close(false)
	}()

	rx, err := open(rxPort, RoleReceiver, params)
	if err != nil {
		t.Fatalf("receiver open: %v", err)
	}

	buf := make([]byte, MaxPayload)
	for i, want := range payloads {
		n, err := rx.Read(buf)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("payload %d: got % X want % X", i, buf[:n], want)
		}
	}

	if err := rx.Close(false); err != nil {
		t.Fatalf("receiver close: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("transmitter: %v", err)
	}
}
