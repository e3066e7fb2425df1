package link

// readerState enumerates the positions of the frame reader automaton.
type readerState uint8

const (
	stateStart readerState = iota
	stateAddr
	stateCtrl
	stateBCC1
	stateBody
)

// maxBody bounds the stuffed body of a frame: worst case every payload byte
// plus BCC2 doubles under stuffing.
const maxBody = (MaxPayload + 1) * 2

// rawFrame is a delimited frame as it came off the wire: address, control and
// BCC1 already validated, body still stuffed.
type rawFrame struct {
	ctrl byte
	body []byte
}

// frameReader parses frames one byte at a time. A FLAG seen in any position
// other than end-of-body resynchronizes the reader to the address state, so a
// truncated frame never poisons the next one.
type frameReader struct {
	state readerState
	ctrl  byte
	body  []byte
}

func (r *frameReader) reset() {
	r.state = stateStart
	r.ctrl = 0
	r.body = r.body[:0]
}

// feed advances the automaton by one input byte and returns a completed frame
// when the closing FLAG arrives.
func (r *frameReader) feed(b byte) (*rawFrame, bool) {
	switch r.state {
	case stateStart:
		if b == flagByte {
			r.state = stateAddr
		}

	case stateAddr:
		switch {
		case b == addrByte:
			r.state = stateCtrl
		case b == flagByte:
			// stay: repeated flags between frames
		default:
			r.state = stateStart
		}

	case stateCtrl:
		if b == flagByte {
			r.state = stateAddr
			break
		}
		if _, _, ok := decodeControl(b); ok {
			r.ctrl = b
			r.state = stateBCC1
		} else {
			r.state = stateStart
		}

	case stateBCC1:
		switch {
		case b == addrByte^r.ctrl:
			r.body = r.body[:0]
			r.state = stateBody
		case b == flagByte:
			r.state = stateAddr
		default:
			r.state = stateStart
		}

	case stateBody:
		if b == flagByte {
			fr := &rawFrame{ctrl: r.ctrl, body: append([]byte(nil), r.body...)}
			// the closing flag doubles as the opening flag of the next frame
			r.state = stateAddr
			r.body = r.body[:0]
			return fr, true
		}
		if len(r.body) >= maxBody {
			r.state = stateStart
			r.body = r.body[:0]
			break
		}
		r.body = append(r.body, b)
	}

	return nil, false
}
