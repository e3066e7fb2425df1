package transfer

import (
	"encoding/binary"
	"fmt"
)

// Packet control values
const (
	packetData  = 0x01
	packetStart = 0x02
	packetEnd   = 0x03

	tlvFileSize = 0x00
	tlvFileName = 0x01
)

// MaxDataSize is the largest chunk carried by a single DATA packet. The
// serialized packet must fit one link-layer information frame even after
// worst-case stuffing.
const MaxDataSize = 512

// FileInfo describes the file announced by a START packet and confirmed by
// the matching END packet.
type FileInfo struct {
	Name string
	Size uint32
}

// buildControl serializes a START or END packet: the control byte followed by
// a size TLV (4-byte big-endian) and a name TLV.
func buildControl(ctrl byte, info FileInfo) ([]byte, error) {
	if len(info.Name) == 0 {
		return nil, fmt.Errorf("%w: empty file name", ErrBadPacket)
	}
	if len(info.Name) > 255 {
		return nil, fmt.Errorf("%w: file name longer than 255 bytes", ErrBadPacket)
	}

	out := make([]byte, 0, 1+2+4+2+len(info.Name))
	out = append(out, ctrl)
	out = append(out, tlvFileSize, 4)
	out = binary.BigEndian.AppendUint32(out, info.Size)
	out = append(out, tlvFileName, byte(len(info.Name)))
	out = append(out, info.Name...)
	return out, nil
}

// parseControl decodes the TLVs of a START or END packet body (control byte
// already stripped). Both the size and the name field are required.
func parseControl(body []byte) (FileInfo, error) {
	var info FileInfo
	var haveSize, haveName bool

	for len(body) > 0 {
		if len(body) < 2 {
			return info, fmt.Errorf("%w: truncated TLV header", ErrBadPacket)
		}
		typ, length := body[0], int(body[1])
		body = body[2:]
		if len(body) < length {
			return info, fmt.Errorf("%w: truncated TLV value", ErrBadPacket)
		}
		value := body[:length]
		body = body[length:]

		switch typ {
		case tlvFileSize:
			if length != 4 {
				return info, fmt.Errorf("%w: size TLV has length %d", ErrBadPacket, length)
			}
			info.Size = binary.BigEndian.Uint32(value)
			haveSize = true
		case tlvFileName:
			if length == 0 {
				return info, fmt.Errorf("%w: empty name TLV", ErrBadPacket)
			}
			info.Name = string(value)
			haveName = true
		default:
			return info, fmt.Errorf("%w: unknown TLV type 0x%02X", ErrBadPacket, typ)
		}
	}

	if !haveSize || !haveName {
		return info, fmt.Errorf("%w: missing required TLV", ErrBadPacket)
	}
	return info, nil
}

// buildData serializes a DATA packet: control, two length bytes encoding
// len(chunk) as L2·256 + L1, then the chunk.
func buildData(chunk []byte) []byte {
	out := make([]byte, 0, 3+len(chunk))
	out = append(out, packetData, byte(len(chunk)>>8), byte(len(chunk)&0xFF))
	out = append(out, chunk...)
	return out
}

// parseData decodes a DATA packet body (control byte already stripped) and
// returns the carried chunk.
func parseData(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: truncated DATA header", ErrBadPacket)
	}
	length := int(body[0])*256 + int(body[1])
	if len(body)-2 != length {
		return nil, fmt.Errorf("%w: DATA length %d but %d bytes present", ErrBadPacket, length, len(body)-2)
	}
	return body[2:], nil
}
