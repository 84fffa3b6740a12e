package frame

import "encoding/binary"

// MaxControlMessage bounds a single length-prefixed control message.
const MaxControlMessage = 65536

// EncodeControl wraps a JSON-encoded message in a 4-byte big-endian length
// prefix, as used on the control channel.
func EncodeControl(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// DecodeControl extracts the first complete length-prefixed message from
// buf. ok is false if buf does not yet hold a complete message.
func DecodeControl(buf []byte) (payload []byte, consumed int, ok bool, err error) {
	if len(buf) < 4 {
		return nil, 0, false, nil
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length > MaxControlMessage {
		return nil, 0, false, ErrControlTooLarge
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, false, nil
	}
	out := make([]byte, length)
	copy(out, buf[4:total])
	return out, total, true, nil
}
