// Package frame implements Phantom's binary wire framing: a fixed 15-byte
// header followed by an optionally zstd-compressed payload, plus the
// length-prefixed JSON framing used by the control channel.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Type identifies the kind of frame carried on a session stream.
type Type byte

const (
	Data         Type = 0x01
	Resize       Type = 0x02
	Heartbeat    Type = 0x03
	Close        Type = 0x04
	Scrollback   Type = 0x05
	WindowUpdate Type = 0x06
)

func (t Type) String() string {
	switch t {
	case Data:
		return "data"
	case Resize:
		return "resize"
	case Heartbeat:
		return "heartbeat"
	case Close:
		return "close"
	case Scrollback:
		return "scrollback"
	case WindowUpdate:
		return "window_update"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

const (
	// HeaderSize is the fixed frame header: type(1) + payload_len(4) + sequence(8) + flags(2).
	HeaderSize = 15
	// MaxPayload bounds a single frame's (decompressed) payload.
	MaxPayload = 65536
	// MaxFrame bounds the full wire size of a single frame.
	MaxFrame = HeaderSize + MaxPayload
	// CompressThreshold is the payload size a payload must exceed to be
	// eligible for compression.
	CompressThreshold = 256

	flagCompressed uint16 = 0x0001
)

var (
	ErrUnknownType       = errors.New("frame: unknown frame type")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrIncompleteHeader  = errors.New("frame: incomplete header")
	ErrIncompletePayload = errors.New("frame: incomplete payload")
	ErrControlTooLarge   = errors.New("frame: control message too large")
)

// Frame is a single decoded unit on a session stream.
type Frame struct {
	Type     Type
	Sequence uint64
	Payload  []byte
}

func NewData(seq uint64, payload []byte) Frame {
	return Frame{Type: Data, Sequence: seq, Payload: payload}
}

func NewResize(seq uint64, cols, rows uint16) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], cols)
	binary.BigEndian.PutUint16(payload[2:4], rows)
	return Frame{Type: Resize, Sequence: seq, Payload: payload}
}

func NewHeartbeat(seq uint64) Frame {
	return Frame{Type: Heartbeat, Sequence: seq}
}

func NewClose(seq uint64) Frame {
	return Frame{Type: Close, Sequence: seq}
}

func NewScrollback(seq uint64, payload []byte) Frame {
	return Frame{Type: Scrollback, Sequence: seq, Payload: payload}
}

func NewWindowUpdate(seq uint64, window uint64) Frame {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, window)
	return Frame{Type: WindowUpdate, Sequence: seq, Payload: payload}
}

// ParseResize extracts cols/rows from a Resize frame's payload.
func ParseResize(payload []byte) (cols, rows uint16, err error) {
	if len(payload) < 4 {
		return 0, 0, fmt.Errorf("frame: resize payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), binary.BigEndian.Uint16(payload[2:4]), nil
}

// ParseWindowUpdate extracts the window value from a WindowUpdate frame's payload.
func ParseWindowUpdate(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("frame: window_update payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint64(payload), nil
}

var (
	encoderOnce = newPooledEncoder()
	decoderOnce = newPooledDecoder()
)

func newPooledEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	return enc
}

func newPooledDecoder() *zstd.Decoder {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
	return dec
}

// Encode serializes f into a wire frame. If compress is true and the
// payload exceeds CompressThreshold, zstd compression is attempted and used
// only when it actually shrinks the payload.
func Encode(f Frame, compress bool) ([]byte, error) {
	payload := f.Payload
	var flags uint16

	if compress && len(payload) > CompressThreshold {
		compressed := encoderOnce.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[5:13], f.Sequence)
	binary.BigEndian.PutUint16(buf[13:15], flags)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode attempts to parse a single frame from the front of buf. It returns
// (frame, consumed, nil) on success, (Frame{}, 0, nil) if buf does not yet
// hold a complete frame, or a non-nil error for malformed input.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) < HeaderSize {
		return Frame{}, 0, nil
	}

	typ := Type(buf[0])
	switch typ {
	case Data, Resize, Heartbeat, Close, Scrollback, WindowUpdate:
	default:
		return Frame{}, 0, ErrUnknownType
	}

	payloadLen := binary.BigEndian.Uint32(buf[1:5])
	if payloadLen > MaxPayload {
		return Frame{}, 0, ErrPayloadTooLarge
	}
	sequence := binary.BigEndian.Uint64(buf[5:13])
	flags := binary.BigEndian.Uint16(buf[13:15])

	total := HeaderSize + int(payloadLen)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	raw := buf[HeaderSize:total]
	payload := raw
	if flags&flagCompressed != 0 {
		decompressed, err := decoderOnce.DecodeAll(raw, make([]byte, 0, len(raw)))
		if err != nil {
			return Frame{}, 0, fmt.Errorf("frame: decompress: %w", err)
		}
		if len(decompressed) > MaxPayload {
			return Frame{}, 0, ErrPayloadTooLarge
		}
		payload = decompressed
	}

	out := make([]byte, len(payload))
	copy(out, payload)

	return Frame{Type: typ, Sequence: sequence, Payload: out}, total, nil
}

// Decoder accumulates bytes from a stream and yields complete frames as
// they become available, in amortized O(1) per consumed byte: the buffer is
// only compacted (shifted to the front) once the consumed prefix grows past
// half its capacity, rather than on every call.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// Next returns the next complete frame, if any is available. ok is false
// when more data must be fed before a frame can be decoded.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	f, consumed, err := Decode(d.buf[d.off:])
	if err != nil {
		return Frame{}, false, err
	}
	if consumed == 0 {
		return Frame{}, false, nil
	}
	d.off += consumed
	d.compact()
	return f, true, nil
}

func (d *Decoder) compact() {
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off > cap(d.buf)/2 {
		remaining := len(d.buf) - d.off
		copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:remaining]
		d.off = 0
	}
}
