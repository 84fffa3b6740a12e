package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/artpar/phantomd/internal/frame"
)

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// unmarshalSEC1 parses an uncompressed SEC1-encoded P-256 public key
// (0x04 || X || Y), the form produced by most mobile ECDSA key APIs.
func unmarshalSEC1(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, fmt.Errorf("auth: invalid SEC1 public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// readControlMessage reads one [4-byte length][JSON] message off stream,
// enforcing frame.MaxControlMessage.
func readControlMessage(stream ControlStream) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(stream, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > frame.MaxControlMessage {
		return nil, fmt.Errorf("control message too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(stream, payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return payload, nil
}

// writeControlMessage writes payload with its 4-byte length prefix.
func writeControlMessage(stream ControlStream, payload []byte) error {
	_, err := stream.Write(frame.EncodeControl(payload))
	return err
}
