package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single AEAD frame's ciphertext length,
// guarding against a peer claiming an unreasonable length prefix.
const DefaultMaxFrameSize = 64 * 1024

// LengthPrefixSize is the width of the big-endian length prefix that opens
// every frame on a stream transport.
const LengthPrefixSize = 4

// NonceSize is the width of the explicit per-message nonce prefix carried
// ahead of each frame's ciphertext, derived from the SendCounter value.
const NonceSize = 8

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// configured maximum.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// ErrShortFrame is returned when a frame is too small to contain a nonce
// prefix.
var ErrShortFrame = errors.New("wire: frame shorter than nonce prefix")

// Frame is one length-prefixed unit on the wire: an explicit nonce followed
// by AEAD ciphertext (which itself decrypts to a CBOR Envelope).
type Frame struct {
	Nonce      uint64
	Ciphertext []byte
}

// Marshal serializes a Frame to its wire form: a 4-byte big-endian length
// prefix covering everything that follows, an 8-byte big-endian nonce, then
// ciphertext.
func Marshal(f Frame) []byte {
	body := make([]byte, NonceSize+len(f.Ciphertext))
	binary.BigEndian.PutUint64(body[:NonceSize], f.Nonce)
	copy(body[NonceSize:], f.Ciphertext)

	out := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(body)))
	copy(out[LengthPrefixSize:], body)
	return out
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, f Frame) error {
	_, err := w.Write(Marshal(f))
	if err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r, rejecting frames whose
// declared body length exceeds maxFrameSize (use DefaultMaxFrameSize when
// the caller has no tighter bound).
func ReadFrame(r io.Reader, maxFrameSize int) (Frame, error) {
	var lenPrefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read length prefix: %w", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenPrefix[:])

	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if int(bodyLen) > maxFrameSize+NonceSize {
		return Frame{}, ErrFrameTooLarge
	}
	if bodyLen < NonceSize {
		return Frame{}, ErrShortFrame
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame body: %w", err)
	}

	return Frame{
		Nonce:      binary.BigEndian.Uint64(body[:NonceSize]),
		Ciphertext: body[NonceSize:],
	}, nil
}

// EncodeDatagram serializes a Frame without the length prefix, for delivery
// over a transport that already preserves message boundaries (the
// in-memory router, UDP) rather than a byte stream.
func EncodeDatagram(f Frame) []byte {
	body := make([]byte, NonceSize+len(f.Ciphertext))
	binary.BigEndian.PutUint64(body[:NonceSize], f.Nonce)
	copy(body[NonceSize:], f.Ciphertext)
	return body
}

// DecodeDatagram parses a Frame encoded by EncodeDatagram.
func DecodeDatagram(data []byte) (Frame, error) {
	if len(data) < NonceSize {
		return Frame{}, ErrShortFrame
	}
	return Frame{
		Nonce:      binary.BigEndian.Uint64(data[:NonceSize]),
		Ciphertext: data[NonceSize:],
	}, nil
}
