// Package rpc defines the daemon's wire protocol: length-prefixed JSON
// frames over a local socket, request/response shapes, and the mapping
// from Go errors to wire error codes.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize caps one frame at 10 MiB. Oversized frames are rejected
// from the header alone, before any payload is read or parsed.
const MaxMessageSize = 10 << 20

// ErrMessageTooLarge rejects a frame whose declared length exceeds
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("message exceeds 10 MiB limit")

// WriteFrame writes one message: 4-byte big-endian length, then payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("%w (%d bytes)", ErrMessageTooLarge, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one message. io.EOF at a frame boundary means the peer
// closed cleanly.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated frame header: %w", err)
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("%w (%d bytes declared)", ErrMessageTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("truncated frame body: %w", err)
	}
	return payload, nil
}
