package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the wire header: relationship id plus payload length.
	HeaderSize = RelationshipIDSize + 8
	// ChunkSize bounds a single read or write of message bytes.
	ChunkSize = 1024
	// MaxMessageSize is the default payload limit.
	MaxMessageSize = 16 << 20 // 16 MiB
)

var ErrMessageTooLarge = errors.New("frame: message payload too large")

// Header is a decoded wire header.
type Header struct {
	RelationshipID uint16
	Length         uint64
}

func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	return Header{
		RelationshipID: binary.BigEndian.Uint16(b[:RelationshipIDSize]),
		Length:         binary.BigEndian.Uint64(b[RelationshipIDSize:]),
	}, nil
}

// ReadPayload reads exactly h.Length bytes in reads of at most ChunkSize.
func ReadPayload(r io.Reader, h Header, limit uint64) ([]byte, error) {
	if h.Length > limit {
		return nil, fmt.Errorf("%w: %d", ErrMessageTooLarge, h.Length)
	}
	buf := make([]byte, h.Length)
	for off := 0; off < len(buf); {
		end := off + ChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		n, err := io.ReadFull(r, buf[off:end])
		off += n
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// DiscardPayload skips the payload of an unroutable message.
func DiscardPayload(r io.Reader, h Header, limit uint64) error {
	if h.Length > limit {
		return fmt.Errorf("%w: %d", ErrMessageTooLarge, h.Length)
	}
	_, err := io.CopyN(io.Discard, r, int64(h.Length))
	return err
}

// ReadMessage reads one full wire message.
func ReadMessage(r io.Reader, limit uint64) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	payload, err := ReadPayload(r, h, limit)
	return h, payload, err
}

// WriteMessage writes msg in writes of at most chunk bytes.
func WriteMessage(w io.Writer, msg []byte, chunk int) error {
	if chunk <= 0 {
		chunk = ChunkSize
	}
	for len(msg) > 0 {
		n := chunk
		if n > len(msg) {
			n = len(msg)
		}
		if _, err := w.Write(msg[:n]); err != nil {
			return err
		}
		msg = msg[n:]
	}
	return nil
}
