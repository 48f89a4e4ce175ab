package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
)

// MaxFrameBytes bounds a single JSON frame to guard against a misbehaving
// peer driving unbounded allocation.
const MaxFrameBytes = 4 << 20 // 4 MiB

// ErrFrameTooLarge is returned by ReadFrame when the declared frame length
// exceeds MaxFrameBytes.
var ErrFrameTooLarge = errors.New("protocol: frame too large")

// WriteFrame encodes v as JSON and writes it as a 4-byte big-endian length
// prefix followed by the JSON body.
func WriteFrame(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadFrame reads one length-prefixed JSON frame and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
