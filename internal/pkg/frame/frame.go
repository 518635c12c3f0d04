// Package frame implements the two wire formats spoken between the host
// and the guest agent:
//
//   - host -> guest: raw payload bytes followed by the literal terminator
//     "__END__" (the guest reads until it sees the terminator);
//   - guest -> host: a 4-byte big-endian unsigned length prefix followed
//     by that many bytes of UTF-8 JSON.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Terminator marks the end of a host->guest payload stream.
const Terminator = "__END__"

// MaxFrameBytes caps length-prefixed frames to protect against
// oversized or corrupt headers.
const MaxFrameBytes = 8 * 1024 * 1024 // 8MB

var (
	// ErrHeaderTruncated is returned when the connection closes before a
	// complete 4-byte length header is read.
	ErrHeaderTruncated = errors.New("length header truncated")

	// ErrPayloadTruncated is returned when the connection closes before
	// the advertised number of payload bytes arrive.
	ErrPayloadTruncated = errors.New("payload truncated")
)

// Write sends a length-prefixed frame. The prefix and body are batched
// into a single write to reduce syscalls.
func Write(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// Read reads one length-prefixed frame. A short read of the header yields
// ErrHeaderTruncated; a short read of the body yields ErrPayloadTruncated.
// The underlying read error stays in the chain, so callers can still
// distinguish a deadline expiry from a closed connection.
func Read(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderTruncated, err)
	}

	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > MaxFrameBytes {
		return nil, fmt.Errorf("frame too large: %d bytes", frameLen)
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPayloadTruncated, err)
	}
	return data, nil
}

// WritePayload sends a raw payload followed by the terminator.
func WritePayload(w io.Writer, payload []byte) error {
	if _, err := w.Write(payload); err != nil {
		return err
	}
	_, err := io.WriteString(w, Terminator)
	return err
}

// ReadPayload accumulates bytes from r until the terminator is observed,
// and returns the payload with the terminator stripped. maxBytes bounds
// the accumulated buffer; 0 means MaxFrameBytes.
func ReadPayload(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = MaxFrameBytes
	}
	term := []byte(Terminator)

	var buf bytes.Buffer
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes(), term); idx >= 0 {
				out := make([]byte, idx)
				copy(out, buf.Bytes()[:idx])
				return out, nil
			}
			if buf.Len() > maxBytes {
				return nil, fmt.Errorf("payload exceeds %d bytes without terminator", maxBytes)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil, ErrPayloadTruncated
			}
			return nil, err
		}
	}
}
