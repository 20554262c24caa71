package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrEmptyPayload   = errors.New("empty payload")
	ErrUnknownTag     = errors.New("unknown payload tag")
	ErrUnknownMessage = errors.New("unknown message discriminant")
)

// WriteFrame writes payload prefixed with its 4-byte big-endian length.
// Header and payload go out in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame and returns its payload. It returns io.EOF when
// the stream ends, whether before the header, inside the payload, or because
// the connection was closed locally. A declared length above max returns
// ErrFrameTooLarge without consuming the payload; max <= 0 disables the check.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, endOfStream(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if max > 0 && uint64(length) > uint64(max) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, max)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, endOfStream(err)
	}
	return payload, nil
}

func endOfStream(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return io.EOF
	}
	return err
}

// EncodeControl serializes msg into a tagged control payload.
func EncodeControl(msg *Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	buf := make([]byte, 1+len(body))
	buf[0] = TagControl
	copy(buf[1:], body)
	return buf, nil
}

// MaxBinarySize is the largest binary body that fits a frame of maxFrame
// bytes once tagged.
func MaxBinarySize(maxFrame int) int {
	return maxFrame - 1
}

// EncodeBinary wraps data into a tagged binary payload.
func EncodeBinary(data []byte) []byte {
	buf := make([]byte, 1+len(data))
	buf[0] = TagBinary
	copy(buf[1:], data)
	return buf
}

// Decode deserializes a tagged frame payload. Control payloads must name a
// discriminant from the known vocabulary.
func Decode(data []byte) (*Payload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}

	switch data[0] {
	case TagControl:
		msg := new(Message)
		if err := json.Unmarshal(data[1:], msg); err != nil {
			return nil, fmt.Errorf("decode control message: %w", err)
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return &Payload{Tag: TagControl, Message: msg}, nil
	case TagBinary:
		body := make([]byte, len(data)-1)
		copy(body, data[1:])
		return &Payload{Tag: TagBinary, Data: body}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, data[0])
	}
}
