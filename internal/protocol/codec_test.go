package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameRoundTrip verifies that ReadFrame returns exactly what WriteFrame
// wrote for a range of payload sizes, including the empty payload.
func TestFrameRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 4096, 64 * 1024, 1 << 20}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i % 251)
			}

			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, payload))
			require.Equal(t, HeaderSize+size, buf.Len())

			got, err := ReadFrame(&buf, DefaultMaxFrameSize)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
			assert.Zero(t, buf.Len(), "reader should consume the whole frame")
		})
	}
}

func TestWriteFrameLayout(t *testing.T) {
	payload := []byte(`{"action":"CREATE_ROOM"}`)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	want := append([]byte{0x00, 0x00, 0x00, 0x18}, payload...)
	assert.Equal(t, want, buf.Bytes())
}

// TestReadFrameTooLarge verifies that an oversize declaration is rejected
// before any payload byte is read.
func TestReadFrameTooLarge(t *testing.T) {
	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 11*1024*1024)

	buf := bytes.NewBuffer(header[:])
	buf.Write([]byte("trailing"))

	_, err := ReadFrame(buf, DefaultMaxFrameSize)
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Equal(t, "trailing", buf.String(), "payload must not be consumed")
}

func TestReadFrameAtLimit(t *testing.T) {
	payload := make([]byte, 128)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, 128)
	require.NoError(t, err)
	assert.Len(t, got, 128)
}

func TestBinaryAtLimit(t *testing.T) {
	const limit = 128
	body := bytes.Repeat([]byte{0xAB}, MaxBinarySize(limit))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, EncodeBinary(body)))
	frame, err := ReadFrame(&buf, limit)
	require.NoError(t, err)

	p, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, body, p.Data)

	buf.Reset()
	require.NoError(t, WriteFrame(&buf, EncodeBinary(append(body, 0xCD))))
	_, err = ReadFrame(&buf, limit)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameEndOfStream(t *testing.T) {
	full := new(bytes.Buffer)
	require.NoError(t, WriteFrame(full, []byte("hello world")))
	raw := full.Bytes()

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "empty stream", data: nil},
		{name: "partial header", data: raw[:2]},
		{name: "header only", data: raw[:HeaderSize]},
		{name: "partial payload", data: raw[:HeaderSize+5]},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tc.data), DefaultMaxFrameSize)
			assert.Equal(t, io.EOF, err)
		})
	}
}

func TestReadFrameClosedConn(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := ReadFrame(a, DefaultMaxFrameSize)
		errCh <- err
	}()

	a.Close()
	assert.Equal(t, io.EOF, <-errCh)
}

func TestDecodeControl(t *testing.T) {
	msg := &Message{Action: ActionRegister, UserID: "u1", Name: "Ana", Mode: ModeGreen}

	payload, err := EncodeControl(msg)
	require.NoError(t, err)
	require.Equal(t, TagControl, payload[0])

	p, err := Decode(payload)
	require.NoError(t, err)
	require.True(t, p.IsControl())
	assert.Equal(t, msg, p.Message)
}

func TestDecodeBinary(t *testing.T) {
	p, err := Decode(EncodeBinary([]byte{0x7b, 0x00, 0xff}))
	require.NoError(t, err)
	assert.False(t, p.IsControl())
	assert.Equal(t, []byte{0x7b, 0x00, 0xff}, p.Data)
}

// TestDecodeBinaryThatLooksLikeJSON verifies that binary payloads are never
// mistaken for control messages.
func TestDecodeBinaryThatLooksLikeJSON(t *testing.T) {
	p, err := Decode(EncodeBinary([]byte(`{"type":"TALK_START"}`)))
	require.NoError(t, err)
	assert.Equal(t, TagBinary, p.Tag)
	assert.Nil(t, p.Message)
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty", data: nil, wantErr: ErrEmptyPayload},
		{name: "unknown tag", data: []byte{0x09, 'x'}, wantErr: ErrUnknownTag},
		{name: "unknown action", data: append([]byte{TagControl}, `{"action":"SHUTDOWN"}`...), wantErr: ErrUnknownMessage},
		{name: "unknown status", data: append([]byte{TagControl}, `{"status":"maybe"}`...), wantErr: ErrUnknownMessage},
		{name: "no discriminant", data: append([]byte{TagControl}, `{"room":"OH-AB12"}`...), wantErr: ErrUnknownMessage},
		{name: "two discriminants", data: append([]byte{TagControl}, `{"action":"PING","type":"STATUS"}`...), wantErr: ErrUnknownMessage},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		_, err := Decode(append([]byte{TagControl}, `{"action":`...))
		assert.Error(t, err)
	})
}

func TestStatusWireFormat(t *testing.T) {
	payload, err := EncodeControl(NewStatus(StatusCreated, "OH-AB12", ""))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"created","room":"OH-AB12"}`, string(payload[1:]))
}

// TestConnConcurrentSend verifies that frames written from many goroutines
// arrive intact and never interleave.
func TestConnConcurrentSend(t *testing.T) {
	a, b := net.Pipe()
	sender := NewConn(a, DefaultMaxFrameSize, 0)
	receiver := NewConn(b, DefaultMaxFrameSize, 0)
	defer sender.Close()
	defer receiver.Close()

	const writers, perWriter = 8, 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := &Message{Type: TypeStatus, Name: fmt.Sprintf("w%d-%d", w, i)}
				if err := sender.SendMessage(msg); err != nil {
					t.Errorf("SendMessage: %v", err)
					return
				}
			}
		}(w)
	}

	seen := make(map[string]bool)
	for i := 0; i < writers*perWriter; i++ {
		msg, err := receiver.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, TypeStatus, msg.Type)
		seen[msg.Name] = true
	}
	wg.Wait()
	assert.Len(t, seen, writers*perWriter)
}

func TestConnReadMessageRejectsBinary(t *testing.T) {
	a, b := net.Pipe()
	sender := NewConn(a, DefaultMaxFrameSize, 0)
	receiver := NewConn(b, DefaultMaxFrameSize, 0)
	defer sender.Close()
	defer receiver.Close()

	go sender.SendBinary([]byte("raw"))

	_, err := receiver.ReadMessage()
	assert.True(t, errors.Is(err, ErrNotControl))
}

func TestConnCloseIdempotent(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := NewConn(a, 0, 0)
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
