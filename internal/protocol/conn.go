package protocol

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/1ureka/officehours/internal/util"
)

var ErrNotControl = errors.New("expected a control message")

// Conn is a framed stream connection. Writes are serialized so that several
// goroutines may push frames to the same peer; reads are expected from a
// single goroutine.
type Conn struct {
	raw          net.Conn
	id           uint32
	maxFrame     int
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps raw. maxFrame bounds inbound frames (<= 0 disables the
// check); writeTimeout bounds each outbound frame (<= 0 disables it).
func NewConn(raw net.Conn, maxFrame int, writeTimeout time.Duration) *Conn {
	return &Conn{
		raw:          raw,
		id:           util.ConnID(raw),
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
	}
}

// ID returns the hash used to tag log lines for this connection.
func (c *Conn) ID() uint32 { return c.id }

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// RemoteIP returns the peer's IP address with any IPv4-in-IPv6 mapping removed.
func (c *Conn) RemoteIP() netip.Addr {
	if tcp, ok := c.raw.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap()
	}
	ap, err := netip.ParseAddrPort(c.raw.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

// Send writes one frame carrying payload verbatim.
func (c *Conn) Send(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return WriteFrame(c.raw, payload)
}

// SendMessage writes msg as a tagged control frame.
func (c *Conn) SendMessage(msg *Message) error {
	payload, err := EncodeControl(msg)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// SendBinary writes data as a tagged binary frame.
func (c *Conn) SendBinary(data []byte) error {
	return c.Send(EncodeBinary(data))
}

// Read returns the next raw frame payload.
func (c *Conn) Read() ([]byte, error) {
	return ReadFrame(c.raw, c.maxFrame)
}

// ReadPayload reads and decodes the next frame.
func (c *Conn) ReadPayload() (*Payload, error) {
	data, err := c.Read()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ReadMessage reads the next frame and requires it to be a control message.
func (c *Conn) ReadMessage() (*Message, error) {
	p, err := c.ReadPayload()
	if err != nil {
		return nil, err
	}
	if !p.IsControl() {
		return nil, fmt.Errorf("%w: got %d-byte binary frame", ErrNotControl, len(p.Data))
	}
	return p.Message, nil
}

// SetReadTimeout bounds the next reads. d <= 0 clears the deadline.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return c.raw.SetReadDeadline(time.Time{})
	}
	return c.raw.SetReadDeadline(time.Now().Add(d))
}

// InterruptRead unblocks a pending Read by expiring the read deadline.
func (c *Conn) InterruptRead() error {
	return c.raw.SetReadDeadline(time.Now())
}

// Close closes the underlying connection. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
