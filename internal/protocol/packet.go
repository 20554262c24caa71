// Package protocol defines the framing and message vocabulary shared by the
// relay server and the client connection manager.
package protocol

// Payload tag constants. Every frame payload starts with one of these bytes.
const (
	TagControl uint8 = 0x01 // UTF-8 JSON control message
	TagBinary  uint8 = 0x02 // Raw bytes (file body)
)

// HeaderSize is the fixed frame header size: Length(4).
const HeaderSize = 4

// DefaultMaxFrameSize bounds the declared payload length of a single frame.
const DefaultMaxFrameSize = 10 * 1024 * 1024

// Payload is a decoded frame payload. Exactly one of Message or Data is set,
// depending on Tag.
type Payload struct {
	Tag     uint8    // TagControl or TagBinary
	Message *Message // Only used for TagControl
	Data    []byte   // Only used for TagBinary
}

// IsControl reports whether the payload carries a control message.
func (p *Payload) IsControl() bool {
	return p.Tag == TagControl
}

// PunchToken is the datagram a client sends to open its NAT mapping towards
// the relay. The relay never forwards it.
var PunchToken = []byte("HELLO")
