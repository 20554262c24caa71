package protocol

import (
	"fmt"
	"time"
)

// Action identifies a client-to-server request.
type Action string

const (
	ActionRegister   Action = "REGISTER"
	ActionModeUpdate Action = "MODE_UPDATE"
	ActionConnectTo  Action = "CONNECT_TO"
	ActionAccept     Action = "ACCEPT_CONNECTION"
	ActionReject     Action = "REJECT_CONNECTION"
	ActionCancel     Action = "CANCEL_CONNECTION"
	ActionPing       Action = "PING"
	ActionCreateRoom Action = "CREATE_ROOM"
	ActionJoinRoom   Action = "JOIN_ROOM"
)

// Type identifies a pushed notification or a peer-to-peer message.
type Type string

const (
	TypePresenceUpdate      Type = "PRESENCE_UPDATE"
	TypeConnectionRequest   Type = "CONNECTION_REQUEST"
	TypeConnectRoom         Type = "CONNECT_ROOM"
	TypeConnectionRejected  Type = "CONNECTION_REJECTED"
	TypeConnectionAccepted  Type = "CONNECTION_ACCEPTED"
	TypeConnectionCancelled Type = "CONNECTION_CANCELLED"
	TypeError               Type = "ERROR"
	TypeUDPRegister         Type = "UDP_REGISTER"
	TypePeerDisconnected    Type = "PEER_DISCONNECTED"
	TypePeerConnected       Type = "PEER_CONNECTED"
	TypeStatus              Type = "STATUS"
	TypeTalkStart           Type = "TALK_START"
	TypeTalkStop            Type = "TALK_STOP"
	TypeFileHeader          Type = "FILE_HEADER"
)

// Status is the discriminant of a server reply on the room and presence
// handshakes.
type Status string

const (
	StatusRegistered Status = "registered"
	StatusCreated    Status = "created"
	StatusWaiting    Status = "waiting"
	StatusPaired     Status = "paired"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

// Mode is a user's availability.
type Mode string

const (
	ModeGreen  Mode = "GREEN"
	ModeYellow Mode = "YELLOW"
	ModeRed    Mode = "RED"
	ModeOpen   Mode = "OPEN"
	ModeBusy   Mode = "BUSY"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeGreen, ModeYellow, ModeRed, ModeOpen, ModeBusy:
		return true
	}
	return false
}

// Role tells a client how it reaches a pre-created room.
type Role string

const (
	RoleCreator Role = "creator"
	RoleJoiner  Role = "joiner"
)

// UserInfo is one entry of a presence snapshot.
type UserInfo struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Mode   Mode   `json:"mode"`
}

// Message is the JSON object carried by a control payload. Exactly one of
// Action, Type or Status is set; the remaining fields depend on it.
type Message struct {
	Action Action `json:"action,omitempty"`
	Type   Type   `json:"type,omitempty"`
	Status Status `json:"status,omitempty"`

	UserID    string     `json:"user_id,omitempty"`
	Name      string     `json:"name,omitempty"`
	Mode      Mode       `json:"mode,omitempty"`
	TargetID  string     `json:"target_id,omitempty"`
	FromID    string     `json:"from_id,omitempty"`
	FromName  string     `json:"from_name,omitempty"`
	Room      string     `json:"room,omitempty"`
	Role      Role       `json:"role,omitempty"`
	Message   string     `json:"message,omitempty"`
	Users     []UserInfo `json:"users,omitempty"`
	UDPPort   int        `json:"udp_port,omitempty"`
	Size      int64      `json:"size,omitempty"`
	IP        string     `json:"ip,omitempty"`
	Direction string     `json:"direction,omitempty"`
	Timestamp float64    `json:"timestamp,omitempty"`
}

// Kind returns whichever discriminant is set.
func (m *Message) Kind() string {
	switch {
	case m.Action != "":
		return string(m.Action)
	case m.Type != "":
		return string(m.Type)
	default:
		return string(m.Status)
	}
}

// Validate checks that exactly one discriminant is set and that it belongs
// to the known vocabulary.
func (m *Message) Validate() error {
	set := 0
	for _, s := range []string{string(m.Action), string(m.Type), string(m.Status)} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d discriminants set", ErrUnknownMessage, set)
	}

	var known bool
	switch {
	case m.Action != "":
		known = knownActions[m.Action]
	case m.Type != "":
		known = knownTypes[m.Type]
	default:
		known = knownStatuses[m.Status]
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Kind())
	}
	return nil
}

var knownActions = map[Action]bool{
	ActionRegister: true, ActionModeUpdate: true, ActionConnectTo: true,
	ActionAccept: true, ActionReject: true, ActionCancel: true, ActionPing: true,
	ActionCreateRoom: true, ActionJoinRoom: true,
}

var knownTypes = map[Type]bool{
	TypePresenceUpdate: true, TypeConnectionRequest: true, TypeConnectRoom: true,
	TypeConnectionRejected: true, TypeConnectionAccepted: true, TypeConnectionCancelled: true,
	TypeError: true, TypeUDPRegister: true, TypePeerDisconnected: true, TypePeerConnected: true,
	TypeStatus: true, TypeTalkStart: true, TypeTalkStop: true, TypeFileHeader: true,
}

var knownStatuses = map[Status]bool{
	StatusRegistered: true, StatusCreated: true, StatusWaiting: true,
	StatusPaired: true, StatusTimeout: true, StatusError: true,
}

// NewStatus builds a server status reply.
func NewStatus(status Status, room, message string) *Message {
	return &Message{Status: status, Room: room, Message: message}
}

// NewError builds a presence ERROR push.
func NewError(format string, args ...interface{}) *Message {
	return &Message{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// NewPeerMessage builds a peer-to-peer message stamped with the current time.
func NewPeerMessage(t Type) *Message {
	return &Message{Type: t, Timestamp: float64(time.Now().UnixNano()) / 1e9}
}
