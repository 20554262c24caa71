package relay

import (
	"errors"
	"fmt"
	"io"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// presenceSession is the state of one presence connection.
type presenceSession struct {
	conn   *protocol.Conn
	userID string
	name   string
}

// servePresence handles a presence connection from its REGISTER frame until
// the client goes away or violates the protocol.
func (s *Server) servePresence(conn *protocol.Conn, first *protocol.Message) {
	ps := &presenceSession{conn: conn}
	defer func() {
		if ps.userID != "" && s.presence.Remove(ps.userID, conn) {
			util.LogInfo("[%08x] %s (%s) went offline", conn.ID(), ps.name, ps.userID)
			s.presence.Broadcast()
		}
	}()

	msg := first
	for {
		if err := s.handlePresence(ps, msg); err != nil {
			var perr *protocolError
			if errors.As(err, &perr) {
				s.rejectProtocol(conn, "%v", perr)
			} else {
				util.LogWarning("[%08x] presence write failed: %v", conn.ID(), err)
			}
			return
		}

		conn.SetReadTimeout(s.cfg.PresenceIdle)
		next, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case isTimeout(err):
				util.LogInfo("[%08x] presence idle timeout", conn.ID())
			case errors.Is(err, protocol.ErrUnknownMessage), errors.Is(err, protocol.ErrNotControl):
				s.rejectProtocol(conn, "%v", err)
			default:
				util.LogWarning("[%08x] presence read failed: %v", conn.ID(), err)
			}
			return
		}
		msg = next
	}
}

// protocolError marks a request the relay refuses to serve.
type protocolError struct{ reason string }

func (e *protocolError) Error() string { return e.reason }

func protocolErrorf(format string, args ...interface{}) error {
	return &protocolError{reason: fmt.Sprintf(format, args...)}
}

// handlePresence applies one presence request. Any returned error ends the
// connection; recoverable problems are reported with an ERROR push instead.
func (s *Server) handlePresence(ps *presenceSession, msg *protocol.Message) error {
	if msg.Action != protocol.ActionRegister && ps.userID == "" {
		return protocolErrorf("%s before REGISTER", msg.Kind())
	}

	switch msg.Action {
	case protocol.ActionRegister:
		return s.register(ps, msg)

	case protocol.ActionModeUpdate:
		if !msg.Mode.Valid() {
			return ps.conn.SendMessage(protocol.NewError("invalid mode %q", msg.Mode))
		}
		if s.presence.UpdateMode(ps.userID, ps.conn, msg.Mode) {
			util.LogDebug("[%08x] %s is now %s", ps.conn.ID(), ps.userID, msg.Mode)
			s.presence.Broadcast()
		}
		return nil

	case protocol.ActionConnectTo:
		return s.connectTo(ps, msg.TargetID, msg.Name)

	case protocol.ActionAccept:
		if _, ok := s.rooms.Get(msg.Room); !ok {
			return ps.conn.SendMessage(protocol.NewError("room %s is no longer available", msg.Room))
		}
		return ps.conn.SendMessage(&protocol.Message{
			Type: protocol.TypeConnectRoom,
			Room: msg.Room,
			Role: protocol.RoleJoiner,
		})

	case protocol.ActionReject:
		requester := msg.FromID
		if requester == "" {
			requester = msg.TargetID
		}
		s.closeOpenRoom(msg.Room)
		s.push(requester, &protocol.Message{
			Type:    protocol.TypeConnectionRejected,
			FromID:  ps.userID,
			Room:    msg.Room,
			Message: "connection declined",
		})
		return nil

	case protocol.ActionCancel:
		s.closeOpenRoom(msg.Room)
		s.push(msg.TargetID, &protocol.Message{
			Type:   protocol.TypeConnectionCancelled,
			FromID: ps.userID,
			Room:   msg.Room,
		})
		return nil

	case protocol.ActionPing:
		return nil

	default:
		return protocolErrorf("unexpected %s on presence connection", msg.Kind())
	}
}

func (s *Server) register(ps *presenceSession, msg *protocol.Message) error {
	if msg.UserID == "" {
		return protocolErrorf("REGISTER without user_id")
	}
	mode := msg.Mode
	if mode == "" {
		mode = protocol.ModeGreen
	}
	if !mode.Valid() {
		return protocolErrorf("invalid mode %q", mode)
	}

	if ps.userID != "" && ps.userID != msg.UserID {
		s.presence.Remove(ps.userID, ps.conn)
	}

	// Reply before the user becomes visible so that "registered" is the
	// first frame the client sees.
	if err := ps.conn.SendMessage(&protocol.Message{
		Status: protocol.StatusRegistered,
		UserID: msg.UserID,
	}); err != nil {
		return err
	}

	ps.userID, ps.name = msg.UserID, msg.Name
	s.presence.Register(protocol.UserInfo{UserID: msg.UserID, Name: msg.Name, Mode: mode}, ps.conn)
	util.LogInfo("[%08x] %s (%s) registered as %s", ps.conn.ID(), msg.Name, msg.UserID, mode)
	s.presence.Broadcast()
	return nil
}

// connectTo pre-creates a room, sends the requester there as creator and
// asks the target to accept.
func (s *Server) connectTo(ps *presenceSession, targetID, name string) error {
	if name == "" {
		name = ps.name
	}
	target, _, ok := s.presence.Lookup(targetID)
	if !ok || targetID == ps.userID {
		return ps.conn.SendMessage(protocol.NewError("user %s not found or offline", targetID))
	}

	rm := s.rooms.Open()
	if err := ps.conn.SendMessage(&protocol.Message{
		Type: protocol.TypeConnectRoom,
		Room: rm.Code,
		Role: protocol.RoleCreator,
	}); err != nil {
		s.rooms.Remove(rm)
		return err
	}

	payload, err := protocol.EncodeControl(&protocol.Message{
		Type:     protocol.TypeConnectionRequest,
		Room:     rm.Code,
		FromID:   ps.userID,
		FromName: name,
	})
	if err != nil {
		return err
	}
	if err := target.Send(payload); err != nil {
		util.LogWarning("[%08x] connection request to %s failed: %v", ps.conn.ID(), targetID, err)
		s.rooms.Remove(rm)
		return ps.conn.SendMessage(protocol.NewError("user %s is unreachable", targetID))
	}

	util.LogInfo("[%08x] %s asked %s to connect in %s", ps.conn.ID(), ps.userID, targetID, rm.Code)
	return nil
}

// push delivers msg to a registered user, if present.
func (s *Server) push(userID string, msg *protocol.Message) {
	target, _, ok := s.presence.Lookup(userID)
	if !ok {
		return
	}
	payload, err := protocol.EncodeControl(msg)
	if err != nil {
		util.LogError("failed to encode %s: %v", msg.Kind(), err)
		return
	}
	if err := target.Send(payload); err != nil {
		util.LogWarning("push %s to %s failed: %v", msg.Kind(), userID, err)
	}
}

// closeOpenRoom deletes a pre-created room that has not paired yet.
func (s *Server) closeOpenRoom(code string) {
	if code == "" {
		return
	}
	if rm, ok := s.rooms.Get(code); ok && s.rooms.Expire(rm) {
		util.LogDebug("closed unpaired room %s", rm.Code)
	}
}
