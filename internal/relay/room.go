package relay

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/room"
	"github.com/1ureka/officehours/internal/util"
)

var errMemberLeft = errors.New("member left while waiting")

// serveRoom handles CREATE_ROOM and JOIN_ROOM: it places the connection in
// a room, waits for the peer when it arrived first, then relays frames
// until either side leaves.
func (s *Server) serveRoom(ctx context.Context, conn *protocol.Conn, hello *protocol.Message) {
	var (
		rm   *room.Room
		idx  int
		wait time.Duration
	)

	switch hello.Action {
	case protocol.ActionCreateRoom:
		rm = s.rooms.Create(conn)
		wait = s.cfg.CreatorTimeout
		if err := conn.SendMessage(protocol.NewStatus(protocol.StatusCreated, rm.Code, "")); err != nil {
			s.rooms.Remove(rm)
			return
		}
		util.LogInfo("[%08x] created room %s", conn.ID(), rm.Code)

	case protocol.ActionJoinRoom:
		var err error
		rm, idx, err = s.rooms.Join(hello.Room, conn)
		if err != nil {
			util.LogInfo("[%08x] join %q refused: %v", conn.ID(), hello.Room, err)
			conn.SendMessage(protocol.NewStatus(protocol.StatusError, room.NormalizeCode(hello.Room), err.Error()))
			return
		}
		wait = s.cfg.JoinerTimeout
		if idx == 0 {
			if err := conn.SendMessage(protocol.NewStatus(protocol.StatusWaiting, rm.Code, "")); err != nil {
				s.rooms.Remove(rm)
				return
			}
		}
		util.LogInfo("[%08x] joined room %s as member %d", conn.ID(), rm.Code, idx)
	}

	if idx == 0 {
		err := s.awaitPeer(ctx, conn, rm, wait)
		switch {
		case err == nil:
		case errors.Is(err, room.ErrPairingTimeout):
			s.metrics.RoomsTimedOut.Inc()
			util.LogInfo("[%08x] room %s timed out", conn.ID(), rm.Code)
			conn.SendMessage(protocol.NewStatus(protocol.StatusTimeout, rm.Code, ""))
			return
		case errors.Is(err, room.ErrRoomClosed):
			conn.SendMessage(protocol.NewStatus(protocol.StatusError, rm.Code, "room closed"))
			return
		default:
			util.LogInfo("[%08x] left room %s while waiting", conn.ID(), rm.Code)
			s.teardown(rm, idx, conn)
			return
		}
	} else {
		s.metrics.RoomsPaired.Inc()
		util.LogSuccess("room %s paired", rm.Code)
	}

	if err := conn.SendMessage(protocol.NewStatus(protocol.StatusPaired, rm.Code, "")); err != nil {
		s.teardown(rm, idx, conn)
		return
	}

	// Frames may only flow once both members have seen "paired".
	rm.MarkReady(idx)
	if err := rm.AwaitReady(ctx, idx); err != nil {
		s.teardown(rm, idx, conn)
		return
	}

	s.relayFrames(conn, rm, idx)
}

// awaitPeer waits for the second member while watching the waiting
// connection. A member must not send before "paired", so any read result
// (a frame or an error) ends the wait.
func (s *Server) awaitPeer(ctx context.Context, conn *protocol.Conn, rm *room.Room, wait time.Duration) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var stopped atomic.Bool
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		_, err := conn.Read()
		if !stopped.Load() {
			util.LogDebug("[%08x] waiting member gone: %v", conn.ID(), err)
			cancel()
		}
	}()

	err := s.rooms.AwaitPeer(waitCtx, rm, wait)

	stopped.Store(true)
	conn.InterruptRead()
	<-watched
	conn.SetReadTimeout(0)

	if err != nil && ctx.Err() == nil && waitCtx.Err() != nil {
		return errMemberLeft
	}
	return err
}

// relayFrames forwards every frame from conn to the other member verbatim,
// except UDP_REGISTER, which updates this member's UDP slot.
func (s *Server) relayFrames(conn *protocol.Conn, rm *room.Room, idx int) {
	defer s.teardown(rm, idx, conn)

	peer := s.rooms.Peer(rm, idx)
	if peer == nil {
		return
	}

	for {
		data, err := conn.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogWarning("[%08x] room %s read failed: %v", conn.ID(), rm.Code, err)
			}
			return
		}

		if len(data) > 0 && data[0] == protocol.TagControl {
			if p, err := protocol.Decode(data); err == nil && p.Message.Type == protocol.TypeUDPRegister {
				s.registerUDP(conn, rm, idx, p.Message.UDPPort)
				continue
			}
		}

		if err := peer.Send(data); err != nil {
			util.LogWarning("[%08x] room %s forward failed: %v", conn.ID(), rm.Code, err)
			return
		}
		s.metrics.FramesRelayed.Inc()
		s.metrics.BytesRelayed.Add(float64(len(data)))
	}
}

func (s *Server) registerUDP(conn *protocol.Conn, rm *room.Room, idx, port int) {
	ip := conn.RemoteIP()
	if !ip.IsValid() || port <= 0 || port > 65535 {
		util.LogWarning("[%08x] room %s: ignoring UDP_REGISTER with port %d", conn.ID(), rm.Code, port)
		return
	}

	ep := netip.AddrPortFrom(ip, uint16(port))
	if err := s.rooms.RegisterUDP(rm, idx, ep); err != nil {
		util.LogDebug("[%08x] UDP register: %v", conn.ID(), err)
		return
	}
	util.LogInfo("[%08x] room %s member %d audio endpoint %s", conn.ID(), rm.Code, idx, ep)
}

// teardown removes the room once. The member that performs the removal tells
// the survivor with PEER_DISCONNECTED and closes its connection.
func (s *Server) teardown(rm *room.Room, idx int, conn *protocol.Conn) {
	defer conn.Close()

	if !s.rooms.Remove(rm) {
		return
	}
	util.LogInfo("[%08x] room %s closed", conn.ID(), rm.Code)

	peer := s.rooms.Peer(rm, idx)
	if peer == nil {
		return
	}
	if payload, err := protocol.EncodeControl(&protocol.Message{
		Type: protocol.TypePeerDisconnected,
		Room: rm.Code,
	}); err == nil {
		peer.Send(payload)
	}
	peer.Close()
}
