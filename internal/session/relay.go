package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// CreateRoom asks the relay for a new room and waits for a joiner. created
// is called with the room code as soon as the relay assigns it.
func (m *Manager) CreateRoom(ctx context.Context, created func(code string)) error {
	sess, conn, err := m.dialRelay(ctx, RelayCreating)
	if err != nil {
		return err
	}
	if err := conn.SendMessage(&protocol.Message{Action: protocol.ActionCreateRoom}); err != nil {
		m.end(sess)
		return fmt.Errorf("create room: %w", err)
	}
	return m.awaitPairing(ctx, sess, conn, m.cfg.CreatorTimeout, created)
}

// JoinRoom joins the room with code. If the joiner arrives first (a room
// pre-created by the presence flow) it waits for the second member.
func (m *Manager) JoinRoom(ctx context.Context, code string) error {
	sess, conn, err := m.dialRelay(ctx, RelayJoining)
	if err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := conn.SendMessage(&protocol.Message{Action: protocol.ActionJoinRoom, Room: code}); err != nil {
		m.end(sess)
		return fmt.Errorf("join room: %w", err)
	}
	return m.awaitPairing(ctx, sess, conn, m.cfg.JoinerTimeout, nil)
}

func (m *Manager) dialRelay(ctx context.Context, state State) (*session, *protocol.Conn, error) {
	sess, err := m.begin(state, RouteRelay)
	if err != nil {
		return nil, nil, err
	}

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", m.cfg.RelayAddr())
	if err != nil {
		m.end(sess)
		return nil, nil, fmt.Errorf("dial relay %s: %w", m.cfg.RelayAddr(), err)
	}
	conn := protocol.NewConn(raw, m.cfg.MaxFrameSize, m.cfg.WriteTimeout)

	if !m.update(sess, func() {
		sess.ctrl = conn
		sess.peerIP = conn.RemoteIP()
	}) {
		conn.Close()
		return nil, nil, ErrDisconnected
	}
	return sess, conn, nil
}

// awaitPairing reads relay statuses until the room is paired or fails. The
// whole wait is bounded by the relay's own timeout plus a grace period.
func (m *Manager) awaitPairing(ctx context.Context, sess *session, conn *protocol.Conn, wait time.Duration, created func(string)) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadTimeout(wait + m.cfg.PairGrace)
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			m.end(sess)
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case isTimeout(err):
				return ErrPairingTimeout
			case errors.Is(err, io.EOF):
				return ErrDisconnected
			default:
				return fmt.Errorf("%w: %v", ErrDisconnected, err)
			}
		}

		switch msg.Status {
		case protocol.StatusCreated:
			m.update(sess, func() { sess.room = msg.Room })
			util.LogInfo("room %s created, waiting for peer", msg.Room)
			if created != nil {
				created(msg.Room)
			}

		case protocol.StatusWaiting:
			m.update(sess, func() { sess.room = msg.Room })
			util.LogInfo("joined %s first, waiting for peer", msg.Room)

		case protocol.StatusPaired:
			conn.SetReadTimeout(0)
			if !stop() {
				m.end(sess)
				return ctx.Err()
			}
			m.update(sess, func() { sess.room = msg.Room })
			if err := m.registerUDP(sess, conn); err != nil {
				m.end(sess)
				return err
			}
			if !m.connect(sess) {
				return ErrDisconnected
			}
			util.LogSuccess("paired in room %s", msg.Room)
			return nil

		case protocol.StatusTimeout:
			m.end(sess)
			return ErrPairingTimeout

		case protocol.StatusError:
			m.end(sess)
			return &StatusError{Status: msg.Status, Message: msg.Message}

		default:
			util.LogDebug("ignoring %s while pairing", msg.Kind())
		}
	}
}

// registerUDP binds this session's audio socket, announces its port to the
// relay and sends the punch datagram that opens the NAT mapping.
func (m *Manager) registerUDP(sess *session, conn *protocol.Conn) error {
	relayAddr, err := net.ResolveUDPAddr("udp", m.cfg.RelayAddr())
	if err != nil {
		return fmt.Errorf("resolve relay: %w", err)
	}
	sock, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	if !m.update(sess, func() {
		sess.udp = sock
		sess.audio = relayAddr
	}) {
		sock.Close()
		return ErrDisconnected
	}

	reg := protocol.NewPeerMessage(protocol.TypeUDPRegister)
	reg.UDPPort = sock.LocalAddr().(*net.UDPAddr).Port
	if err := conn.SendMessage(reg); err != nil {
		return fmt.Errorf("register udp: %w", err)
	}
	if _, err := sock.WriteToUDP(protocol.PunchToken, relayAddr); err != nil {
		util.LogWarning("udp punch to %s failed: %v", relayAddr, err)
	}

	go m.relayAudioLoop(sess, sock)
	return nil
}
