package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// Listen binds the direct-mode stream listener and audio socket and accepts
// peers until ctx is cancelled or Close is called. It returns once bound.
func (m *Manager) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(m.cfg.TCPPort)))
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}
	if _, err := m.ensureAudio(); err != nil {
		ln.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	if m.listener != nil {
		m.mu.Unlock()
		cancel()
		ln.Close()
		return errors.New("already listening")
	}
	m.listener, m.cancel = ln, cancel
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go m.acceptLoop(ctx, ln)

	util.LogInfo("listening for direct peers on %s", ln.Addr())
	return nil
}

// ListenAddr returns the bound stream listener address, or nil.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				util.LogError("accept failed: %v", err)
			}
			return
		}
		m.handleInbound(raw)
	}
}

// handleInbound takes an inbound peer as the current session, or closes it
// when a session is already active.
func (m *Manager) handleInbound(raw net.Conn) {
	conn := protocol.NewConn(raw, m.cfg.MaxFrameSize, m.cfg.WriteTimeout)
	peerIP := conn.RemoteIP()

	sess := &session{
		route:   RouteDirect,
		inbound: true,
		ctrl:    conn,
		peerIP:  peerIP,
		audio:   &net.UDPAddr{IP: peerIP.AsSlice(), Port: m.cfg.PeerUDPPort},
	}

	m.mu.Lock()
	if m.state != Idle {
		m.mu.Unlock()
		util.LogInfo("[%08x] busy, refusing inbound peer %s", conn.ID(), raw.RemoteAddr())
		conn.Close()
		return
	}
	m.state, m.sess = Connected, sess
	m.mu.Unlock()

	util.LogInfo("[%08x] inbound peer %s", conn.ID(), raw.RemoteAddr())
	util.Stats.AddSession()
	m.notify(Connected)

	connected := protocol.NewPeerMessage(protocol.TypePeerConnected)
	connected.IP = peerIP.String()
	connected.Direction = "inbound"
	m.deliver(connected)

	go m.readLoop(sess)
}

// AcceptPeer answers an inbound CONNECTION_REQUEST with our audio port.
func (m *Manager) AcceptPeer() error {
	port, err := m.ensureAudio()
	if err != nil {
		return err
	}
	msg := protocol.NewPeerMessage(protocol.TypeConnectionAccepted)
	msg.UDPPort = port
	return m.SendControl(msg)
}

// RejectPeer answers an inbound CONNECTION_REQUEST with a rejection and
// drops the session.
func (m *Manager) RejectPeer() error {
	err := m.SendControl(protocol.NewPeerMessage(protocol.TypeConnectionRejected))
	m.Disconnect()
	return err
}

// DialDirect connects to a listening peer at addr and asks to talk. It
// returns once the peer accepts, rejects (ErrRejected) or the wait runs out.
func (m *Manager) DialDirect(ctx context.Context, addr, name string) error {
	sess, err := m.begin(DirectDialing, RouteDirect)
	if err != nil {
		return err
	}

	port, err := m.ensureAudio()
	if err != nil {
		m.end(sess)
		return err
	}

	d := net.Dialer{Timeout: m.cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.end(sess)
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	conn := protocol.NewConn(raw, m.cfg.MaxFrameSize, m.cfg.WriteTimeout)
	peerIP := conn.RemoteIP()

	if !m.update(sess, func() {
		sess.ctrl = conn
		sess.peerIP = peerIP
	}) {
		conn.Close()
		return ErrDisconnected
	}

	req := protocol.NewPeerMessage(protocol.TypeConnectionRequest)
	req.Name = name
	req.UDPPort = port
	if err := conn.SendMessage(req); err != nil {
		m.end(sess)
		return fmt.Errorf("%w: send request: %v", ErrDisconnected, err)
	}
	util.LogInfo("[%08x] waiting for %s to accept", conn.ID(), addr)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	conn.SetReadTimeout(m.cfg.AcceptTimeout)
	for {
		p, err := conn.ReadPayload()
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
		if !p.IsControl() {
			continue
		}

		msg := p.Message
		switch msg.Type {
		case protocol.TypeConnectionAccepted:
			audioPort := m.cfg.PeerUDPPort
			if msg.UDPPort > 0 {
				audioPort = msg.UDPPort
			}
			m.update(sess, func() {
				sess.audio = &net.UDPAddr{IP: peerIP.AsSlice(), Port: audioPort}
			})
			conn.SetReadTimeout(0)
			if !stop() {
				m.end(sess)
				return ctx.Err()
			}
			m.deliver(msg)
			if !m.connect(sess) {
				return ErrDisconnected
			}
			util.LogSuccess("[%08x] connected to %s", conn.ID(), addr)
			return nil

		case protocol.TypeConnectionRejected:
			m.end(sess)
			m.deliver(msg)
			return ErrRejected

		default:
			m.deliver(msg)
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
