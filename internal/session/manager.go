// Package session implements the client connection manager: one control
// channel to a peer (direct) or through the relay, plus the UDP audio path.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// State is the lifecycle state of the manager's single session.
type State int

const (
	Idle State = iota
	DirectDialing
	RelayCreating
	RelayJoining
	Connected
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DirectDialing:
		return "direct-dialing"
	case RelayCreating:
		return "relay-creating"
	case RelayJoining:
		return "relay-joining"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Route tells how a session reaches its peer.
type Route int

const (
	RouteDirect Route = iota + 1
	RouteRelay
)

var (
	ErrBusy           = errors.New("a session is already active")
	ErrNotConnected   = errors.New("not connected")
	ErrRejected       = errors.New("peer rejected the connection")
	ErrPairingTimeout = errors.New("timed out waiting for peer")
	ErrDisconnected   = errors.New("disconnected")
	ErrFileTooLarge   = errors.New("file too large")
)

// StatusError is a failure status reported by the relay.
type StatusError struct {
	Status  protocol.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay replied %s", e.Status)
	}
	return fmt.Sprintf("relay replied %s: %s", e.Status, e.Message)
}

// Callbacks receive session events. Nil callbacks are skipped. They are never
// called with the manager lock held, so they may call back into the manager.
type Callbacks struct {
	OnMessage func(msg *protocol.Message)
	OnBinary  func(data []byte)
	OnAudio   func(data []byte)
	OnState   func(state State)
}

// session is one connection attempt and, once paired, one conversation.
type session struct {
	route   Route
	inbound bool
	ctrl    *protocol.Conn
	room    string
	peerIP  netip.Addr
	audio   *net.UDPAddr // destination of outgoing audio
	udp     *net.UDPConn // relay sessions own their audio socket

	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if s.ctrl != nil {
			s.ctrl.Close()
		}
		if s.udp != nil {
			s.udp.Close()
		}
	})
}

// Manager owns at most one session at a time.
type Manager struct {
	cfg config.Client
	cb  Callbacks

	mu    sync.Mutex
	state State
	sess  *session

	sendMu sync.Mutex // keeps FILE_HEADER and its body adjacent

	listener net.Listener
	audioLn  *net.UDPConn
	cancel   context.CancelFunc
}

// NewManager creates an idle manager.
func NewManager(cfg config.Client, cb Callbacks) *Manager {
	return &Manager{cfg: cfg, cb: cb}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Room returns the relay room code of the current session, if any.
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return ""
	}
	return m.sess.room
}

// Route returns how the current session reaches its peer, or 0 when idle.
func (m *Manager) Route() Route {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return 0
	}
	return m.sess.route
}

// begin moves Idle to state and installs a fresh session.
func (m *Manager) begin(state State, route Route) (*session, error) {
	m.mu.Lock()
	if m.state != Idle {
		current := m.state
		m.mu.Unlock()
		return nil, fmt.Errorf("%w (%s)", ErrBusy, current)
	}
	sess := &session{route: route}
	m.state, m.sess = state, sess
	m.mu.Unlock()

	m.notify(state)
	return sess, nil
}

// update applies fn to sess under the lock if sess is still current.
func (m *Manager) update(sess *session, fn func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != sess {
		return false
	}
	fn()
	return true
}

// connect marks sess as Connected and starts its reader.
func (m *Manager) connect(sess *session) bool {
	if !m.update(sess, func() { m.state = Connected }) {
		return false
	}
	util.Stats.AddSession()
	m.notify(Connected)
	go m.readLoop(sess)
	return true
}

// end tears sess down and returns to Idle if it is still current.
func (m *Manager) end(sess *session) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		sess.close()
		return
	}
	wasConnected := m.state == Connected
	m.state, m.sess = Idle, nil
	m.mu.Unlock()

	sess.close()
	if wasConnected {
		util.Stats.EndSession()
	}
	m.notify(Idle)
}

func (m *Manager) notify(state State) {
	util.LogDebug("session state: %s", state)
	if m.cb.OnState != nil {
		m.cb.OnState(state)
	}
}

func (m *Manager) deliver(msg *protocol.Message) {
	if m.cb.OnMessage != nil {
		m.cb.OnMessage(msg)
	}
}

// current returns the control connection of a connected session.
func (m *Manager) current() (*session, *protocol.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected || m.sess == nil {
		return nil, nil, ErrNotConnected
	}
	return m.sess, m.sess.ctrl, nil
}

// SendControl sends a control message to the peer. A zero timestamp is
// filled in.
func (m *Manager) SendControl(msg *protocol.Message) error {
	_, conn, err := m.current()
	if err != nil {
		return err
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = float64(time.Now().UnixNano()) / 1e9
	}

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := conn.SendMessage(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	util.Stats.AddControl()
	return nil
}

// SendFile sends FILE_HEADER followed by the file body as one binary frame.
func (m *Manager) SendFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if limit := protocol.MaxBinarySize(m.cfg.MaxFrameSize); len(data) > limit {
		return fmt.Errorf("%w: file %s is %d bytes, limit is %d", ErrFileTooLarge, path, len(data), limit)
	}

	_, conn, err := m.current()
	if err != nil {
		return err
	}

	header := protocol.NewPeerMessage(protocol.TypeFileHeader)
	header.Name = filepath.Base(path)
	header.Size = int64(len(data))

	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	if err := conn.SendMessage(header); err != nil {
		return fmt.Errorf("send file header: %w", err)
	}
	if err := conn.SendBinary(data); err != nil {
		return fmt.Errorf("send file body: %w", err)
	}
	util.Stats.AddControl()
	return nil
}

// Disconnect ends the current session, if any, and returns to Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()

	if sess != nil {
		m.end(sess)
	}
}

// Close disconnects and stops the direct-mode listeners.
func (m *Manager) Close() error {
	m.Disconnect()

	m.mu.Lock()
	cancel, listener, audioLn := m.cancel, m.listener, m.audioLn
	m.cancel, m.listener, m.audioLn = nil, nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var errs []error
	if listener != nil {
		errs = append(errs, listener.Close())
	}
	if audioLn != nil {
		errs = append(errs, audioLn.Close())
	}
	return errors.Join(errs...)
}

// readLoop delivers inbound frames of a connected session until it ends.
func (m *Manager) readLoop(sess *session) {
	defer m.end(sess)

	for {
		data, err := sess.ctrl.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogWarning("[%08x] control read failed: %v", sess.ctrl.ID(), err)
			}
			return
		}

		p, err := protocol.Decode(data)
		if err != nil {
			util.LogWarning("[%08x] dropping frame: %v", sess.ctrl.ID(), err)
			continue
		}

		if !p.IsControl() {
			if m.cb.OnBinary != nil {
				m.cb.OnBinary(p.Data)
			}
			continue
		}

		msg := p.Message
		switch msg.Type {
		case protocol.TypeConnectionRequest:
			if msg.UDPPort > 0 {
				m.update(sess, func() {
					sess.audio = &net.UDPAddr{IP: sess.peerIP.AsSlice(), Port: msg.UDPPort}
				})
			}
		case protocol.TypePeerDisconnected:
			m.deliver(msg)
			return
		}
		m.deliver(msg)
	}
}
