// Package relay implements the relay server: the stream front door, the
// presence and room handlers, the UDP relay loop and the admin endpoint.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/metrics"
	"github.com/1ureka/officehours/internal/presence"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/room"
	"github.com/1ureka/officehours/internal/util"
)

// Server owns the presence directory, the room registry and the sockets the
// relay listens on. The stream listener and the UDP socket share one port.
type Server struct {
	cfg      config.Relay
	presence *presence.Directory
	rooms    *room.Registry
	metrics  *metrics.Metrics

	listener net.Listener
	udp      *net.UDPConn
	admin    net.Listener

	ctx context.Context

	mu    sync.Mutex
	conns map[*protocol.Conn]struct{}
}

// New creates a relay server. Call Listen and Serve, or Run, to start it.
func New(cfg config.Relay) *Server {
	s := &Server{
		cfg:      cfg,
		presence: presence.NewDirectory(),
		rooms:    room.NewRegistry(),
		conns:    make(map[*protocol.Conn]struct{}),
		ctx:      context.Background(),
	}
	s.metrics = metrics.New(metrics.Gauges{
		Users: s.presence.Len,
		Rooms: s.rooms.Len,
	})
	return s
}

// Listen binds the stream listener, the UDP socket on the same port and,
// when configured, the admin listener.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}

	tcpAddr := listener.Addr().(*net.TCPAddr)
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: tcpAddr.IP, Port: tcpAddr.Port})
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to bind UDP port %d: %w", tcpAddr.Port, err)
	}

	var admin net.Listener
	if s.cfg.AdminAddr != "" {
		admin, err = net.Listen("tcp", s.cfg.AdminAddr)
		if err != nil {
			listener.Close()
			udp.Close()
			return fmt.Errorf("failed to listen on admin address %s: %w", s.cfg.AdminAddr, err)
		}
	}

	s.listener, s.udp, s.admin = listener, udp, admin
	return nil
}

// Addr returns the bound stream address.
func (s *Server) Addr() *net.TCPAddr { return s.listener.Addr().(*net.TCPAddr) }

// AdminAddr returns the bound admin address, or nil when disabled.
func (s *Server) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.Addr()
}

// Presence returns the presence directory.
func (s *Server) Presence() *presence.Directory { return s.presence }

// Rooms returns the room registry.
func (s *Server) Rooms() *room.Registry { return s.rooms }

// Metrics returns the relay collectors.
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Run binds the sockets and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the accept loop, the UDP relay loop, the stale room sweeper,
// the presence broadcaster and the admin endpoint. It returns when ctx is
// cancelled or one of them fails; every socket is closed on the way out.
func (s *Server) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	s.ctx = gctx

	util.LogInfo("relay listening on %s (tcp+udp)", s.listener.Addr())

	g.Go(func() error { return s.presence.Run(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.serveUDP(gctx) })
	g.Go(func() error { return s.sweepLoop(gctx) })
	if s.admin != nil {
		g.Go(func() error { return s.serveAdmin(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil // normal shutdown
			default:
				return fmt.Errorf("accept error: %w", err)
			}
		}

		go s.handleConn(ctx, raw)
	}
}

func (s *Server) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := s.rooms.Sweep(s.cfg.StaleRoomAge)
			if len(removed) > 0 {
				s.metrics.RoomsSwept.Add(float64(len(removed)))
				util.LogInfo("swept %d stale room(s): %v", len(removed), removed)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown closes the listeners and every tracked connection so that
// blocked reads observe end-of-stream.
func (s *Server) shutdown() {
	s.listener.Close()
	s.udp.Close()
	if s.admin != nil {
		s.admin.Close()
	}

	s.mu.Lock()
	conns := make([]*protocol.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c *protocol.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *protocol.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleConn reads the first frame of a fresh connection and hands the
// connection to the presence or room handler.
func (s *Server) handleConn(ctx context.Context, raw net.Conn) {
	conn := protocol.NewConn(raw, s.cfg.MaxFrameSize, s.cfg.WriteTimeout)
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()

	util.LogDebug("[%08x] new connection from %s", conn.ID(), conn.RemoteAddr())

	conn.SetReadTimeout(s.cfg.HandshakeTimeout)
	msg, err := conn.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) || isTimeout(err) {
			util.LogDebug("[%08x] closed before handshake: %v", conn.ID(), err)
			return
		}
		s.rejectProtocol(conn, "invalid handshake: %v", err)
		return
	}
	conn.SetReadTimeout(0)

	switch msg.Action {
	case protocol.ActionRegister:
		s.metrics.Connections.WithLabelValues(metrics.ConnPresence).Inc()
		s.servePresence(conn, msg)
	case protocol.ActionCreateRoom, protocol.ActionJoinRoom:
		s.metrics.Connections.WithLabelValues(metrics.ConnRoom).Inc()
		s.serveRoom(ctx, conn, msg)
	default:
		s.rejectProtocol(conn, "unknown action %q", msg.Kind())
	}
}

// rejectProtocol answers a protocol violation with an error status. The
// caller closes the connection.
func (s *Server) rejectProtocol(conn *protocol.Conn, format string, args ...interface{}) {
	s.metrics.ProtocolErrors.Inc()
	s.metrics.Connections.WithLabelValues(metrics.ConnRejected).Inc()

	reason := fmt.Sprintf(format, args...)
	util.LogWarning("[%08x] protocol error from %s: %s", conn.ID(), conn.RemoteAddr(), reason)
	conn.SendMessage(protocol.NewStatus(protocol.StatusError, "", reason))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
