package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const feedWriteTimeout = 5 * time.Second

// feedSnapshot is the JSON pushed to presence feed subscribers.
type feedSnapshot struct {
	Type  protocol.Type       `json:"type"`
	Users []protocol.UserInfo `json:"users"`
	Rooms int                 `json:"rooms"`
}

// AdminHandler serves /metrics, /presence (WebSocket feed) and /healthz.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/presence", s.handlePresenceFeed)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

func (s *Server) serveAdmin(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.AdminHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.LogInfo("admin endpoint on http://%s", s.admin.Addr())
	if err := srv.Serve(s.admin); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handlePresenceFeed streams every presence snapshot to a WebSocket client
// until it disconnects or the relay shuts down.
func (s *Server) handlePresenceFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, stop := s.presence.Watch(4)
	defer stop()

	send := func(users []protocol.UserInfo) error {
		conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
		return conn.WriteJSON(feedSnapshot{
			Type:  protocol.TypePresenceUpdate,
			Users: users,
			Rooms: s.rooms.Len(),
		})
	}

	if err := send(s.presence.Snapshot()); err != nil {
		return
	}

	// The feed is write-only; reading detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case users := <-updates:
			if err := send(users); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"))
			return
		}
	}
}
