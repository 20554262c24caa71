package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// PresenceClient is a registered presence connection to the relay. Server
// pushes (presence snapshots, requests, room assignments) are handed to the
// onMessage callback from a single goroutine.
type PresenceClient struct {
	conn      *protocol.Conn
	user      protocol.UserInfo
	onMessage func(*protocol.Message)

	done      chan struct{}
	closeOnce sync.Once
}

// DialPresence connects to the relay and registers user. It returns once
// the relay has confirmed the registration.
func DialPresence(ctx context.Context, cfg config.Client, user protocol.UserInfo, onMessage func(*protocol.Message)) (*PresenceClient, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", cfg.RelayAddr())
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", cfg.RelayAddr(), err)
	}
	conn := protocol.NewConn(raw, cfg.MaxFrameSize, cfg.WriteTimeout)

	if user.Mode == "" {
		user.Mode = protocol.ModeGreen
	}
	reg := &protocol.Message{
		Action: protocol.ActionRegister,
		UserID: user.UserID,
		Name:   user.Name,
		Mode:   user.Mode,
	}
	if err := conn.SendMessage(reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}

	conn.SetReadTimeout(cfg.DialTimeout)
	reply, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("register: %w", err)
	}
	if reply.Status != protocol.StatusRegistered {
		conn.Close()
		return nil, &StatusError{Status: reply.Status, Message: reply.Message}
	}
	conn.SetReadTimeout(0)

	p := &PresenceClient{
		conn:      conn,
		user:      user,
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	go p.readLoop()
	if cfg.Keepalive > 0 {
		go p.keepalive(cfg.Keepalive)
	}

	util.LogSuccess("registered as %s (%s)", user.Name, user.UserID)
	return p, nil
}

// User returns the registered identity.
func (p *PresenceClient) User() protocol.UserInfo { return p.user }

// Done is closed when the presence connection ends.
func (p *PresenceClient) Done() <-chan struct{} { return p.done }

func (p *PresenceClient) readLoop() {
	defer p.Close()
	for {
		msg, err := p.conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				util.LogWarning("presence read failed: %v", err)
			}
			return
		}
		if p.onMessage != nil {
			p.onMessage(msg)
		}
	}
}

func (p *PresenceClient) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.send(&protocol.Message{Action: protocol.ActionPing}); err != nil {
				util.LogDebug("presence keepalive failed: %v", err)
				p.Close()
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *PresenceClient) send(msg *protocol.Message) error {
	select {
	case <-p.done:
		return ErrDisconnected
	default:
	}
	return p.conn.SendMessage(msg)
}

// UpdateMode changes the advertised availability.
func (p *PresenceClient) UpdateMode(mode protocol.Mode) error {
	if err := p.send(&protocol.Message{Action: protocol.ActionModeUpdate, Mode: mode}); err != nil {
		return err
	}
	p.user.Mode = mode
	return nil
}

// ConnectTo asks the relay to open a room with target. The relay answers
// with CONNECT_ROOM (creator) or an ERROR push.
func (p *PresenceClient) ConnectTo(targetID string) error {
	return p.send(&protocol.Message{Action: protocol.ActionConnectTo, TargetID: targetID, Name: p.user.Name})
}

// Accept accepts an incoming CONNECTION_REQUEST for room.
func (p *PresenceClient) Accept(room string) error {
	return p.send(&protocol.Message{Action: protocol.ActionAccept, Room: room})
}

// Reject declines a CONNECTION_REQUEST from fromID.
func (p *PresenceClient) Reject(fromID, room string) error {
	return p.send(&protocol.Message{Action: protocol.ActionReject, FromID: fromID, Room: room})
}

// Cancel withdraws an outgoing request to targetID.
func (p *PresenceClient) Cancel(targetID, room string) error {
	return p.send(&protocol.Message{Action: protocol.ActionCancel, TargetID: targetID, Room: room})
}

// Close ends the presence connection.
func (p *PresenceClient) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}
