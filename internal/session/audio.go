package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

const maxDatagramSize = 64 * 1024

// ensureAudio binds the direct-mode audio socket once and returns its port.
func (m *Manager) ensureAudio() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.audioLn == nil {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(m.cfg.BindHost, strconv.Itoa(m.cfg.UDPPort)))
		if err != nil {
			return 0, err
		}
		ln, err := net.ListenUDP("udp", addr)
		if err != nil {
			return 0, fmt.Errorf("listen udp: %w", err)
		}
		m.audioLn = ln
		go m.directAudioLoop(ln)
	}
	return m.audioLn.LocalAddr().(*net.UDPAddr).Port, nil
}

// AudioAddr returns the bound direct-mode audio address, or nil.
func (m *Manager) AudioAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.audioLn == nil {
		return nil
	}
	return m.audioLn.LocalAddr()
}

// SendAudio sends one audio chunk to the peer. It is a no-op when no
// session is connected.
func (m *Manager) SendAudio(data []byte) {
	m.mu.Lock()
	var (
		sock *net.UDPConn
		dst  *net.UDPAddr
	)
	if m.state == Connected && m.sess != nil {
		dst = m.sess.audio
		if m.sess.route == RouteRelay {
			sock = m.sess.udp
		} else {
			sock = m.audioLn
		}
	}
	m.mu.Unlock()

	if sock == nil || dst == nil {
		return
	}
	n, err := sock.WriteToUDP(data, dst)
	if err != nil {
		util.LogDebug("audio send to %s failed: %v", dst, err)
		return
	}
	util.Stats.AddAudioSent(n)
}

// directAudioLoop reads the shared direct-mode socket and delivers audio
// from the connected peer's IP only.
func (m *Manager) directAudioLoop(sock *net.UDPConn) {
	buf := make([]byte, m.bufferSize())
	for {
		n, src, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		m.mu.Lock()
		ok := m.state == Connected && m.sess != nil &&
			m.sess.route == RouteDirect && m.sess.peerIP == src.Addr().Unmap()
		m.mu.Unlock()

		if !ok {
			util.Stats.AddDropped()
			continue
		}
		m.audio(buf[:n])
	}
}

// relayAudioLoop reads a relay session's own socket until it is closed.
func (m *Manager) relayAudioLoop(sess *session, sock *net.UDPConn) {
	buf := make([]byte, m.bufferSize())
	for {
		n, _, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		data := buf[:n]
		if bytes.Equal(data, protocol.PunchToken) {
			continue
		}

		m.mu.Lock()
		ok := m.sess == sess && m.state == Connected
		m.mu.Unlock()
		if !ok {
			continue
		}
		m.audio(data)
	}
}

// bufferSize bounds a received datagram; longer ones are truncated.
func (m *Manager) bufferSize() int {
	if m.cfg.AudioBuffer > 0 {
		return m.cfg.AudioBuffer
	}
	return maxDatagramSize
}

func (m *Manager) audio(data []byte) {
	util.Stats.AddAudioRecv(len(data))
	if m.cb.OnAudio != nil {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		m.cb.OnAudio(chunk)
	}
}
