package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/room"
)

const readTimeout = 2 * time.Second

func startRelay(t *testing.T, mutate func(*config.Relay)) *Server {
	t.Helper()

	cfg := config.DefaultRelay()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	if mutate != nil {
		mutate(&cfg)
	}

	s := New(cfg)
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("relay did not shut down")
		}
	})
	return s
}

func dial(t *testing.T, s *Server) *protocol.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	c := protocol.NewConn(raw, protocol.DefaultMaxFrameSize, readTimeout)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *protocol.Conn, msg *protocol.Message) {
	t.Helper()
	require.NoError(t, c.SendMessage(msg))
}

func recv(t *testing.T, c *protocol.Conn) *protocol.Message {
	t.Helper()
	c.SetReadTimeout(readTimeout)
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	return msg
}

// recvSkipping reads until a message that is not a presence snapshot.
func recvSkipping(t *testing.T, c *protocol.Conn) *protocol.Message {
	t.Helper()
	for {
		msg := recv(t, c)
		if msg.Type != protocol.TypePresenceUpdate {
			return msg
		}
	}
}

// recvSnapshot reads until a presence snapshot satisfying ok arrives.
func recvSnapshot(t *testing.T, c *protocol.Conn, ok func([]protocol.UserInfo) bool) []protocol.UserInfo {
	t.Helper()
	for {
		msg := recv(t, c)
		if msg.Type == protocol.TypePresenceUpdate && ok(msg.Users) {
			return msg.Users
		}
	}
}

func expectClosed(t *testing.T, c *protocol.Conn) {
	t.Helper()
	c.SetReadTimeout(readTimeout)
	_, err := c.Read()
	assert.ErrorIs(t, err, io.EOF)
}

// pair creates a room on one connection and joins it from another.
func pair(t *testing.T, s *Server) (a, b *protocol.Conn, code string) {
	t.Helper()

	a = dial(t, s)
	send(t, a, &protocol.Message{Action: protocol.ActionCreateRoom})
	created := recv(t, a)
	require.Equal(t, protocol.StatusCreated, created.Status)
	require.True(t, room.ValidCode(created.Room), "bad room code %q", created.Room)

	b = dial(t, s)
	send(t, b, &protocol.Message{Action: protocol.ActionJoinRoom, Room: strings.ToLower(created.Room)})
	assert.Equal(t, protocol.StatusPaired, recv(t, b).Status)
	assert.Equal(t, protocol.StatusPaired, recv(t, a).Status)

	return a, b, created.Room
}

func TestCreateJoinRelaysFrames(t *testing.T) {
	s := startRelay(t, nil)
	a, b, _ := pair(t, s)

	send(t, a, &protocol.Message{Type: protocol.TypeStatus, Mode: protocol.ModeBusy})
	got := recv(t, b)
	assert.Equal(t, protocol.TypeStatus, got.Type)
	assert.Equal(t, protocol.ModeBusy, got.Mode)

	require.NoError(t, b.SendBinary([]byte{0x00, 0x01, 0x02}))
	a.SetReadTimeout(readTimeout)
	p, err := a.ReadPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02}, p.Data)
}

func TestJoinUnknownRoom(t *testing.T) {
	s := startRelay(t, nil)

	c := dial(t, s)
	send(t, c, &protocol.Message{Action: protocol.ActionJoinRoom, Room: "OH-ZZZZ"})

	msg := recv(t, c)
	assert.Equal(t, protocol.StatusError, msg.Status)
	assert.Contains(t, msg.Message, "room not found")
	expectClosed(t, c)
}

func TestJoinFullRoom(t *testing.T) {
	s := startRelay(t, nil)
	_, _, code := pair(t, s)

	c := dial(t, s)
	send(t, c, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})

	msg := recv(t, c)
	assert.Equal(t, protocol.StatusError, msg.Status)
	assert.Contains(t, msg.Message, "room is full")
	expectClosed(t, c)
}

func TestCreatorTimeout(t *testing.T) {
	s := startRelay(t, func(c *config.Relay) { c.CreatorTimeout = 100 * time.Millisecond })

	a := dial(t, s)
	send(t, a, &protocol.Message{Action: protocol.ActionCreateRoom})
	code := recv(t, a).Room

	assert.Equal(t, protocol.StatusTimeout, recv(t, a).Status)
	expectClosed(t, a)
	assert.Zero(t, s.Rooms().Len())

	b := dial(t, s)
	send(t, b, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})
	assert.Equal(t, protocol.StatusError, recv(t, b).Status)
}

func TestWaitingCreatorLeaves(t *testing.T) {
	s := startRelay(t, nil)

	a := dial(t, s)
	send(t, a, &protocol.Message{Action: protocol.ActionCreateRoom})
	code := recv(t, a).Room
	require.Equal(t, 1, s.Rooms().Len())

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return s.Rooms().Len() == 0 }, readTimeout, 10*time.Millisecond)

	b := dial(t, s)
	send(t, b, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})
	assert.Equal(t, protocol.StatusError, recv(t, b).Status)
}

// TestPeerDisconnected verifies that the survivor of a room is told before
// its connection is closed.
func TestPeerDisconnected(t *testing.T) {
	s := startRelay(t, nil)
	a, b, code := pair(t, s)

	require.NoError(t, a.Close())

	msg := recv(t, b)
	assert.Equal(t, protocol.TypePeerDisconnected, msg.Type)
	assert.Equal(t, code, msg.Room)
	expectClosed(t, b)

	require.Eventually(t, func() bool { return s.Rooms().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestUDPRelay(t *testing.T) {
	s := startRelay(t, nil)
	a, b, _ := pair(t, s)

	udpA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udpA.Close()
	udpB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer udpB.Close()

	portA := udpA.LocalAddr().(*net.UDPAddr).Port
	portB := udpB.LocalAddr().(*net.UDPAddr).Port
	send(t, a, &protocol.Message{Type: protocol.TypeUDPRegister, UDPPort: portA})
	send(t, b, &protocol.Message{Type: protocol.TypeUDPRegister, UDPPort: portB})

	srcA := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(portA))
	require.Eventually(t, func() bool {
		_, res := s.Rooms().Route(srcA)
		return res == room.RouteForward
	}, time.Second, 10*time.Millisecond)

	// UDP_REGISTER is consumed by the relay; the next frame B sees is A's.
	send(t, a, &protocol.Message{Type: protocol.TypeTalkStart})
	assert.Equal(t, protocol.TypeTalkStart, recv(t, b).Type)

	relayUDP := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Addr().Port}
	_, err = udpA.WriteToUDP(protocol.PunchToken, relayUDP)
	require.NoError(t, err)
	_, err = udpA.WriteToUDP([]byte("audio-1"), relayUDP)
	require.NoError(t, err)

	buf := make([]byte, 64)
	udpB.SetReadDeadline(time.Now().Add(readTimeout))
	n, _, err := udpB.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "audio-1", string(buf[:n]))

	_, err = udpB.WriteToUDP([]byte("audio-2"), relayUDP)
	require.NoError(t, err)
	udpA.SetReadDeadline(time.Now().Add(readTimeout))
	n, _, err = udpA.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "audio-2", string(buf[:n]))
}

func TestUDPFromUnknownSenderDropped(t *testing.T) {
	s := startRelay(t, nil)

	stray, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer stray.Close()

	_, err = stray.WriteToUDP([]byte("noise"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.Addr().Port})
	require.NoError(t, err)

	stray.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = stray.ReadFromUDP(make([]byte, 16))
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "expected no reply, got %v", err)
}

func TestFrontDoorRejects(t *testing.T) {
	testCases := []struct {
		name  string
		write func(c *protocol.Conn) error
	}{
		{
			name: "unknown action",
			write: func(c *protocol.Conn) error {
				return c.Send(append([]byte{protocol.TagControl}, `{"action":"SHUTDOWN"}`...))
			},
		},
		{
			name: "known message that is not a handshake",
			write: func(c *protocol.Conn) error {
				return c.SendMessage(&protocol.Message{Action: protocol.ActionPing})
			},
		},
		{
			name: "binary first frame",
			write: func(c *protocol.Conn) error {
				return c.SendBinary([]byte("hello"))
			},
		},
		{
			name: "malformed json",
			write: func(c *protocol.Conn) error {
				return c.Send(append([]byte{protocol.TagControl}, `{"action":`...))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := startRelay(t, nil)
			c := dial(t, s)

			require.NoError(t, tc.write(c))
			assert.Equal(t, protocol.StatusError, recv(t, c).Status)
			expectClosed(t, c)
		})
	}
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	s := startRelay(t, func(c *config.Relay) { c.MaxFrameSize = 1024 })

	raw, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer raw.Close()

	var header [protocol.HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], 4096)
	_, err = raw.Write(header[:])
	require.NoError(t, err)

	c := protocol.NewConn(raw, 0, readTimeout)
	assert.Equal(t, protocol.StatusError, recv(t, c).Status)
	expectClosed(t, c)
}

func register(t *testing.T, s *Server, id, name string) *protocol.Conn {
	t.Helper()
	c := dial(t, s)
	send(t, c, &protocol.Message{Action: protocol.ActionRegister, UserID: id, Name: name, Mode: protocol.ModeGreen})

	msg := recv(t, c)
	require.Equal(t, protocol.StatusRegistered, msg.Status)
	require.Equal(t, id, msg.UserID)
	return c
}

func hasUsers(want ...string) func([]protocol.UserInfo) bool {
	return func(users []protocol.UserInfo) bool {
		if len(users) != len(want) {
			return false
		}
		seen := make(map[string]bool)
		for _, u := range users {
			seen[u.UserID] = true
		}
		for _, id := range want {
			if !seen[id] {
				return false
			}
		}
		return true
	}
}

func TestPresenceSnapshots(t *testing.T) {
	s := startRelay(t, nil)

	x := register(t, s, "u1", "Ana")
	recvSnapshot(t, x, hasUsers("u1"))

	y := register(t, s, "u2", "Ben")
	recvSnapshot(t, x, hasUsers("u1", "u2"))
	recvSnapshot(t, y, hasUsers("u1", "u2"))

	send(t, y, &protocol.Message{Action: protocol.ActionModeUpdate, Mode: protocol.ModeRed})
	users := recvSnapshot(t, x, func(users []protocol.UserInfo) bool {
		for _, u := range users {
			if u.UserID == "u2" && u.Mode == protocol.ModeRed {
				return true
			}
		}
		return false
	})
	assert.Len(t, users, 2)

	require.NoError(t, y.Close())
	recvSnapshot(t, x, hasUsers("u1"))
}

func TestPresenceInvalidMode(t *testing.T) {
	s := startRelay(t, nil)
	x := register(t, s, "u1", "Ana")

	send(t, x, &protocol.Message{Action: protocol.ActionModeUpdate, Mode: "PURPLE"})
	msg := recvSkipping(t, x)
	assert.Equal(t, protocol.TypeError, msg.Type)

	send(t, x, &protocol.Message{Action: protocol.ActionPing})
	send(t, x, &protocol.Message{Action: protocol.ActionModeUpdate, Mode: protocol.ModeYellow})
	recvSnapshot(t, x, func(users []protocol.UserInfo) bool {
		return len(users) == 1 && users[0].Mode == protocol.ModeYellow
	})
}

func TestRegisterWithoutUserID(t *testing.T) {
	s := startRelay(t, nil)
	c := dial(t, s)

	send(t, c, &protocol.Message{Action: protocol.ActionRegister})
	assert.Equal(t, protocol.StatusError, recv(t, c).Status)
	expectClosed(t, c)
}

// TestConnectToAcceptAndPair walks the full presence-initiated flow: request,
// accept, then both parties joining the pre-created room.
func TestConnectToAcceptAndPair(t *testing.T) {
	s := startRelay(t, nil)
	x := register(t, s, "u1", "Ana")
	y := register(t, s, "u2", "Ben")

	send(t, x, &protocol.Message{Action: protocol.ActionConnectTo, TargetID: "u2", Name: "Ana (laptop)"})

	toX := recvSkipping(t, x)
	require.Equal(t, protocol.TypeConnectRoom, toX.Type)
	assert.Equal(t, protocol.RoleCreator, toX.Role)
	code := toX.Room

	toY := recvSkipping(t, y)
	require.Equal(t, protocol.TypeConnectionRequest, toY.Type)
	assert.Equal(t, code, toY.Room)
	assert.Equal(t, "u1", toY.FromID)
	assert.Equal(t, "Ana (laptop)", toY.FromName)

	send(t, y, &protocol.Message{Action: protocol.ActionAccept, Room: code})
	accepted := recvSkipping(t, y)
	assert.Equal(t, protocol.TypeConnectRoom, accepted.Type)
	assert.Equal(t, protocol.RoleJoiner, accepted.Role)
	assert.Equal(t, code, accepted.Room)

	roomX := dial(t, s)
	send(t, roomX, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})
	assert.Equal(t, protocol.StatusWaiting, recv(t, roomX).Status)

	roomY := dial(t, s)
	send(t, roomY, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})
	assert.Equal(t, protocol.StatusPaired, recv(t, roomY).Status)
	assert.Equal(t, protocol.StatusPaired, recv(t, roomX).Status)
}

func TestConnectToOfflineUser(t *testing.T) {
	s := startRelay(t, nil)
	x := register(t, s, "u1", "Ana")

	send(t, x, &protocol.Message{Action: protocol.ActionConnectTo, TargetID: "ghost"})
	msg := recvSkipping(t, x)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Contains(t, msg.Message, "ghost")
	assert.Zero(t, s.Rooms().Len())
}

// TestRejectReleasesWaitingRequester verifies that a declined request closes
// the pre-created room and tells the requester on both channels.
func TestRejectReleasesWaitingRequester(t *testing.T) {
	s := startRelay(t, nil)
	x := register(t, s, "u1", "Ana")
	y := register(t, s, "u2", "Ben")

	send(t, x, &protocol.Message{Action: protocol.ActionConnectTo, TargetID: "u2"})
	code := recvSkipping(t, x).Room
	req := recvSkipping(t, y)
	assert.Equal(t, "Ana", req.FromName, "registered name without an explicit one")

	roomX := dial(t, s)
	send(t, roomX, &protocol.Message{Action: protocol.ActionJoinRoom, Room: code})
	require.Equal(t, protocol.StatusWaiting, recv(t, roomX).Status)

	send(t, y, &protocol.Message{Action: protocol.ActionReject, FromID: "u1", Room: code})

	rejected := recvSkipping(t, x)
	assert.Equal(t, protocol.TypeConnectionRejected, rejected.Type)
	assert.Equal(t, "u2", rejected.FromID)

	msg := recv(t, roomX)
	assert.Equal(t, protocol.StatusError, msg.Status)
	assert.Equal(t, "room closed", msg.Message)
}

func TestCancelNotifiesTarget(t *testing.T) {
	s := startRelay(t, nil)
	x := register(t, s, "u1", "Ana")
	y := register(t, s, "u2", "Ben")

	send(t, x, &protocol.Message{Action: protocol.ActionConnectTo, TargetID: "u2"})
	code := recvSkipping(t, x).Room
	recvSkipping(t, y)

	send(t, x, &protocol.Message{Action: protocol.ActionCancel, TargetID: "u2", Room: code})
	msg := recvSkipping(t, y)
	assert.Equal(t, protocol.TypeConnectionCancelled, msg.Type)
	assert.Equal(t, "u1", msg.FromID)

	require.Eventually(t, func() bool { return s.Rooms().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestSweepRemovesStaleRooms(t *testing.T) {
	s := startRelay(t, func(c *config.Relay) {
		c.SweepInterval = 20 * time.Millisecond
		c.StaleRoomAge = 10 * time.Millisecond
	})

	s.Rooms().Open()
	require.Eventually(t, func() bool { return s.Rooms().Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAdminEndpoint(t *testing.T) {
	s := startRelay(t, func(c *config.Relay) { c.AdminAddr = "127.0.0.1:0" })
	base := s.AdminAddr().String()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+base+"/presence", nil)
	require.NoError(t, err)
	defer ws.Close()

	var snap feedSnapshot
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	require.NoError(t, ws.ReadJSON(&snap))
	assert.Empty(t, snap.Users)

	register(t, s, "u1", "Ana")
	for len(snap.Users) == 0 {
		require.NoError(t, ws.ReadJSON(&snap))
	}
	assert.Equal(t, "u1", snap.Users[0].UserID)

	resp, err := http.Get("http://" + base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `officehours_relay_connections_total{kind="presence"} 1`)
	assert.Contains(t, string(body), "officehours_relay_presence_users 1")
}
