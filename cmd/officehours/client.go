package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/discovery"
	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/session"
	"github.com/1ureka/officehours/internal/util"
)

// client ties the connection manager, the optional presence connection and
// the console together.
type client struct {
	ctx    context.Context
	cfg    config.Client
	opts   options
	name   string
	userID string

	mgr      *session.Manager
	presence *session.PresenceClient
	adv      *discovery.Advertiser

	mu       sync.Mutex
	pending  *protocol.Message // request awaiting accept/reject
	outgoing *protocol.Message // our presence request awaiting an answer
	users    []protocol.UserInfo
	incoming string // name from the last FILE_HEADER
	record   *os.File
	streamer context.CancelFunc
}

func newClient(ctx context.Context, cfg config.Client, opts options, name, userID string) *client {
	c := &client{ctx: ctx, cfg: cfg, opts: opts, name: name, userID: userID}
	c.mgr = session.NewManager(cfg, session.Callbacks{
		OnMessage: c.onPeerMessage,
		OnBinary:  c.onFileBody,
		OnAudio:   c.onAudio,
		OnState:   c.onState,
	})

	if opts.audioOut != "" {
		f, err := os.OpenFile(opts.audioOut, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			util.LogWarning("cannot record audio: %v", err)
		} else {
			c.record = f
		}
	}

	util.StartStatsReporter(ctx, 10*time.Second)
	return c
}

func (c *client) close() {
	c.stopStreaming()
	if c.adv != nil {
		c.adv.Close()
	}
	if c.presence != nil {
		c.presence.Close()
	}
	c.mgr.Close()
	if c.record != nil {
		c.record.Close()
	}
}

// ---------------------------------------------------------------------------
// Entry flows
// ---------------------------------------------------------------------------

func (c *client) listen() error {
	if err := c.mgr.Listen(c.ctx); err != nil {
		return err
	}
	if c.opts.advertise {
		port := portOf(c.mgr.ListenAddr().String())
		audio := portOf(c.mgr.AudioAddr().String())
		adv, err := discovery.Advertise(c.name, c.userID, port, audio)
		if err != nil {
			util.LogWarning("mDNS advertise failed: %v", err)
		} else {
			c.adv = adv
		}
	}
	util.LogInfo("waiting for a colleague to dial %s", c.mgr.ListenAddr())
	return nil
}

func (c *client) dial(addr string) error {
	util.LogInfo("ringing %s ...", addr)
	err := c.mgr.DialDirect(c.ctx, addr, c.name)
	if errors.Is(err, session.ErrRejected) {
		return fmt.Errorf("%s declined the call", addr)
	}
	return err
}

func (c *client) create() error {
	return c.mgr.CreateRoom(c.ctx, func(code string) {
		pterm.DefaultBox.WithTitle("Room code").Println(code)
		util.LogInfo("share this code; waiting up to %s", c.cfg.CreatorTimeout)
	})
}

func (c *client) join(code string) error {
	return c.mgr.JoinRoom(c.ctx, code)
}

func (c *client) goOnline() error {
	p, err := session.DialPresence(c.ctx, c.cfg,
		protocol.UserInfo{UserID: c.userID, Name: c.name, Mode: protocol.ModeGreen},
		c.onPresence)
	if err != nil {
		return err
	}
	c.presence = p
	return nil
}

// ---------------------------------------------------------------------------
// Console
// ---------------------------------------------------------------------------

const help = `commands:
  talk | stop          start/stop talking
  say TEXT             send a status line
  file PATH            send a file
  accept | reject      answer an incoming call
  users                show who is online (presence)
  call USER_ID         ring a colleague (presence)
  cancel               withdraw your call (presence)
  mode GREEN|YELLOW|RED|OPEN|BUSY
  hangup               end the current session
  quit`

// console reads commands from stdin until quit, EOF or Ctrl+C.
func (c *client) console() {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	pterm.Println(help)
	for {
		var done <-chan struct{}
		if c.presence != nil {
			done = c.presence.Done()
		}

		select {
		case <-c.ctx.Done():
			return
		case <-done:
			util.LogWarning("presence connection lost")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := c.command(strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func (c *client) command(line string) (quit bool) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch strings.ToLower(cmd) {
	case "":
	case "help":
		pterm.Println(help)
	case "quit", "exit":
		return true
	case "talk":
		err = c.mgr.SendControl(protocol.NewPeerMessage(protocol.TypeTalkStart))
	case "stop":
		err = c.mgr.SendControl(protocol.NewPeerMessage(protocol.TypeTalkStop))
	case "say":
		msg := protocol.NewPeerMessage(protocol.TypeStatus)
		msg.Message = arg
		err = c.mgr.SendControl(msg)
	case "file":
		err = c.mgr.SendFile(arg)
	case "accept":
		err = c.answer(true)
	case "reject":
		err = c.answer(false)
	case "hangup":
		c.mgr.Disconnect()
	case "users":
		c.printUsers()
	case "call":
		err = c.call(arg)
	case "cancel":
		err = c.cancel()
	case "mode":
		err = c.setMode(protocol.Mode(strings.ToUpper(arg)))
	default:
		util.LogWarning("unknown command %q, try help", cmd)
	}
	if err != nil {
		util.LogError("%s: %v", cmd, err)
	}
	return false
}

func (c *client) answer(accept bool) error {
	c.mu.Lock()
	req := c.pending
	c.pending = nil
	c.mu.Unlock()

	if req == nil {
		return errors.New("no incoming call")
	}

	// A request carrying a room came through presence; otherwise the caller
	// dialed us directly and is waiting on this connection.
	if req.Room != "" {
		if c.presence == nil {
			return errors.New("not online")
		}
		if accept {
			return c.presence.Accept(req.Room)
		}
		return c.presence.Reject(req.FromID, req.Room)
	}
	if accept {
		return c.mgr.AcceptPeer()
	}
	return c.mgr.RejectPeer()
}

func (c *client) call(target string) error {
	if c.presence == nil {
		return errors.New("not online, start with -action presence")
	}
	if target == "" {
		return errors.New("usage: call USER_ID")
	}
	c.mu.Lock()
	c.outgoing = &protocol.Message{TargetID: target}
	c.mu.Unlock()
	return c.presence.ConnectTo(target)
}

func (c *client) cancel() error {
	c.mu.Lock()
	out := c.outgoing
	c.outgoing = nil
	c.mu.Unlock()

	if c.presence == nil || out == nil {
		return errors.New("no outgoing call")
	}
	c.mgr.Disconnect()
	return c.presence.Cancel(out.TargetID, out.Room)
}

func (c *client) setMode(mode protocol.Mode) error {
	if c.presence == nil {
		return errors.New("not online")
	}
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	return c.presence.UpdateMode(mode)
}

func (c *client) printUsers() {
	c.mu.Lock()
	users := append([]protocol.UserInfo(nil), c.users...)
	c.mu.Unlock()

	data := pterm.TableData{{"Name", "User", "Mode"}}
	for _, u := range users {
		if u.UserID == c.userID {
			continue
		}
		data = append(data, []string{u.Name, u.UserID, string(u.Mode)})
	}
	if len(data) == 1 {
		util.LogInfo("nobody else is online")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

func (c *client) onPresence(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePresenceUpdate:
		users := append([]protocol.UserInfo(nil), msg.Users...)
		sort.SliceStable(users, func(i, j int) bool { return users[i].Name < users[j].Name })
		c.mu.Lock()
		c.users = users
		c.mu.Unlock()
		util.LogDebug("%d users online", len(users))

	case protocol.TypeConnectionRequest:
		c.mu.Lock()
		c.pending = msg
		c.mu.Unlock()
		util.LogInfo("%s is calling, type accept or reject", msg.FromName)

	case protocol.TypeConnectRoom:
		c.mu.Lock()
		if c.outgoing != nil && msg.Role == protocol.RoleCreator {
			c.outgoing.Room = msg.Room
		}
		c.mu.Unlock()
		go func() {
			if err := c.mgr.JoinRoom(c.ctx, msg.Room); err != nil {
				util.LogError("room %s: %v", msg.Room, err)
			}
		}()

	case protocol.TypeConnectionRejected:
		c.clearOutgoing()
		c.mgr.Disconnect()
		util.LogWarning("call declined")

	case protocol.TypeConnectionCancelled:
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		util.LogInfo("the caller hung up")

	case protocol.TypeError:
		c.clearOutgoing()
		util.LogError("relay: %s", msg.Message)
	}
}

func (c *client) clearOutgoing() {
	c.mu.Lock()
	c.outgoing = nil
	c.mu.Unlock()
}

func (c *client) onPeerMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePeerConnected:
		util.LogInfo("%s connected", msg.IP)
	case protocol.TypeConnectionRequest:
		c.mu.Lock()
		c.pending = msg
		c.mu.Unlock()
		util.LogInfo("%s wants to talk, type accept or reject", msg.Name)
	case protocol.TypeTalkStart:
		pterm.Info.Println("peer is talking")
	case protocol.TypeTalkStop:
		pterm.Info.Println("peer stopped talking")
	case protocol.TypeStatus:
		pterm.Info.Println("peer: " + msg.Message)
	case protocol.TypeFileHeader:
		util.LogInfo("receiving %s (%d bytes)", msg.Name, msg.Size)
		c.mu.Lock()
		c.incoming = msg.Name
		c.mu.Unlock()
	case protocol.TypePeerDisconnected:
		util.LogWarning("peer disconnected")
	}
}

func (c *client) onFileBody(data []byte) {
	c.mu.Lock()
	name := c.incoming
	c.incoming = ""
	c.mu.Unlock()

	if name == "" {
		name = fmt.Sprintf("%d.bin", time.Now().Unix())
	}
	path := "received-" + filepath.Base(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		util.LogError("saving %s: %v", path, err)
		return
	}
	util.LogSuccess("saved %s", path)
}

func (c *client) onAudio(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.record != nil {
		c.record.Write(data)
	}
}

func (c *client) onState(state session.State) {
	switch state {
	case session.Connected:
		c.clearOutgoing()
		util.LogSuccess("connected")
		c.startStreaming()
	case session.Idle:
		c.stopStreaming()
	}
}

// portOf returns the port of a host:port string, or 0.
func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}

// ---------------------------------------------------------------------------
// Audio streaming
// ---------------------------------------------------------------------------

// startStreaming plays the -audio file to the peer at real-time pace.
func (c *client) startStreaming() {
	if c.opts.audioIn == "" {
		return
	}
	f, err := os.Open(c.opts.audioIn)
	if err != nil {
		util.LogWarning("cannot stream audio: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.streamer != nil {
		c.streamer()
	}
	c.streamer = cancel
	c.mu.Unlock()

	go func() {
		defer f.Close()
		streamPCM(ctx, f, c.mgr.SendAudio)
	}()
}

func (c *client) stopStreaming() {
	c.mu.Lock()
	cancel := c.streamer
	c.streamer = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// streamPCM sends 16-bit mono chunks paced at the sample rate until r is
// drained or ctx is cancelled.
func streamPCM(ctx context.Context, r io.Reader, send func([]byte)) {
	const bytesPerFrame = 2
	chunk := make([]byte, config.DefaultChunkFrames*bytesPerFrame)
	interval := time.Second * config.DefaultChunkFrames / config.DefaultSampleRate

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			send(chunk[:n])
		}
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
