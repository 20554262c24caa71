// Office Hours: a push-to-talk intercom between colleagues.
//
// A session is reached one of three ways: dial a listening peer directly,
// meet in a relay room by code, or ring someone from the relay's presence
// list. Once connected, commands are typed on stdin and audio is streamed
// from a raw PCM file.
//
// It can be launched interactively (no flags) or non-interactively via
// -action and its arguments.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/discovery"
	"github.com/1ureka/officehours/internal/nat"
	"github.com/1ureka/officehours/internal/settings"
	"github.com/1ureka/officehours/internal/util"
)

var version = "dev"

// options collects the flags shared by every action.
type options struct {
	action    string
	addr      string
	room      string
	name      string
	audioIn   string
	audioOut  string
	advertise bool
	browse    time.Duration
	stun      string
	settings  string
	debug     bool
}

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, opts, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(1)
	}
	if opts.debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Office Hours - v%s", version))
	pterm.Println()

	store, err := settings.NewStore(opts.settings)
	if err != nil {
		util.LogError("settings: %v", err)
		os.Exit(1)
	}

	if opts.action == "" {
		opts.action = askAction()
	}

	switch opts.action {
	case "discover":
		runDiscover(ctx, opts.browse)
		return
	case "stun":
		runSTUN(ctx, opts.stun)
		return
	}

	name, userID := identity(store, opts.name)
	c := newClient(ctx, cfg, opts, name, userID)
	defer c.close()

	switch opts.action {
	case "listen":
		err = c.listen()
	case "dial":
		if opts.addr == "" {
			opts.addr = ask("Peer address (host:port)")
		}
		err = c.dial(opts.addr)
	case "create":
		err = c.create()
	case "join":
		if opts.room == "" {
			opts.room = ask("Room code (OH-XXXX)")
		}
		err = c.join(opts.room)
	case "presence":
		err = c.goOnline()
	default:
		util.LogError("invalid -action %q", opts.action)
		os.Exit(1)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	c.console()
	util.LogInfo("bye")
}

// loadConfig layers defaults, environment and then flags.
func loadConfig(args []string) (config.Client, options, error) {
	var opts options
	cfg := config.DefaultClient()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, opts, err
	}

	fs := flag.NewFlagSet("officehours", flag.ContinueOnError)
	fs.StringVar(&opts.action, "action", "", "listen, dial, create, join, presence, discover or stun")
	fs.StringVar(&opts.addr, "addr", "", "Peer host:port to dial (dial)")
	fs.StringVar(&opts.room, "room", "", "Room code to join (join)")
	fs.StringVar(&opts.name, "name", "", "Display name (saved for next time)")
	fs.StringVar(&opts.audioIn, "audio", "", "Raw 16-bit mono PCM file to stream once connected")
	fs.StringVar(&opts.audioOut, "audio-out", "", "File to append received audio to")
	fs.BoolVar(&opts.advertise, "advertise", true, "Advertise the direct listener over mDNS (listen)")
	fs.DurationVar(&opts.browse, "browse", 3*time.Second, "How long to browse the LAN (discover)")
	fs.StringVar(&opts.stun, "stun", "", "STUN server host:port (stun)")
	fs.StringVar(&opts.settings, "settings", "", "Settings file (default ~/.officehours.json)")
	fs.StringVar(&cfg.RelayHost, "relay-host", cfg.RelayHost, "Relay host")
	fs.IntVar(&cfg.RelayPort, "relay-port", cfg.RelayPort, "Relay port")
	fs.IntVar(&cfg.TCPPort, "tcp-port", cfg.TCPPort, "Direct-mode listen port")
	fs.IntVar(&cfg.UDPPort, "udp-port", cfg.UDPPort, "Direct-mode audio port")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return cfg, opts, err
	}

	// Peers that don't announce an audio port are assumed to use ours.
	if cfg.UDPPort != 0 {
		cfg.PeerUDPPort = cfg.UDPPort
	}

	if err := cfg.Validate(); err != nil {
		return cfg, opts, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, opts, nil
}

// ---------------------------------------------------------------------------
// One-shot actions
// ---------------------------------------------------------------------------

func runDiscover(ctx context.Context, timeout time.Duration) {
	data := pterm.TableData{{"Name", "User", "Address", "Audio port"}}
	err := discovery.Browse(ctx, timeout, func(p discovery.Peer) {
		data = append(data, []string{p.Name, p.UserID, p.DialAddr(), strconv.Itoa(p.UDPPort)})
	})
	if err != nil {
		util.LogError("browse failed: %v", err)
		os.Exit(1)
	}
	if len(data) == 1 {
		util.LogInfo("no peers found on the local network")
		return
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runSTUN(ctx context.Context, server string) {
	var servers []string
	if server != "" {
		servers = []string{server}
	}
	addr, err := nat.PublicAddr(ctx, servers, 0)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogSuccess("public address %s", addr)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

var actions = []string{
	"listen   - Wait for a colleague to dial you",
	"dial     - Dial a colleague's address",
	"create   - Create a relay room and share its code",
	"join     - Join a relay room by code",
	"presence - Go online and ring colleagues",
	"discover - Find colleagues on the local network",
	"stun     - Show your public address",
}

func askAction() string {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions(actions).
		WithDefaultText("What do you want to do").
		Show()
	pterm.Println()
	return strings.TrimSpace(strings.SplitN(choice, "-", 2)[0])
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		pterm.Println()
		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("a value is required")
	}
}

// identity returns the display name and user id, saving a new name when
// one is given or asked for.
func identity(store *settings.Store, name string) (string, string) {
	if name == "" {
		name = store.DisplayName()
	}
	if name == "" {
		name = ask("Your display name")
	}
	if name != store.DisplayName() {
		if err := store.SetDisplayName(name); err != nil {
			util.LogWarning("%v", err)
		}
	}
	id, err := store.UserID()
	if err != nil {
		util.LogWarning("%v", err)
	}
	return name, id
}
