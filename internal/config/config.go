// Package config holds the relay and client configuration types.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/1ureka/officehours/internal/protocol"
)

// Environment variables recognised by ApplyEnv.
const (
	EnvTCPPort   = "TALKBACK_TCP_PORT"
	EnvUDPPort   = "TALKBACK_UDP_PORT"
	EnvRelayHost = "TALKBACK_RELAY_HOST"
	EnvRelayPort = "TALKBACK_RELAY_PORT"
)

const (
	DefaultDirectTCPPort = 50000
	DefaultDirectUDPPort = 50001
	DefaultRelayPort     = 50002
	DefaultRelayHost     = "ohinter.com"
	DefaultBindHost      = "0.0.0.0"
	DefaultAudioBuffer   = 4096
	DefaultSampleRate    = 44100 // Hz, 16-bit mono PCM
	DefaultChunkFrames   = 1024
	DefaultPairCreator   = 300 * time.Second
	DefaultPairJoiner    = 120 * time.Second
)

// Relay configures the relay server. The stream listener and the UDP relay
// socket share Host:Port.
type Relay struct {
	Host         string
	Port         int
	MaxFrameSize int

	CreatorTimeout   time.Duration // how long a room creator waits for a joiner
	JoinerTimeout    time.Duration // how long the first joiner of a pre-created room waits
	SweepInterval    time.Duration
	StaleRoomAge     time.Duration
	HandshakeTimeout time.Duration // first frame deadline on a fresh connection
	WriteTimeout     time.Duration
	PresenceIdle     time.Duration // presence connections silent this long are dropped

	AdminAddr string // metrics + presence feed; empty disables it
	Debug     bool
}

// DefaultRelay returns the relay defaults.
func DefaultRelay() Relay {
	return Relay{
		Host:             DefaultBindHost,
		Port:             DefaultRelayPort,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		CreatorTimeout:   DefaultPairCreator,
		JoinerTimeout:    DefaultPairJoiner,
		SweepInterval:    60 * time.Second,
		StaleRoomAge:     time.Hour,
		HandshakeTimeout: 30 * time.Second,
		WriteTimeout:     10 * time.Second,
		PresenceIdle:     300 * time.Second,
	}
}

// ApplyEnv overrides the relay port from the environment.
func (c *Relay) ApplyEnv() error {
	return envInt(EnvRelayPort, &c.Port)
}

// Addr returns the shared TCP/UDP listen address.
func (c Relay) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks ports and durations.
func (c Relay) Validate() error {
	var errs []error
	if err := checkPort("port", c.Port, true); err != nil {
		errs = append(errs, err)
	}
	if c.MaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	for name, d := range map[string]time.Duration{
		"creator timeout": c.CreatorTimeout,
		"joiner timeout":  c.JoinerTimeout,
		"sweep interval":  c.SweepInterval,
		"stale room age":  c.StaleRoomAge,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}

// Client configures the client connection manager.
type Client struct {
	BindHost    string
	TCPPort     int // direct-mode stream listener
	UDPPort     int // direct-mode audio socket
	PeerUDPPort int // peer audio port when the handshake does not announce one

	RelayHost string
	RelayPort int

	MaxFrameSize   int
	AudioBuffer    int
	DialTimeout    time.Duration
	AcceptTimeout  time.Duration // how long a direct dial waits for the peer's decision
	CreatorTimeout time.Duration
	JoinerTimeout  time.Duration
	PairGrace      time.Duration // slack on top of the relay's own pairing timeout
	Keepalive      time.Duration // presence PING interval
	WriteTimeout   time.Duration
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		BindHost:       DefaultBindHost,
		TCPPort:        DefaultDirectTCPPort,
		UDPPort:        DefaultDirectUDPPort,
		PeerUDPPort:    DefaultDirectUDPPort,
		RelayHost:      DefaultRelayHost,
		RelayPort:      DefaultRelayPort,
		MaxFrameSize:   protocol.DefaultMaxFrameSize,
		AudioBuffer:    DefaultAudioBuffer,
		DialTimeout:    10 * time.Second,
		AcceptTimeout:  60 * time.Second,
		CreatorTimeout: DefaultPairCreator,
		JoinerTimeout:  DefaultPairJoiner,
		PairGrace:      5 * time.Second,
		Keepalive:      60 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// ApplyEnv overrides ports and the relay host from the environment.
func (c *Client) ApplyEnv() error {
	if v := os.Getenv(EnvRelayHost); v != "" {
		c.RelayHost = v
	}
	if err := envInt(EnvTCPPort, &c.TCPPort); err != nil {
		return err
	}
	if err := envInt(EnvUDPPort, &c.UDPPort); err != nil {
		return err
	}
	c.PeerUDPPort = c.UDPPort
	return envInt(EnvRelayPort, &c.RelayPort)
}

// RelayAddr returns the relay host:port used for both TCP and UDP.
func (c Client) RelayAddr() string {
	return fmt.Sprintf("%s:%d", c.RelayHost, c.RelayPort)
}

// Validate checks ports. Zero listen ports select an ephemeral port.
func (c Client) Validate() error {
	return errors.Join(
		checkPort("tcp port", c.TCPPort, false),
		checkPort("udp port", c.UDPPort, false),
		checkPort("relay port", c.RelayPort, true),
	)
}

func checkPort(name string, port int, nonZero bool) error {
	if port < 0 || port > 65535 || (nonZero && port == 0) {
		return fmt.Errorf("invalid %s %d", name, port)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
