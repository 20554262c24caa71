// Office Hours relay server.
//
// Pairs two clients in a room and forwards their framed control stream over
// TCP and their audio datagrams over UDP on the same port. Also serves the
// presence directory used to find and ring colleagues.
//
// TALKBACK_RELAY_PORT overrides the default port; flags override both.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/officehours/internal/config"
	"github.com/1ureka/officehours/internal/relay"
	"github.com/1ureka/officehours/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		util.LogError("%v", err)
		os.Exit(1)
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Office Hours relay - v%s", version))
	pterm.Println()

	if err := relay.New(cfg).Run(ctx); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, environment and then flags.
func loadConfig(args []string) (config.Relay, error) {
	cfg := config.DefaultRelay()
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	fs := flag.NewFlagSet("ohrelay", flag.ContinueOnError)
	fs.StringVar(&cfg.Host, "host", cfg.Host, "Bind address for TCP and UDP")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Relay port (TCP control + UDP audio)")
	fs.StringVar(&cfg.AdminAddr, "admin", "", "Admin HTTP address for /metrics and /presence (empty disables)")
	fs.DurationVar(&cfg.CreatorTimeout, "creator-timeout", cfg.CreatorTimeout, "How long a room creator waits for a joiner")
	fs.DurationVar(&cfg.JoinerTimeout, "joiner-timeout", cfg.JoinerTimeout, "How long the first joiner of a pre-created room waits")
	fs.DurationVar(&cfg.StaleRoomAge, "stale-age", cfg.StaleRoomAge, "Rooms older than this are swept")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
