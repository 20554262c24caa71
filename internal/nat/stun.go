// Package nat discovers the public address a peer can reach this host at,
// so a user can hand it to a colleague for a direct session.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/officehours/internal/util"
)

// DefaultServers are queried in order until one answers.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
}

const defaultTimeout = 3 * time.Second

var ErrNoServer = errors.New("no STUN server answered")

// PublicAddr returns the reflexive address reported by the first server
// that answers a binding request.
func PublicAddr(ctx context.Context, servers []string, timeout time.Duration) (*net.UDPAddr, error) {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var errs []error
	for _, server := range servers {
		addr, err := query(ctx, server, timeout)
		if err == nil {
			util.LogDebug("stun %s reports %s", server, addr)
			return addr, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrNoServer, errors.Join(errs...))
}

func query(ctx context.Context, server string, timeout time.Duration) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, err
	}
	if _, err := req.WriteTo(conn); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return nil, err
		}

		res := new(stun.Message)
		res.Raw = buf[:n]
		if err := res.Decode(); err != nil {
			continue
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		return mappedAddr(res)
	}
}

// mappedAddr prefers XOR-MAPPED-ADDRESS and falls back to MAPPED-ADDRESS
// for older servers.
func mappedAddr(res *stun.Message) (*net.UDPAddr, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xor.IP, Port: xor.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err != nil {
		return nil, fmt.Errorf("no mapped address in response: %w", err)
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}
