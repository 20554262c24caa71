// Package discovery advertises and finds direct-mode peers on the local
// network over multicast DNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/1ureka/officehours/internal/util"
)

const (
	ServiceType = "_talkback._tcp"
	Domain      = "local."
)

// Peer is a direct-mode listener found on the LAN.
type Peer struct {
	Instance string
	Name     string
	UserID   string
	Addr     net.IP
	TCPPort  int
	UDPPort  int
}

// DialAddr returns the host:port to dial for a direct session.
func (p Peer) DialAddr() string {
	return net.JoinHostPort(p.Addr.String(), strconv.Itoa(p.TCPPort))
}

// Advertiser publishes this host's direct-mode listener.
type Advertiser struct {
	server *mdns.Server
}

// Advertise publishes a listener on tcpPort. udpPort and the identity ride
// in TXT records.
func Advertise(name, userID string, tcpPort, udpPort int) (*Advertiser, error) {
	instance := fmt.Sprintf("%s-%s", sanitize(name), userID)

	txt := []string{
		"name=" + name,
		"id=" + userID,
		"udp=" + strconv.Itoa(udpPort),
	}
	service, err := mdns.NewMDNSService(instance, ServiceType, Domain, "", tcpPort, nil, txt)
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}

	util.LogInfo("advertising %s on port %d", instance, tcpPort)
	return &Advertiser{server: server}, nil
}

// Close stops answering queries.
func (a *Advertiser) Close() error {
	return a.server.Shutdown()
}

// Browse queries the LAN for peers until timeout and calls found for each
// distinct one. found is not called once ctx is cancelled.
func Browse(ctx context.Context, timeout time.Duration, found func(Peer)) error {
	entries := make(chan *mdns.ServiceEntry, 16)
	params := mdns.DefaultParams(ServiceType)
	params.Domain = strings.TrimSuffix(Domain, ".")
	params.Timeout = timeout
	params.Entries = entries
	params.DisableIPv6 = true

	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			peer, ok := peerFromEntry(entry)
			if !ok || seen[peer.Instance] {
				continue
			}
			seen[peer.Instance] = true
			if ctx.Err() == nil {
				found(peer)
			}
		}
	}()

	err := mdns.Query(params)
	close(entries)
	<-done
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// peerFromEntry converts a service entry, rejecting entries that are not
// ours or carry no usable IPv4 address.
func peerFromEntry(e *mdns.ServiceEntry) (Peer, bool) {
	if e == nil || !strings.Contains(e.Name, ServiceType) {
		return Peer{}, false
	}
	ip := e.AddrV4
	if ip == nil {
		ip = e.Addr
	}
	if ip == nil || e.Port == 0 {
		return Peer{}, false
	}

	p := Peer{
		Instance: strings.SplitN(e.Name, ".", 2)[0],
		Addr:     ip,
		TCPPort:  e.Port,
	}
	for _, field := range e.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case "name":
			p.Name = value
		case "id":
			p.UserID = value
		case "udp":
			p.UDPPort, _ = strconv.Atoi(value)
		}
	}
	if p.Name == "" {
		p.Name = p.Instance
	}
	return p, true
}

// sanitize keeps an instance label DNS-friendly.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	if b.Len() == 0 {
		return "officehours"
	}
	return b.String()
}
