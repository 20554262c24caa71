package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
)

func TestPeerFromEntry(t *testing.T) {
	e := &mdns.ServiceEntry{
		Name:       "alice-u1._talkback._tcp.local.",
		AddrV4:     net.IPv4(192, 168, 1, 20),
		Port:       50000,
		InfoFields: []string{"name=Alice Doe", "id=u1", "udp=50001", "junk"},
	}

	p, ok := peerFromEntry(e)
	assert.True(t, ok)
	assert.Equal(t, Peer{
		Instance: "alice-u1",
		Name:     "Alice Doe",
		UserID:   "u1",
		Addr:     net.IPv4(192, 168, 1, 20),
		TCPPort:  50000,
		UDPPort:  50001,
	}, p)
	assert.Equal(t, "192.168.1.20:50000", p.DialAddr())
}

func TestPeerFromEntryRejects(t *testing.T) {
	tests := map[string]*mdns.ServiceEntry{
		"nil":           nil,
		"other service": {Name: "printer._ipp._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 1), Port: 631},
		"no address":    {Name: "bob._talkback._tcp.local.", Port: 50000},
		"no port":       {Name: "bob._talkback._tcp.local.", AddrV4: net.IPv4(10, 0, 0, 2)},
	}
	for name, e := range tests {
		t.Run(name, func(t *testing.T) {
			_, ok := peerFromEntry(e)
			assert.False(t, ok)
		})
	}
}

func TestPeerFromEntryDefaultsName(t *testing.T) {
	p, ok := peerFromEntry(&mdns.ServiceEntry{
		Name: "bob-u2._talkback._tcp.local.",
		Addr: net.IPv4(10, 0, 0, 2),
		Port: 50000,
	})
	assert.True(t, ok)
	assert.Equal(t, "bob-u2", p.Name)
	assert.Zero(t, p.UDPPort)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "ana-mara", sanitize("Ana María!"))
	assert.Equal(t, "dr-who", sanitize("Dr_Who"))
	assert.Equal(t, "officehours", sanitize("!!!"))
}
