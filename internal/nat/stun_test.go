package nat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSTUN answers binding requests with a fixed reflexive address.
func fakeSTUN(t *testing.T, reply func(req *stun.Message) *stun.Message) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(stun.Message)
			req.Raw = append([]byte(nil), buf[:n]...)
			if req.Decode() != nil {
				continue
			}
			if res := reply(req); res != nil {
				conn.WriteToUDP(res.Raw, src)
			}
		}
	}()
	return conn.LocalAddr().String()
}

func TestPublicAddrXOR(t *testing.T) {
	server := fakeSTUN(t, func(req *stun.Message) *stun.Message {
		return stun.MustBuild(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: net.IPv4(203, 0, 113, 7), Port: 40123},
		)
	})

	addr, err := PublicAddr(context.Background(), []string{server}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", addr.IP.String())
	assert.Equal(t, 40123, addr.Port)
}

func TestPublicAddrMappedFallback(t *testing.T) {
	server := fakeSTUN(t, func(req *stun.Message) *stun.Message {
		return stun.MustBuild(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.MappedAddress{IP: net.IPv4(198, 51, 100, 2), Port: 5000},
		)
	})

	addr, err := PublicAddr(context.Background(), []string{server}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.2:5000", addr.String())
}

func TestPublicAddrSkipsSilentServer(t *testing.T) {
	silent := fakeSTUN(t, func(*stun.Message) *stun.Message { return nil })
	good := fakeSTUN(t, func(req *stun.Message) *stun.Message {
		return stun.MustBuild(
			stun.NewTransactionIDSetter(req.TransactionID),
			stun.BindingSuccess,
			&stun.XORMappedAddress{IP: net.IPv4(192, 0, 2, 1), Port: 1},
		)
	})

	addr, err := PublicAddr(context.Background(), []string{silent, good}, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:1", addr.String())
}

func TestPublicAddrNoServer(t *testing.T) {
	silent := fakeSTUN(t, func(*stun.Message) *stun.Message { return nil })

	_, err := PublicAddr(context.Background(), []string{silent}, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoServer)
}

func TestPublicAddrCancelled(t *testing.T) {
	silent := fakeSTUN(t, func(*stun.Message) *stun.Message { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := PublicAddr(ctx, []string{silent}, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
