// Package room implements the registry of two-party relay rooms.
package room

import (
	"context"
	"crypto/rand"
	"math/big"
	"net/netip"
	"sync"
	"time"
)

// MaxMembers is the capacity of every room.
const MaxMembers = 2

const (
	codePrefix   = "OH-"
	codeLength   = 4
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Member is one party of a room: the framed control connection the relay
// forwards frames to.
type Member interface {
	Send(payload []byte) error
	Close() error
}

// Room is a rendezvous between at most two members. Membership and UDP
// endpoints are guarded by the owning Registry.
type Room struct {
	Code      string
	CreatedAt time.Time

	members []Member
	udp     [MaxMembers]netip.AddrPort

	paired    chan struct{} // closed when the second member arrives
	done      chan struct{} // closed when the room leaves the registry
	ready     [MaxMembers]chan struct{}
	readyOnce [MaxMembers]sync.Once
	closeOnce sync.Once
}

func newRoom(code string, now time.Time) *Room {
	r := &Room{
		Code:      code,
		CreatedAt: now,
		paired:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range r.ready {
		r.ready[i] = make(chan struct{})
	}
	return r
}

// Paired returns a channel that is closed once the room holds two members.
func (r *Room) Paired() <-chan struct{} { return r.paired }

// Done returns a channel that is closed once the room has been removed.
func (r *Room) Done() <-chan struct{} { return r.done }

// MarkReady records that member idx has been told it is paired.
func (r *Room) MarkReady(idx int) {
	r.readyOnce[idx].Do(func() { close(r.ready[idx]) })
}

// AwaitReady blocks until the member opposite idx has been marked ready.
func (r *Room) AwaitReady(ctx context.Context, idx int) error {
	select {
	case <-r.ready[1-idx]:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// generateCode returns a random room code such as "OH-7QX2".
func generateCode() string {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, _ := rand.Int(rand.Reader, max)
		buf[i] = codeAlphabet[n.Int64()]
	}
	return codePrefix + string(buf)
}

// ValidCode reports whether code has the OH-XXXX shape.
func ValidCode(code string) bool {
	if len(code) != len(codePrefix)+codeLength || code[:len(codePrefix)] != codePrefix {
		return false
	}
	for _, c := range code[len(codePrefix):] {
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
