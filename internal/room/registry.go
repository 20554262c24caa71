package room

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

var (
	ErrRoomNotFound   = errors.New("room not found")
	ErrRoomFull       = errors.New("room is full")
	ErrPairingTimeout = errors.New("pairing timed out")
	ErrRoomClosed     = errors.New("room closed")
)

// RouteResult is the outcome of looking up a UDP sender.
type RouteResult int

const (
	RouteUnknown RouteResult = iota // sender is not registered in any room
	RouteNoPeer                     // sender is registered, the other slot is empty
	RouteForward                    // forward to the returned address
)

// Registry maps room codes to rooms. Every method takes the registry lock
// for its own duration only; no network I/O happens under it.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	now     func() time.Time
	newCode func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[string]*Room),
		now:     time.Now,
		newCode: generateCode,
	}
}

// Create registers a new room whose first member is m.
func (g *Registry) Create(m Member) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm := g.insertLocked()
	rm.members = append(rm.members, m)
	return rm
}

// Open registers an empty room that both parties will join later.
func (g *Registry) Open() *Room {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.insertLocked()
}

// insertLocked allocates a code that no open room uses.
func (g *Registry) insertLocked() *Room {
	code := g.newCode()
	for _, taken := g.rooms[code]; taken; _, taken = g.rooms[code] {
		code = g.newCode()
	}
	rm := newRoom(code, g.now())
	g.rooms[code] = rm
	return rm
}

// Join appends m to the room named by code and returns the member index.
// The second member closes the room's Paired channel.
func (g *Registry) Join(code string, m Member) (*Room, int, error) {
	code = NormalizeCode(code)

	g.mu.Lock()
	defer g.mu.Unlock()

	rm, ok := g.rooms[code]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	if len(rm.members) >= MaxMembers {
		return nil, 0, fmt.Errorf("%w: %s", ErrRoomFull, code)
	}

	rm.members = append(rm.members, m)
	idx := len(rm.members) - 1
	if len(rm.members) == MaxMembers {
		close(rm.paired)
	}
	return rm, idx, nil
}

// Get returns the open room named by code.
func (g *Registry) Get(code string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rm, ok := g.rooms[NormalizeCode(code)]
	return rm, ok
}

// Len returns the number of open rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Members returns how many members rm currently holds.
func (g *Registry) Members(rm *Room) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(rm.members)
}

// Peer returns the member opposite idx, or nil if that slot is empty.
func (g *Registry) Peer(rm *Room, idx int) Member {
	g.mu.Lock()
	defer g.mu.Unlock()

	other := 1 - idx
	if other < 0 || other >= len(rm.members) {
		return nil
	}
	return rm.members[other]
}

// AwaitPeer blocks until rm is paired. When timeout elapses first the room is
// deleted and ErrPairingTimeout returned, unless the pairing won the race.
func (g *Registry) AwaitPeer(ctx context.Context, rm *Room, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rm.paired:
		return nil
	case <-rm.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		if g.Expire(rm) {
			return ErrPairingTimeout
		}
		select {
		case <-rm.paired:
			return nil
		default:
			return ErrRoomClosed
		}
	}
}

// Expire deletes rm if it is still registered and unpaired.
func (g *Registry) Expire(rm *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[rm.Code] != rm || len(rm.members) >= MaxMembers {
		return false
	}
	g.deleteLocked(rm)
	return true
}

// Remove deletes rm. It reports false if rm was already gone, so that only
// one caller performs the teardown.
func (g *Registry) Remove(rm *Room) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[rm.Code] != rm {
		return false
	}
	g.deleteLocked(rm)
	return true
}

func (g *Registry) deleteLocked(rm *Room) {
	delete(g.rooms, rm.Code)
	rm.close()
}

// RegisterUDP records the UDP endpoint of member idx.
func (g *Registry) RegisterUDP(rm *Room, idx int, ep netip.AddrPort) error {
	if idx < 0 || idx >= MaxMembers {
		return fmt.Errorf("invalid member index %d", idx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rooms[rm.Code] != rm {
		return fmt.Errorf("%w: %s", ErrRoomClosed, rm.Code)
	}
	rm.udp[idx] = normalize(ep)
	return nil
}

// Route finds the room slot registered for src and returns the endpoint of
// the other slot.
func (g *Registry) Route(src netip.AddrPort) (netip.AddrPort, RouteResult) {
	src = normalize(src)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, rm := range g.rooms {
		for i, ep := range rm.udp {
			if !ep.IsValid() || ep != src {
				continue
			}
			dst := rm.udp[1-i]
			if !dst.IsValid() {
				return netip.AddrPort{}, RouteNoPeer
			}
			return dst, RouteForward
		}
	}
	return netip.AddrPort{}, RouteUnknown
}

// Sweep deletes unpaired rooms older than maxAge and returns their codes.
func (g *Registry) Sweep(maxAge time.Duration) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var removed []string
	for _, rm := range g.rooms {
		if now.Sub(rm.CreatedAt) > maxAge && len(rm.members) < MaxMembers {
			g.deleteLocked(rm)
			removed = append(removed, rm.Code)
		}
	}
	return removed
}

// NormalizeCode upper-cases and trims a user-typed room code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalize(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
