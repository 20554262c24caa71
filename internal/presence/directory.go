// Package presence implements the relay's directory of online users.
package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/1ureka/officehours/internal/protocol"
	"github.com/1ureka/officehours/internal/util"
)

// Sender is the connection a registered user is reachable on.
type Sender interface {
	Send(payload []byte) error
	Close() error
}

type entry struct {
	info protocol.UserInfo
	conn Sender
}

type target struct {
	id   string
	conn Sender
}

// Directory maps user ids to their presence entry. Snapshots are pushed by a
// single broadcaster goroutine (Run) so that every user sees them in order.
type Directory struct {
	mu        sync.Mutex
	users     map[string]*entry
	watchers  map[int]chan []protocol.UserInfo
	nextWatch int

	kick chan struct{}
}

// NewDirectory creates an empty directory. Call Run to start broadcasting.
func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[string]*entry),
		watchers: make(map[int]chan []protocol.UserInfo),
		kick:     make(chan struct{}, 1),
	}
}

// Register adds or replaces the entry for user.UserID.
func (d *Directory) Register(user protocol.UserInfo, conn Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.UserID] = &entry{info: user, conn: conn}
}

// UpdateMode changes the mode of id if the entry belongs to conn.
func (d *Directory) UpdateMode(id string, conn Sender, mode protocol.Mode) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.users[id]
	if !ok || e.conn != conn {
		return false
	}
	e.info.Mode = mode
	return true
}

// Lookup returns the connection and info registered for id.
func (d *Directory) Lookup(id string) (Sender, protocol.UserInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.users[id]
	if !ok {
		return nil, protocol.UserInfo{}, false
	}
	return e.conn, e.info, true
}

// Remove deletes id if it is still registered on conn. A later registration
// from another connection is left alone.
func (d *Directory) Remove(id string, conn Sender) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(id, conn)
}

func (d *Directory) removeLocked(id string, conn Sender) bool {
	e, ok := d.users[id]
	if !ok || e.conn != conn {
		return false
	}
	delete(d.users, id)
	return true
}

// Len returns the number of registered users.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.users)
}

// Snapshot returns every registered user ordered by name, then id.
func (d *Directory) Snapshot() []protocol.UserInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap, _ := d.snapshotLocked()
	return snap
}

func (d *Directory) snapshotLocked() ([]protocol.UserInfo, []target) {
	snap := make([]protocol.UserInfo, 0, len(d.users))
	targets := make([]target, 0, len(d.users))
	for id, e := range d.users {
		snap = append(snap, e.info)
		targets = append(targets, target{id: id, conn: e.conn})
	}
	sort.Slice(snap, func(i, j int) bool {
		if snap[i].Name != snap[j].Name {
			return snap[i].Name < snap[j].Name
		}
		return snap[i].UserID < snap[j].UserID
	})
	return snap, targets
}

// Watch subscribes to every broadcast snapshot. Slow watchers miss
// intermediate snapshots rather than stall the broadcaster.
func (d *Directory) Watch(buf int) (<-chan []protocol.UserInfo, func()) {
	ch := make(chan []protocol.UserInfo, buf)

	d.mu.Lock()
	id := d.nextWatch
	d.nextWatch++
	d.watchers[id] = ch
	d.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.watchers, id)
			d.mu.Unlock()
		})
	}
}

// Broadcast requests that the current snapshot be pushed to every user.
// Requests made while a push is pending coalesce into one.
func (d *Directory) Broadcast() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run pushes snapshots until ctx is cancelled.
func (d *Directory) Run(ctx context.Context) error {
	for {
		select {
		case <-d.kick:
			d.broadcastNow()
		case <-ctx.Done():
			return nil
		}
	}
}

// broadcastNow sends a PRESENCE_UPDATE to every user. Users whose send fails
// are removed and the corrected snapshot is sent again.
func (d *Directory) broadcastNow() {
	for {
		d.mu.Lock()
		snap, targets := d.snapshotLocked()
		watchers := make([]chan []protocol.UserInfo, 0, len(d.watchers))
		for _, ch := range d.watchers {
			watchers = append(watchers, ch)
		}
		d.mu.Unlock()

		for _, ch := range watchers {
			select {
			case ch <- snap:
			default:
			}
		}

		payload, err := protocol.EncodeControl(&protocol.Message{
			Type:  protocol.TypePresenceUpdate,
			Users: snap,
		})
		if err != nil {
			util.LogError("failed to encode presence snapshot: %v", err)
			return
		}

		var failed []target
		for _, t := range targets {
			if err := t.conn.Send(payload); err != nil {
				util.LogWarning("presence push to %s failed: %v", t.id, err)
				failed = append(failed, t)
			}
		}
		if len(failed) == 0 {
			return
		}

		removed := 0
		d.mu.Lock()
		for _, t := range failed {
			if d.removeLocked(t.id, t.conn) {
				removed++
			}
		}
		d.mu.Unlock()

		for _, t := range failed {
			t.conn.Close()
		}
		if removed == 0 {
			return
		}
	}
}
