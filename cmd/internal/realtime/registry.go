package realtime

import (
	"log/slog"
	"slices"
	"sync"

	v1 "chatrooms/shared/contracts/realtime/v1"
)

// Target selects the connections a broadcast reaches.
type Target func(userID int64, c *Client) bool

// Everyone targets every joined connection.
func Everyone(int64, *Client) bool { return true }

// Except targets every joined connection other than c.
func Except(c *Client) Target {
	return func(_ int64, other *Client) bool { return other != c }
}

// Registry is the in-memory multimap of users to their joined connections.
//
// Concurrency guarantees:
// - Register/Unregister are the only writers; the Session Gateway is their only caller.
// - Presence frames are queued while the write lock is held, so every peer sees a user's
//   online/offline transitions in the order they happened.
// - Broadcast never blocks: full or closing queues are skipped.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu     sync.RWMutex
	byUser map[int64]map[*Client]struct{}
	byConn map[*Client]int64
}

func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		byUser:  make(map[int64]map[*Client]struct{}),
		byConn:  make(map[*Client]int64),
	}
}

// Register binds c to userID. When this is the user's first connection every other connection
// receives presence{online:true}. A connection already bound to another user is rebound.
func (r *Registry) Register(userID int64, c *Client) (first bool) {
	if r == nil || c == nil || userID <= 0 {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[c]; ok {
		if prev == userID {
			return false
		}
		r.removeLocked(c)
	}

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[*Client]struct{}, 1)
		r.byUser[userID] = conns
		first = true
	}
	conns[c] = struct{}{}
	r.byConn[c] = userID
	r.metrics.setOnline(len(r.byUser))

	if first {
		n := r.fanoutLocked(Except(c), v1.Presence{UserID: userID, Online: true})
		r.log.Info("registry.presence.online", "user_id", userID, "conn_id", c.ID, "notified", n)
	}
	return first
}

// Unregister removes c. When it was the user's last connection every remaining connection
// receives presence{online:false}. Unknown connections are ignored.
func (r *Registry) Unregister(c *Client) (userID int64, last bool) {
	if r == nil || c == nil {
		return 0, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(c)
}

func (r *Registry) removeLocked(c *Client) (int64, bool) {
	userID, ok := r.byConn[c]
	if !ok {
		return 0, false
	}
	delete(r.byConn, c)

	conns := r.byUser[userID]
	delete(conns, c)
	if len(conns) > 0 {
		return userID, false
	}
	delete(r.byUser, userID)
	r.metrics.setOnline(len(r.byUser))

	n := r.fanoutLocked(Everyone, v1.Presence{UserID: userID, Online: false})
	r.log.Info("registry.presence.offline", "user_id", userID, "conn_id", c.ID, "notified", n)
	return userID, true
}

// Broadcast queues ev on every joined connection selected by target and returns how many
// connections accepted it.
func (r *Registry) Broadcast(target Target, ev v1.Outbound) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fanoutLocked(target, ev)
}

func (r *Registry) fanoutLocked(target Target, ev v1.Outbound) int {
	frame, err := v1.Encode(ev)
	if err != nil {
		r.log.Error("registry.encode.fail", "type", ev.EventType(), "err", err)
		return 0
	}
	sent, dropped := 0, 0
	for uid, conns := range r.byUser {
		for c := range conns {
			if target != nil && !target(uid, c) {
				continue
			}
			if c.enqueue(frame) {
				sent++
			} else {
				dropped++
			}
		}
	}
	r.metrics.delivered(ev.EventType(), sent)
	r.metrics.droppedFrames(dropped)
	return sent
}

// SendTo queues ev on a single connection, joined or not.
func (r *Registry) SendTo(c *Client, ev v1.Outbound) bool {
	frame, err := v1.Encode(ev)
	if err != nil {
		return false
	}
	if !c.enqueue(frame) {
		if r != nil {
			r.metrics.droppedFrames(1)
		}
		return false
	}
	if r != nil {
		r.metrics.delivered(ev.EventType(), 1)
	}
	return true
}

// ListOnline returns the ids of users with at least one joined connection, ascending.
func (r *Registry) ListOnline() []int64 {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]int64, 0, len(r.byUser))
	for uid := range r.byUser {
		out = append(out, uid)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

// UserOf returns the user c is bound to.
func (r *Registry) UserOf(c *Client) (int64, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.byConn[c]
	return uid, ok
}

// Connections returns how many connections userID has joined.
func (r *Registry) Connections(userID int64) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}
