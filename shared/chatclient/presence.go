package chatclient

import (
	"slices"
	"sync"

	v1 "chatrooms/shared/contracts/realtime/v1"
)

// Presence is the online set: seeded by presence_init and updated by presence events.
type Presence struct {
	mu     sync.RWMutex
	online map[int64]struct{}
}

func NewPresence() *Presence {
	return &Presence{online: make(map[int64]struct{})}
}

// Apply updates the set from a presence_init or presence event and ignores anything else.
func (p *Presence) Apply(ev v1.Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev := ev.(type) {
	case v1.PresenceInit:
		clear(p.online)
		for _, id := range ev.Users {
			p.online[id] = struct{}{}
		}
	case v1.Presence:
		if ev.Online {
			p.online[ev.UserID] = struct{}{}
		} else {
			delete(p.online, ev.UserID)
		}
	}
}

func (p *Presence) IsOnline(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the online user ids, ascending.
func (p *Presence) Online() []int64 {
	p.mu.RLock()
	out := make([]int64, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	p.mu.RUnlock()
	slices.Sort(out)
	return out
}
