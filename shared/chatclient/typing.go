package chatclient

import (
	"slices"
	"sync"
	"time"

	v1 "chatrooms/shared/contracts/realtime/v1"
)

// TypingTTL is how long a typing notice stays visible without a refresh.
const TypingTTL = 2 * time.Second

// TypingUser is someone currently typing in a conversation.
type TypingUser struct {
	UserID   int64
	Username string
}

type typingKey struct {
	conversationID int64
	userID         int64
}

type typingState struct {
	username string
	until    time.Time
}

// TypingTracker holds the idle -> typing -> idle state per (conversation, user). Each typing
// event refreshes the expiry; a chat message from the same user clears it early.
type TypingTracker struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	state map[typingKey]typingState
}

// NewTypingTracker uses TypingTTL when ttl is not positive and the wall clock when now is nil.
func NewTypingTracker(ttl time.Duration, now func() time.Time) *TypingTracker {
	if ttl <= 0 {
		ttl = TypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{ttl: ttl, now: now, state: make(map[typingKey]typingState)}
}

func (t *TypingTracker) Observe(ev v1.Typing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state[typingKey{ev.ConversationID, ev.UserID}] = typingState{
		username: ev.Username,
		until:    t.now().Add(t.ttl),
	}
}

func (t *TypingTracker) Clear(conversationID, userID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, typingKey{conversationID, userID})
}

// Typing lists who is typing in a conversation, by user id. Expired entries are dropped.
func (t *TypingTracker) Typing(conversationID int64) []TypingUser {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TypingUser
	for k, s := range t.state {
		if !now.Before(s.until) {
			delete(t.state, k)
			continue
		}
		if k.conversationID == conversationID {
			out = append(out, TypingUser{UserID: k.userID, Username: s.username})
		}
	}
	slices.SortFunc(out, func(a, b TypingUser) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		default:
			return 0
		}
	})
	return out
}
