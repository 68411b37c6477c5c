// Package chatclient is a Go client for the chatrooms live channel and REST API.
//
// It keeps the client-side state a chat UI renders: an ordered timeline per conversation with
// optimistic echo, who is typing, and who is online.
package chatclient

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "chatrooms/shared/contracts/realtime/v1"
)

// NewClientToken returns a fresh idempotency token for an outgoing message.
func NewClientToken() string { return uuid.NewString() }

// EntryState is the delivery state of a timeline entry.
type EntryState uint8

const (
	StatePending EntryState = iota
	StateConfirmed
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one row of a timeline. Pending and failed entries have Message.ID == 0.
type Entry struct {
	ClientToken string
	Message     v1.ChatMessage
	State       EntryState
}

// Timeline is the ordered message view of one conversation.
//
// Confirmed messages are ordered by server id. Pending and failed entries follow them in the
// order they were added. A confirmed message replaces the pending entry carrying the same
// clientToken; a message id already present is ignored.
type Timeline struct {
	conversationID int64

	mu        sync.Mutex
	confirmed []Entry
	pending   []Entry
	ids       map[int64]struct{}
}

func NewTimeline(conversationID int64) *Timeline {
	return &Timeline{conversationID: conversationID, ids: make(map[int64]struct{})}
}

func (t *Timeline) ConversationID() int64 { return t.conversationID }

// AddPending appends an optimistic entry and returns it.
func (t *Timeline) AddPending(clientToken, text string, sender v1.Sender, now time.Time) Entry {
	senderID := sender.ID
	e := Entry{
		ClientToken: clientToken,
		State:       StatePending,
		Message: v1.ChatMessage{
			Text:           text,
			Type:           v1.MessageText,
			SenderID:       &senderID,
			Sender:         &sender,
			ConversationID: t.conversationID,
			CreatedAt:      now,
			ClientToken:    clientToken,
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, e)
	return e
}

// Confirm applies a server message. It reports false when the message was already known or
// belongs to another conversation.
func (t *Timeline) Confirm(m v1.ChatMessage) bool {
	if m.ConversationID != t.conversationID || m.ID <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, seen := t.ids[m.ID]; seen {
		return false
	}
	if m.ClientToken != "" {
		t.pending = slices.DeleteFunc(t.pending, func(e Entry) bool { return e.ClientToken == m.ClientToken })
	}
	t.insertLocked(Entry{ClientToken: m.ClientToken, Message: m, State: StateConfirmed})
	return true
}

// Load merges history fetched over REST.
func (t *Timeline) Load(msgs []v1.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		if t.Confirm(m) {
			n++
		}
	}
	return n
}

// Fail marks the pending entry for clientToken as failed.
func (t *Timeline) Fail(clientToken string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.pending {
		if t.pending[i].ClientToken == clientToken {
			t.pending[i].State = StateFailed
			return true
		}
	}
	return false
}

// Entries returns a snapshot in display order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.confirmed)+len(t.pending))
	out = append(out, t.confirmed...)
	return append(out, t.pending...)
}

// LastID is the highest confirmed message id, the cursor for GET /messages/{id}?after=.
func (t *Timeline) LastID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.confirmed) == 0 {
		return 0
	}
	return t.confirmed[len(t.confirmed)-1].Message.ID
}

func (t *Timeline) insertLocked(e Entry) {
	t.ids[e.Message.ID] = struct{}{}
	i, _ := slices.BinarySearchFunc(t.confirmed, e.Message.ID, func(x Entry, id int64) int {
		switch {
		case x.Message.ID < id:
			return -1
		case x.Message.ID > id:
			return 1
		default:
			return 0
		}
	})
	t.confirmed = slices.Insert(t.confirmed, i, e)
}
