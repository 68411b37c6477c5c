// Package v1 defines the chatrooms live-channel protocol.
//
// Every frame is a flat JSON object discriminated by its "type" field. Each event kind is a
// distinct Go type; Inbound covers client -> server frames and Outbound covers server -> client
// frames. Typing travels in both directions.
//
// This package is shared by the server gateway and the Go client and has no dependencies
// beyond the standard library.
package v1

import "time"

// Wire-stable type discriminators.
const (
	TypeSystem       = "system"
	TypeJoin         = "join"
	TypePresenceInit = "presence_init"
	TypePresence     = "presence"
	TypeMessage      = "message"
	TypeChat         = "chat"
	TypeTyping       = "typing"
	TypeError        = "error"
)

// Message kinds carried by chat frames.
const (
	MessageText   = "TEXT"
	MessageSystem = "SYSTEM"
	MessageImage  = "IMAGE"
	MessageFile   = "FILE"
)

// Event is any frame of the protocol.
type Event interface {
	EventType() string
}

// Inbound is a frame sent by a client.
type Inbound interface {
	Event
	inbound()
}

// Outbound is a frame sent by the server.
type Outbound interface {
	Event
	outbound()
}

// ---- client -> server ----

// Join binds a user to the connection.
type Join struct {
	UserID         int64 `json:"userId"`
	ConversationID int64 `json:"conversationId,omitempty"`
}

// Send asks the server to persist and fan out a message.
// ClientToken is an opaque idempotency key chosen by the client and echoed back in Chat.
type Send struct {
	UserID         int64  `json:"userId"`
	ConversationID int64  `json:"conversationId"`
	Text           string `json:"text"`
	MessageType    string `json:"messageType,omitempty"`
	ClientToken    string `json:"clientToken,omitempty"`
}

// Typing announces that a user is composing in a conversation.
type Typing struct {
	UserID         int64  `json:"userId"`
	Username       string `json:"username"`
	ConversationID int64  `json:"conversationId"`
}

// ---- server -> client ----

// System is the welcome frame written when a connection opens. It also announces that a
// conversation was deleted, in which case ConversationID is set.
type System struct {
	Message        string `json:"message"`
	ConversationID int64  `json:"conversationId,omitempty"`
}

// PresenceInit lists the users online at join time.
type PresenceInit struct {
	Users []int64 `json:"users"`
}

// Presence reports a user's first connection (online) or last disconnection (offline).
type Presence struct {
	UserID int64 `json:"userId"`
	Online bool  `json:"online"`
}

// Chat carries a persisted message.
type Chat struct {
	Message ChatMessage `json:"message"`
}

// ChatMessage is the confirmed, persisted form of a message.
type ChatMessage struct {
	ID             int64     `json:"id"`
	Text           string    `json:"text"`
	Type           string    `json:"type"`
	SenderID       *int64    `json:"senderId"`
	Sender         *Sender   `json:"sender"`
	ConversationID int64     `json:"conversationId"`
	CreatedAt      time.Time `json:"createdAt"`
	ClientToken    string    `json:"clientToken,omitempty"`
}

// Sender holds the display fields of a message author.
type Sender struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	ProfilePicture *string `json:"profilePicture"`
}

// Error is delivered only to the connection that caused it. A rejected message send echoes
// its clientToken so the sender can fail the optimistic entry.
type Error struct {
	Code           string `json:"code,omitempty"`
	Message        string `json:"message"`
	ClientToken    string `json:"clientToken,omitempty"`
	ConversationID int64  `json:"conversationId,omitempty"`
}

func (Join) EventType() string         { return TypeJoin }
func (Send) EventType() string         { return TypeMessage }
func (Typing) EventType() string       { return TypeTyping }
func (System) EventType() string       { return TypeSystem }
func (PresenceInit) EventType() string { return TypePresenceInit }
func (Presence) EventType() string     { return TypePresence }
func (Chat) EventType() string         { return TypeChat }
func (Error) EventType() string        { return TypeError }

func (Join) inbound()   {}
func (Send) inbound()   {}
func (Typing) inbound() {}

func (Typing) outbound()       {}
func (System) outbound()       {}
func (PresenceInit) outbound() {}
func (Presence) outbound()     {}
func (Chat) outbound()         {}
func (Error) outbound()        {}
