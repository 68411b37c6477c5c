package chat

import (
	"slices"
	"time"

	"chatrooms/cmd/internal/dbschema"
)

// GlobalConversationID is the seeded conversation every user can read and write.
const GlobalConversationID = dbschema.GlobalConversationID

// MessageType classifies message content.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageSystem MessageType = "SYSTEM"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
)

// Valid reports whether t is a known type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageSystem, MessageImage, MessageFile:
		return true
	default:
		return false
	}
}

// Role is a member's permission level within a conversation.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// CanManage reports whether r may add or remove members and rename the conversation.
func (r Role) CanManage() bool { return r == RoleOwner || r == RoleAdmin }

type Conversation struct {
	ID        int64     `json:"id"`
	Name      *string   `json:"name"`
	IsGlobal  bool      `json:"isGlobal"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Member is a membership row joined with the user's display fields.
type Member struct {
	UserID         int64     `json:"id"`
	Username       string    `json:"username"`
	ProfilePicture *string   `json:"profilePicture"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Sender is the display projection of a message author.
type Sender struct {
	ID             int64   `json:"id"`
	Username       string  `json:"username"`
	ProfilePicture *string `json:"profilePicture"`
}

// Message is an immutable entry in a conversation. SenderID and Sender are nil for SYSTEM
// messages. ClientToken echoes the sender's idempotency token, when one was supplied.
type Message struct {
	ID             int64       `json:"id"`
	Text           string      `json:"text"`
	Type           MessageType `json:"type"`
	SenderID       *int64      `json:"senderId"`
	Sender         *Sender     `json:"sender"`
	ConversationID int64       `json:"conversationId"`
	CreatedAt      time.Time   `json:"createdAt"`
	ClientToken    string      `json:"clientToken,omitempty"`
}

type Receipt struct {
	MessageID int64      `json:"messageId"`
	UserID    int64      `json:"userId"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt"`
}

// ConversationSummary is one row of a user's conversation list.
type ConversationSummary struct {
	Conversation
	Users        []Member `json:"users"`
	MessageCount int      `json:"messageCount"`
	UnreadCount  int      `json:"unreadCount"`
}

// Audience is the set of users a conversation event is delivered to. All is set for the global
// conversation.
type Audience struct {
	ConversationID int64
	All            bool
	Users          []int64
}

// Includes reports whether userID belongs to the audience.
func (a Audience) Includes(userID int64) bool {
	if a.All {
		return true
	}
	return slices.Contains(a.Users, userID)
}

// Removal describes the outcome of a remove or leave.
type Removal struct {
	// Message is the SYSTEM message announcing the change. It was persisted before the
	// membership row was deleted; when Deleted is true it went away with the conversation.
	Message Message
	// Audience is the membership as it was before the removal.
	Audience Audience
	Deleted  bool
	// PromotedUserID is set when the departing OWNER handed ownership to the oldest member.
	PromotedUserID int64
}

// ReadResult is returned by MarkRead.
type ReadResult struct {
	UpdatedCount int `json:"updatedCount"`
	UnreadCount  int `json:"unreadCount"`
}
