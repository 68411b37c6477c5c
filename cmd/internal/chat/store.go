package chat

import (
	"context"
	"time"

	"chatrooms/cmd/identity"
)

// AppendInput describes a message append. SenderID is nil for SYSTEM messages.
type AppendInput struct {
	ConversationID int64
	SenderID       *int64
	Text           string
	Type           MessageType
	ClientToken    string
	Now            time.Time
}

// ListMessagesInput selects a conversation's history. AfterID pages forward; Limit <= 0 returns
// everything after AfterID.
type ListMessagesInput struct {
	ConversationID int64
	AfterID        int64
	Limit          int
}

type CreateConversationInput struct {
	Name      *string
	CreatorID int64
	MemberIDs []int64
	Now       time.Time
}

// MemberChange adds or removes UserID and announces it with a SYSTEM message carrying Text.
type MemberChange struct {
	ConversationID int64
	UserID         int64
	Role           Role
	Text           string
	Now            time.Time
}

// Store is the persistence boundary for conversations, memberships, messages and receipts.
//
// Requirements:
//   - AppendMessage checks existence and access, deduplicates on (conversation, sender,
//     clientToken), keeps createdAt non-decreasing per conversation and writes one receipt per
//     audience member, all atomically.
//   - AddMember and RemoveMember write their SYSTEM message (with receipts) in the same unit as
//     the membership change. RemoveMember deletes the conversation when fewer than two members
//     remain, and promotes the oldest member when the last OWNER leaves.
type Store interface {
	GetConversation(ctx context.Context, id int64) (Conversation, error)
	GetMember(ctx context.Context, conversationID, userID int64) (Member, error)
	ListMembers(ctx context.Context, conversationID int64) ([]Member, error)

	AppendMessage(ctx context.Context, in AppendInput) (msg Message, duplicate bool, err error)
	ListMessages(ctx context.Context, in ListMessagesInput) ([]Message, error)

	ListReceipts(ctx context.Context, conversationID int64) ([]Receipt, error)
	MarkRead(ctx context.Context, userID, conversationID int64, now time.Time) (int, error)
	UnreadCount(ctx context.Context, userID int64) (int, error)
	UnreadByConversation(ctx context.Context, userID int64) (map[int64]int, error)

	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (Conversation, error)
	FindDirectConversation(ctx context.Context, a, b int64) (Conversation, error)
	RenameConversation(ctx context.Context, id int64, name *string, now time.Time) (Conversation, error)
	DeleteConversation(ctx context.Context, id int64) error

	AddMember(ctx context.Context, in MemberChange) (Message, error)
	RemoveMember(ctx context.Context, in MemberChange) (Removal, error)

	Ping(ctx context.Context) error
}

// UserDirectory resolves user display fields and the global audience. identity.Store satisfies it.
type UserDirectory interface {
	GetUser(ctx context.Context, id int64) (identity.User, error)
	ListUsers(ctx context.Context, in identity.ListUsersInput) ([]identity.User, error)
}

func senderOf(u identity.User) *Sender {
	return &Sender{ID: u.ID, Username: u.Username, ProfilePicture: u.ProfilePicture}
}
