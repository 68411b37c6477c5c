package chatapi

import (
	"chatrooms/cmd/identity"
	"chatrooms/cmd/internal/chat"
)

type sendRequest struct {
	Text           string `json:"text"`
	ConversationID *int64 `json:"conversationId,omitempty"`
	MessageType    string `json:"messageType,omitempty"`
	ClientToken    string `json:"clientToken,omitempty"`
}

type readRequest struct {
	Confirm bool `json:"confirm"`
}

type createConversationRequest struct {
	Name    *string `json:"name,omitempty"`
	UserIDs []int64 `json:"userIds"`
}

type memberRequest struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
}

type renameRequest struct {
	ConversationID int64  `json:"conversationId"`
	Name           string `json:"name"`
}

type leaveRequest struct {
	ConversationID int64 `json:"conversationId"`
}

type profilePictureRequest struct {
	ProfilePicture string `json:"profilePicture"`
}

type messagesResponse struct {
	Messages []chat.Message `json:"messages"`
}

type messageResponse struct {
	Message chat.Message `json:"message"`
}

type receiptsResponse struct {
	Receipts []chat.Receipt `json:"receipts"`
}

type conversationsResponse struct {
	Conversations []chat.ConversationSummary `json:"conversations"`
}

type conversationResponse struct {
	Conversation chat.Conversation `json:"conversation"`
}

type membersResponse struct {
	Users []chat.Member `json:"users"`
}

// membershipResponse reports the outcome of a remove or leave.
type membershipResponse struct {
	Message             chat.Message `json:"message"`
	ConversationDeleted bool         `json:"conversationDeleted"`
	PromotedUserID      *int64       `json:"promotedUserId,omitempty"`
}

type usersResponse struct {
	Users []identity.Profile `json:"users"`
}

type userResponse struct {
	User identity.Profile `json:"user"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func profiles(us []identity.User) []identity.Profile {
	out := make([]identity.Profile, 0, len(us))
	for _, u := range us {
		out = append(out, u.Profile())
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
