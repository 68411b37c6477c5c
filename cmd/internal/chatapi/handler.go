// Package chatapi serves the chatrooms REST surface: messages, receipts, conversations and users.
//
// Every route requires a bearer token. Domain errors are mapped to HTTP once, in writeDomainError.
package chatapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatrooms/cmd/identity"
	authapi "chatrooms/cmd/internal/auth/api"
	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/chat"
	"chatrooms/cmd/internal/httpx"
)

const (
	defaultMaxBodyBytes int64 = 64 << 10

	// maxPageSize caps ?limit on history reads.
	maxPageSize = 500
)

// Publisher pushes persisted messages to live connections. realtime.Broadcaster satisfies it.
type Publisher interface {
	Chat(ctx context.Context, msg chat.Message) int
	ChatTo(a chat.Audience, msg chat.Message) int
	ConversationDeleted(a chat.Audience) int
}

type nopPublisher struct{}

func (nopPublisher) Chat(context.Context, chat.Message) int  { return 0 }
func (nopPublisher) ChatTo(chat.Audience, chat.Message) int { return 0 }
func (nopPublisher) ConversationDeleted(chat.Audience) int  { return 0 }

// Handler serves the authenticated chat routes.
type Handler struct {
	log *slog.Logger

	svc    *chat.Service
	users  identity.Store
	tokens session.AccessTokenManager
	pub    Publisher

	maxBodyBytes int64
	now          func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithPublisher routes REST-originated messages to live connections.
func WithPublisher(p Publisher) Option {
	return func(h *Handler) {
		if p != nil {
			h.pub = p
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler wires the chat routes to the domain service.
func NewHandler(log *slog.Logger, svc *chat.Service, users identity.Store, tokens session.AccessTokenManager, opts ...Option) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if svc == nil || users == nil || tokens == nil {
		return nil, errors.New("chatapi: service, users and tokens are required")
	}
	h := &Handler{
		log:          log,
		svc:          svc,
		users:        users,
		tokens:       tokens,
		pub:          nopPublisher{},
		maxBodyBytes: defaultMaxBodyBytes,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the chat routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	route := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authapi.RequireUser(h.tokens, fn))
	}

	route("GET /messages", h.handleGlobalMessages)
	route("POST /messages", h.handleSend)
	route("GET /messages/{conversationId}", h.handleMessages)
	route("POST /messages/{conversationId}/read", h.handleMarkRead)
	route("GET /messages/{conversationId}/receipts", h.handleReceipts)

	route("GET /conversations", h.handleConversations)
	route("POST /conversations", h.handleCreateConversation)
	route("GET /conversations/{id}/messages", h.handleConversationMessages)
	route("GET /conversations/{id}/users", h.handleMembers)
	route("POST /conversations/add-member", h.handleAddMember)
	route("PUT /conversations/update-name", h.handleRename)
	route("POST /conversations/remove-member", h.handleRemoveMember)
	route("POST /conversations/leave", h.handleLeave)
	route("DELETE /conversations/{id}", h.handleDeleteConversation)

	route("GET /users", h.handleUsers)
	route("GET /users/{id}", h.handleUser)
	route("PATCH /users/{id}/profile-picture", h.handleProfilePicture)
	route("PATCH /users/last-seen", h.handleLastSeen)
}

// writeDomainError maps chat and identity errors to a status code and JSON body.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case identity.IsNotFound(err):
		httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found")
		return
	case identity.IsInvalidInput(err):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid input")
		return
	}

	kind := chat.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case chat.ErrValidation, chat.ErrConflict:
		status = http.StatusBadRequest
	case chat.ErrUnauthorized:
		status = http.StatusUnauthorized
	case chat.ErrForbidden:
		status = http.StatusForbidden
	case chat.ErrNotFound:
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		h.log.Error(op+".fail", "err", err, "user_id", authapi.UserID(r.Context()))
		httpx.WriteError(w, status, "server_error", "internal error")
		return
	}
	h.log.Info(op+".rejected", "err", err, "user_id", authapi.UserID(r.Context()))
	httpx.WriteError(w, status, kind.Error(), chat.PublicMessage(err))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(w, r, h.maxBodyBytes, dst); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, ok := httpx.PathInt64(r, name)
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid "+name)
	}
	return id, ok
}

// pageInput reads ?after=<messageId>&limit=<n>.
func pageInput(w http.ResponseWriter, r *http.Request, conversationID int64) (chat.ListMessagesInput, bool) {
	in := chat.ListMessagesInput{ConversationID: conversationID}
	q := r.URL.Query()

	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "after must be a message id")
			return in, false
		}
		in.AfterID = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "limit must be positive")
			return in, false
		}
		in.Limit = min(limit, maxPageSize)
	}
	return in, true
}
