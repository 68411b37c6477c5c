package chatapi

import (
	"net/http"

	authapi "chatrooms/cmd/internal/auth/api"
	"chatrooms/cmd/internal/chat"
	"chatrooms/cmd/internal/httpx"
)

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	cs, err := h.svc.Conversations(r.Context(), authapi.UserID(r.Context()))
	if err != nil {
		h.writeDomainError(w, r, "chat.conversations", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conversationsResponse{Conversations: nonNil(cs)})
}

// handleCreateConversation answers 201 for a new conversation and 200 when an existing
// two-person conversation is returned instead.
func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !h.decode(w, r, &req) {
		return
	}
	creator := authapi.UserID(r.Context())

	for _, id := range req.UserIDs {
		if id == creator || id <= 0 {
			continue
		}
		if _, err := h.users.GetUser(r.Context(), id); err != nil {
			h.writeDomainError(w, r, "chat.conversation.create", err)
			return
		}
	}

	conv, created, err := h.svc.CreateConversation(r.Context(), chat.CreateInput{
		CreatorID: creator,
		Name:      req.Name,
		UserIDs:   req.UserIDs,
	})
	if err != nil {
		h.writeDomainError(w, r, "chat.conversation.create", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, conversationResponse{Conversation: conv})
}

func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.svc.Access(r.Context(), authapi.UserID(r.Context()), id); err != nil {
		h.writeDomainError(w, r, "chat.members", err)
		return
	}
	ms, err := h.svc.MembersOf(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "chat.members", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, membersResponse{Users: nonNil(ms)})
}

func (h *Handler) handleAddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ConversationID <= 0 || req.UserID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "conversationId and userId are required")
		return
	}
	msg, err := h.svc.AddMember(r.Context(), authapi.UserID(r.Context()), req.ConversationID, req.UserID)
	if err != nil {
		h.writeDomainError(w, r, "chat.member.add", err)
		return
	}
	h.pub.Chat(r.Context(), msg)
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ConversationID <= 0 || req.UserID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "conversationId and userId are required")
		return
	}
	rm, err := h.svc.RemoveMember(r.Context(), authapi.UserID(r.Context()), req.ConversationID, req.UserID)
	if err != nil {
		h.writeDomainError(w, r, "chat.member.remove", err)
		return
	}
	h.writeRemoval(w, rm)
}

func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req leaveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ConversationID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}
	rm, err := h.svc.Leave(r.Context(), authapi.UserID(r.Context()), req.ConversationID)
	if err != nil {
		h.writeDomainError(w, r, "chat.member.leave", err)
		return
	}
	h.writeRemoval(w, rm)
}

// writeRemoval publishes the SYSTEM message to the membership as it was before the change, so
// the departing user sees it too.
func (h *Handler) writeRemoval(w http.ResponseWriter, rm chat.Removal) {
	h.pub.ChatTo(rm.Audience, rm.Message)

	resp := membershipResponse{Message: rm.Message, ConversationDeleted: rm.Deleted}
	if rm.PromotedUserID != 0 {
		promoted := rm.PromotedUserID
		resp.PromotedUserID = &promoted
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ConversationID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "conversationId is required")
		return
	}
	conv, err := h.svc.Rename(r.Context(), authapi.UserID(r.Context()), req.ConversationID, req.Name)
	if err != nil {
		h.writeDomainError(w, r, "chat.conversation.rename", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, conversationResponse{Conversation: conv})
}

func (h *Handler) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	audience, err := h.svc.Delete(r.Context(), authapi.UserID(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, "chat.conversation.delete", err)
		return
	}
	h.pub.ConversationDeleted(audience)
	httpx.WriteJSON(w, http.StatusOK, statusResponse{Status: "deleted"})
}
