package chatapi

import (
	"net/http"

	authapi "chatrooms/cmd/internal/auth/api"
	"chatrooms/cmd/internal/chat"
	"chatrooms/cmd/internal/httpx"
)

func (h *Handler) handleGlobalMessages(w http.ResponseWriter, r *http.Request) {
	h.writeMessages(w, r, chat.GlobalConversationID)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conversationId")
	if !ok {
		return
	}
	h.writeMessages(w, r, id)
}

func (h *Handler) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.writeMessages(w, r, id)
}

func (h *Handler) writeMessages(w http.ResponseWriter, r *http.Request, conversationID int64) {
	in, ok := pageInput(w, r, conversationID)
	if !ok {
		return
	}
	msgs, err := h.svc.Messages(r.Context(), authapi.UserID(r.Context()), in)
	if err != nil {
		h.writeDomainError(w, r, "chat.messages", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, messagesResponse{Messages: nonNil(msgs)})
}

// handleSend persists a message and then publishes it. A retry with a known clientToken returns
// the stored message without publishing again.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !h.decode(w, r, &req) {
		return
	}
	conversationID := chat.GlobalConversationID
	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	}

	msg, dup, err := h.svc.Send(r.Context(), chat.SendInput{
		SenderID:       authapi.UserID(r.Context()),
		ConversationID: conversationID,
		Text:           req.Text,
		Type:           chat.MessageType(req.MessageType),
		ClientToken:    req.ClientToken,
	})
	if err != nil {
		h.writeDomainError(w, r, "chat.send", err)
		return
	}
	if !dup {
		n := h.pub.Chat(r.Context(), msg)
		h.log.Debug("chat.send.ok", "message_id", msg.ID, "conversation_id", msg.ConversationID, "delivered", n)
	}
	httpx.WriteJSON(w, http.StatusOK, messageResponse{Message: msg})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conversationId")
	if !ok {
		return
	}
	var req readRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.svc.MarkRead(r.Context(), authapi.UserID(r.Context()), id, req.Confirm)
	if err != nil {
		h.writeDomainError(w, r, "chat.read", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleReceipts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "conversationId")
	if !ok {
		return
	}
	rs, err := h.svc.Receipts(r.Context(), authapi.UserID(r.Context()), id)
	if err != nil {
		h.writeDomainError(w, r, "chat.receipts", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, receiptsResponse{Receipts: nonNil(rs)})
}
