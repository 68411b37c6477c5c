package chatapi

import (
	"net/http"
	"strings"

	"chatrooms/cmd/identity"
	authapi "chatrooms/cmd/internal/auth/api"
	"chatrooms/cmd/internal/httpx"
)

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	us, err := h.users.ListUsers(r.Context(), identity.ListUsersInput{DiscoverableOnly: true})
	if err != nil {
		h.writeDomainError(w, r, "users.list", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, usersResponse{Users: profiles(us)})
}

func (h *Handler) handleUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	u, err := h.users.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "users.get", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse{User: u.Profile()})
}

func (h *Handler) handleProfilePicture(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if id != authapi.UserID(r.Context()) {
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "you can only update your own profile picture")
		return
	}
	var req profilePictureRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ProfilePicture) == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "profilePicture must be a url string")
		return
	}
	u, err := h.users.UpdateProfilePicture(r.Context(), id, strings.TrimSpace(req.ProfilePicture))
	if err != nil {
		h.writeDomainError(w, r, "users.profile_picture", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, userResponse{User: u.Profile()})
}

// handleLastSeen is the client heartbeat.
func (h *Handler) handleLastSeen(w http.ResponseWriter, r *http.Request) {
	if err := h.users.TouchLastSeen(r.Context(), authapi.UserID(r.Context()), h.now()); err != nil {
		h.writeDomainError(w, r, "users.last_seen", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
