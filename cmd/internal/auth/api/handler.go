package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatrooms/cmd/identity"
	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/httpx"
)

// Handler serves account creation, login and the current-user lookup.
type Handler struct {
	log *slog.Logger
	cfg Config

	users   identity.Store
	hasher  *identity.Hasher
	tokens  session.AccessTokenManager
	limiter *loginLimiter

	now func() time.Time
}

// NewHandler wires the auth endpoints to a user store and token manager.
func NewHandler(log *slog.Logger, cfg Config, users identity.Store, hasher *identity.Hasher, tokens session.AccessTokenManager) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if users == nil || hasher == nil || tokens == nil {
		return nil, errors.New("authapi: users, hasher and tokens are required")
	}
	return &Handler{
		log:     log,
		cfg:     cfg,
		users:   users,
		hasher:  hasher,
		tokens:  tokens,
		limiter: newLoginLimiter(cfg),
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register wires auth routes onto mux. /auth/me is wrapped by RequireUser.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/create", h.handleCreate)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.Handle("GET /auth/me", RequireUser(h.tokens, http.HandlerFunc(h.handleMe)))
}

// Tokens exposes the verifier for other route groups and the live gateway.
func (h *Handler) Tokens() session.AccessTokenManager { return h.tokens }

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password required")
		return
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		if identity.IsInvalidInput(err) {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_password", err.Error())
			return
		}
		h.log.Error("auth.create.hash.fail", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	now := h.now()
	u, err := h.users.CreateUser(r.Context(), identity.CreateUserInput{
		Username:       req.Username,
		PasswordHash:   &hash,
		ProfilePicture: req.ProfilePicture,
		Now:            now,
	})
	switch {
	case err == nil:
	case identity.IsConflict(err):
		httpx.WriteError(w, http.StatusBadRequest, "username_taken", "username already exists")
		return
	case identity.IsInvalidInput(err):
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "invalid username")
		return
	default:
		h.log.Error("auth.create.fail", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "error creating user")
		return
	}

	tok, exp, err := h.tokens.Issue(u.ID, u.Username, now)
	if err != nil {
		h.log.Error("auth.create.token.fail", "err", err, "user_id", u.ID)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("auth.create.ok", "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusCreated, authResponse{
		Status:    "User Created",
		User:      toUserResponse(u),
		Token:     tok,
		ExpiresAt: exp,
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := httpx.DecodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	username := identity.NormalizeUsername(req.Username)
	if username == "" || req.Password == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "username and password required")
		return
	}

	now := h.now()
	ip := httpx.ClientIP(r, h.cfg.TrustProxy)

	if blocked, retry := h.limiter.check(ip, username, now); blocked {
		h.log.Warn("auth.login.throttled", "ip", ip, "retry_after", retry)
		writeRateLimited(w, retry)
		return
	}

	u, err := h.users.GetUserByUsername(r.Context(), username)
	if err != nil {
		if !identity.IsNotFound(err) {
			h.log.Error("auth.login.lookup.fail", "err", err)
			httpx.WriteError(w, http.StatusInternalServerError, "server_error", "login error")
			return
		}
		h.hasher.VerifyMissing(req.Password)
		h.limiter.recordFailure(ip, username, now)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	if !h.hasher.Verify(req.Password, u.PasswordHash) {
		h.limiter.recordFailure(ip, username, now)
		h.log.Info("auth.login.rejected", "user_id", u.ID)
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}
	h.limiter.recordSuccess(username)

	tok, exp, err := h.tokens.Issue(u.ID, u.Username, now)
	if err != nil {
		h.log.Error("auth.login.token.fail", "err", err, "user_id", u.ID)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	if err := h.users.TouchLastSeen(r.Context(), u.ID, now); err != nil {
		h.log.Warn("auth.login.last_seen.fail", "err", err, "user_id", u.ID)
	}

	httpx.WriteJSON(w, http.StatusOK, authResponse{
		User:      toUserResponse(u),
		Token:     tok,
		ExpiresAt: exp,
	})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	u, err := h.users.GetUser(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			httpx.WriteError(w, http.StatusNotFound, "not_found", "user not found")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		httpx.WriteError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}
