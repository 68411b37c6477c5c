// Package realtime contains the chatrooms live channel: the connection registry, the event
// broadcaster and the WebSocket session gateway.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/chat"
	"chatrooms/cmd/internal/httpx"
	v1 "chatrooms/shared/contracts/realtime/v1"
)

// Subprotocol is offered to clients that negotiate one. It is not required.
const Subprotocol = "chatrooms.v1"

const (
	wsCloseGrace      = 1 * time.Second
	wsMaxPingFailures = 3
)

// MessageSender persists user messages. chat.Service satisfies it.
type MessageSender interface {
	Send(ctx context.Context, in chat.SendInput) (chat.Message, bool, error)
}

// WSGateway is the WebSocket entrypoint.
//
// It enforces origin policy, optional bearer auth, rate limits and heartbeats, and runs the
// per-connection state machine: CONNECTED (welcome sent) -> JOINED (user bound, registered)
// -> CLOSED (unregistered).
type WSGateway struct {
	log *slog.Logger
	cfg GatewayConfig

	originPatterns []string

	reg     *Registry
	bc      *Broadcaster
	msgs    MessageSender
	tokens  session.AccessTokenManager
	metrics *Metrics
}

// GatewayOption configures optional collaborators.
type GatewayOption func(*WSGateway)

// WithTokens enables bearer auth on the upgrade request.
func WithTokens(tokens session.AccessTokenManager) GatewayOption {
	return func(g *WSGateway) { g.tokens = tokens }
}

func WithMetrics(m *Metrics) GatewayOption {
	return func(g *WSGateway) { g.metrics = m }
}

// NewWSGateway constructs a gateway. The registry and broadcaster are owned by the caller so
// REST handlers can publish through the same instances.
func NewWSGateway(log *slog.Logger, cfg GatewayConfig, reg *Registry, bc *Broadcaster, msgs MessageSender, opts ...GatewayOption) (*WSGateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if reg == nil || bc == nil || msgs == nil {
		return nil, errors.New("realtime: registry, broadcaster and message sender are required")
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = wsDefaultSendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = wsDefaultWriteTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = heartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = heartbeatTimeout
	}

	g := &WSGateway{
		log:            log,
		cfg:            cfg,
		originPatterns: originPatterns(cfg.AllowedOrigins),
		reg:            reg,
		bc:             bc,
		msgs:           msgs,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if cfg.RequireAuth && g.tokens == nil {
		return nil, errors.New("realtime: CHAT_WS_REQUIRE_AUTH needs a token verifier")
	}
	return g, nil
}

// Registry returns the connection registry shared with REST publishers.
func (g *WSGateway) Registry() *Registry { return g.reg }

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.reject("origin")
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		httpx.WriteError(w, http.StatusForbidden, "forbidden", "origin not allowed")
		return
	}

	authUser, err := g.authenticate(r)
	if err != nil {
		g.metrics.reject("auth")
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	conn.SetReadLimit(maxFrameBytes)

	client := NewClient(NewConnID(time.Now().UTC()), g.cfg.SendQueueSize)
	g.metrics.connOpened()
	defer g.metrics.connClosed()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &wsSession{
		g:        g,
		client:   client,
		authUser: authUser,
		log:      g.log.With("conn_id", client.ID),
	}

	var closeOnce sync.Once

	// shutdown is idempotent. Registry removal happens before client.Close so broadcasters
	// never hold a connection that is being torn down.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.reg.Unregister(client)
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case frame := <-client.Frames():
				if err := writeFrame(ctx, conn, frame, g.cfg.WriteTimeout); err != nil {
					s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					s.log.Info("ws.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	g.reg.SendTo(client, v1.System{Message: welcomeMessage})
	s.log.Info("ws.open", "remote", r.RemoteAddr, "auth_user_id", authUser)

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

readLoop:
	for {
		// Reads block until the peer closes or the heartbeat gives up. Listen-only clients send
		// no data frames, so there is no idle deadline here.
		data, err := readFrame(ctx, conn)

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
			default:
				s.log.Info("ws.read.fail", "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
			}
			break readLoop
		}

		if !rl.Allow(time.Now().UTC()) {
			g.metrics.reject("rate_limited")
			// Written inline: the queued writer stops as soon as shutdown runs.
			if frame, err := v1.Encode(v1.Error{Code: "rate_limited", Message: "too many events"}); err == nil {
				_ = writeFrame(ctx, conn, frame, g.cfg.WriteTimeout)
			}
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		ev, err := v1.DecodeInbound(data)
		if err != nil {
			g.metrics.reject(dropReason(err))
			s.log.Warn("ws.frame.drop", "err", err, "bytes", len(data))
			continue readLoop
		}
		g.metrics.received(ev.EventType())
		s.dispatch(ctx, ev)
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	s.log.Info("ws.close", "user_id", s.userID, "dropped_frames", client.Dropped())
}

// authenticate verifies an optional bearer token from the Authorization header or the "token"
// query parameter (browsers cannot set headers on upgrades). It returns 0 when no token was sent
// and auth is not required.
func (g *WSGateway) authenticate(r *http.Request) (int64, error) {
	raw := httpx.BearerToken(r)
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if raw == "" {
		if g.cfg.RequireAuth {
			return 0, errors.New("missing token")
		}
		return 0, nil
	}
	if g.tokens == nil {
		return 0, errors.New("token auth not configured")
	}
	claims, err := g.tokens.Verify(raw, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return claims.UserID, nil
}

// wsSession is the per-connection state. It is only touched by the read loop goroutine.
type wsSession struct {
	g      *WSGateway
	client *Client
	log    *slog.Logger

	// authUser is the token subject (0 when the upgrade was anonymous).
	authUser int64
	// userID is non-zero once joined.
	userID int64
}

// dispatch routes one decoded event. A panic in a handler is contained to this connection.
func (s *wsSession) dispatch(ctx context.Context, ev v1.Inbound) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("ws.handler.panic", "type", ev.EventType(), "panic", fmt.Sprint(rec))
			s.sendError(chat.ErrInternal.Error(), "internal error")
		}
	}()

	switch ev := ev.(type) {
	case v1.Join:
		s.onJoin(ev)
	case v1.Send:
		s.onSend(ctx, ev)
	case v1.Typing:
		s.onTyping(ctx, ev)
	default:
		s.log.Warn("ws.event.unhandled", "type", ev.EventType())
	}
}

func (s *wsSession) onJoin(ev v1.Join) {
	if s.authUser != 0 && ev.UserID != s.authUser {
		s.log.Warn("ws.join.mismatch", "user_id", ev.UserID, "auth_user_id", s.authUser)
		s.sendError(chat.ErrForbidden.Error(), "userId does not match the authenticated user")
		return
	}

	first := s.g.reg.Register(ev.UserID, s.client)
	s.userID = ev.UserID
	s.log.Info("ws.join", "user_id", ev.UserID, "first_connection", first)

	s.g.reg.SendTo(s.client, v1.PresenceInit{Users: s.g.reg.ListOnline()})
}

func (s *wsSession) onSend(ctx context.Context, ev v1.Send) {
	// Every rejection names the send it answers.
	ref := v1.Error{ClientToken: ev.ClientToken, ConversationID: ev.ConversationID}

	if s.userID == 0 {
		s.reject(ref, "not_joined", "join first")
		return
	}
	if ev.UserID != s.userID {
		s.reject(ref, chat.ErrForbidden.Error(), "userId does not match the joined user")
		return
	}

	msg, dup, err := s.g.msgs.Send(ctx, chat.SendInput{
		SenderID:       s.userID,
		ConversationID: ev.ConversationID,
		Text:           ev.Text,
		Type:           chat.MessageType(ev.MessageType),
		ClientToken:    ev.ClientToken,
	})
	if err != nil {
		s.sendFailure(ref, "message", err)
		return
	}

	if dup {
		// The first attempt was already broadcast; only the retrying connection needs the echo.
		s.g.reg.SendTo(s.client, ChatEvent(msg))
		return
	}
	n := s.g.bc.Chat(ctx, msg)
	s.log.Debug("ws.message.sent", "message_id", msg.ID, "conversation_id", msg.ConversationID, "delivered", n)
}

func (s *wsSession) onTyping(ctx context.Context, ev v1.Typing) {
	if s.userID == 0 || ev.UserID != s.userID {
		s.log.Warn("ws.typing.drop", "user_id", ev.UserID, "joined_user_id", s.userID)
		return
	}
	s.g.bc.Typing(ctx, s.client, ev)
}

// sendFailure maps a domain error to an error event for this connection only.
func (s *wsSession) sendFailure(ref v1.Error, typ string, err error) {
	kind := chat.KindOf(err)
	if kind == chat.ErrInternal {
		s.log.Error("ws.handler.fail", "type", typ, "user_id", s.userID, "err", err)
	} else {
		s.log.Info("ws.handler.rejected", "type", typ, "user_id", s.userID, "err", err)
	}
	s.reject(ref, kind.Error(), chat.PublicMessage(err))
}

func (s *wsSession) reject(ref v1.Error, code, msg string) {
	ref.Code, ref.Message = code, msg
	s.g.reg.SendTo(s.client, ref)
}

func (s *wsSession) sendError(code, msg string) {
	s.reject(v1.Error{}, code, msg)
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, v1.ErrUnknownType):
		return "unknown_type"
	case errors.Is(err, v1.ErrInvalid):
		return "invalid"
	default:
		return "malformed"
	}
}

// ---- frame IO ----

func readFrame(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return nil, fmt.Errorf("unsupported message type: %v", mt)
	}
	return data, nil
}

func writeFrame(parent context.Context, conn *websocket.Conn, frame []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
