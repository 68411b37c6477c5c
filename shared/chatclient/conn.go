package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	v1 "chatrooms/shared/contracts/realtime/v1"
)

// Subprotocol matches the server gateway.
const Subprotocol = "chatrooms.v1"

const (
	maxReadBytes = 1 << 20
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
)

// ErrNotConnected is returned by live-only operations while the socket is down.
var ErrNotConnected = errors.New("chatclient: not connected")

// APIError is a non-2xx REST response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatclient: http %d %s: %s", e.Status, e.Code, e.Message)
}

// Config identifies the server and the signed-in user.
type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL  string
	Token    string
	UserID   int64
	Username string

	// Origin is sent on the upgrade request when set.
	Origin string

	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Conn is one signed-in client. It routes live events into Timelines, a TypingTracker and a
// Presence set, and falls back to REST for sends while the socket is down.
type Conn struct {
	cfg  Config
	base *url.URL
	http *http.Client
	log  *slog.Logger

	Presence *Presence
	Typing   *TypingTracker

	mu        sync.Mutex
	ws        *websocket.Conn
	timelines map[int64]*Timeline

	events chan v1.Outbound
}

// New validates cfg. It does not touch the network; call Connect for the live channel.
func New(cfg Config) (*Conn, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("chatclient: invalid base url %q", cfg.BaseURL)
	}
	if cfg.UserID <= 0 {
		return nil, errors.New("chatclient: user id is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Conn{
		cfg:       cfg,
		base:      base,
		http:      cfg.HTTPClient,
		log:       cfg.Logger.With("user_id", cfg.UserID),
		Presence:  NewPresence(),
		Typing:    NewTypingTracker(TypingTTL, cfg.Now),
		timelines: make(map[int64]*Timeline),
		events:    make(chan v1.Outbound, eventBuffer),
	}, nil
}

// Events delivers every decoded server event after it has been applied to the state holders.
// Events are dropped when the buffer is full.
func (c *Conn) Events() <-chan v1.Outbound { return c.events }

// Timeline returns the view of a conversation, creating it on first use.
func (c *Conn) Timeline(conversationID int64) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		c.timelines[conversationID] = tl
	}
	return tl
}

// Connected reports whether the live socket is up.
func (c *Conn) Connected() bool { return c.socket() != nil }

// Connect opens the socket, joins as the configured user and waits for presence_init.
func (c *Conn) Connect(ctx context.Context) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"

	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Origin != "" {
		h.Set("Origin", c.cfg.Origin)
	}

	ws, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("chatclient: dial: %w", err)
	}
	ws.SetReadLimit(maxReadBytes)

	ready := make(chan struct{})
	c.mu.Lock()
	if old := c.ws; old != nil {
		_ = old.CloseNow()
	}
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws, ready)

	if err := c.write(ctx, ws, v1.Join{UserID: c.cfg.UserID}); err != nil {
		c.dropSocket(ws)
		return fmt.Errorf("chatclient: join: %w", err)
	}

	select {
	case <-ready:
		c.log.Info("chatclient.joined", "online", len(c.Presence.Online()))
		return nil
	case <-ctx.Done():
		c.dropSocket(ws)
		return ctx.Err()
	}
}

// Close shuts the socket down.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.Close(websocket.StatusNormalClosure, "bye")
}

// Send adds an optimistic entry and sends the message over the socket, or over REST when the
// socket is down or the write fails. A REST failure or a server error event naming the entry's
// clientToken marks it failed.
func (c *Conn) Send(ctx context.Context, conversationID int64, text string) (Entry, error) {
	token := NewClientToken()
	tl := c.Timeline(conversationID)
	entry := tl.AddPending(token, text, v1.Sender{ID: c.cfg.UserID, Username: c.cfg.Username}, c.cfg.Now())

	if ws := c.socket(); ws != nil {
		err := c.write(ctx, ws, v1.Send{
			UserID:         c.cfg.UserID,
			ConversationID: conversationID,
			Text:           text,
			ClientToken:    token,
		})
		if err == nil {
			return entry, nil
		}
		c.log.Warn("chatclient.ws.send.fail", "conversation_id", conversationID, "err", err)
		c.dropSocket(ws)
	}

	msg, err := c.PostMessage(ctx, conversationID, text, token)
	if err != nil {
		tl.Fail(token)
		return entry, err
	}
	tl.Confirm(msg)
	return entry, nil
}

// SendTyping emits a typing notice. It needs the live socket.
func (c *Conn) SendTyping(ctx context.Context, conversationID int64) error {
	ws := c.socket()
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ctx, ws, v1.Typing{UserID: c.cfg.UserID, Username: c.cfg.Username, ConversationID: conversationID})
}

// History fetches messages newer than the timeline's last confirmed id and merges them. It is
// how a client catches up after a reconnect.
func (c *Conn) History(ctx context.Context, conversationID int64) (int, error) {
	tl := c.Timeline(conversationID)

	q := url.Values{}
	if after := tl.LastID(); after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	var out struct {
		Messages []v1.ChatMessage `json:"messages"`
	}
	path := "/messages/" + strconv.FormatInt(conversationID, 10)
	if err := c.do(ctx, http.MethodGet, path, q, nil, &out); err != nil {
		return 0, err
	}
	return tl.Load(out.Messages), nil
}

// PostMessage sends a message over REST.
func (c *Conn) PostMessage(ctx context.Context, conversationID int64, text, clientToken string) (v1.ChatMessage, error) {
	body := map[string]any{"text": text, "conversationId": conversationID}
	if clientToken != "" {
		body["clientToken"] = clientToken
	}
	var out struct {
		Message v1.ChatMessage `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/messages", nil, body, &out); err != nil {
		return v1.ChatMessage{}, err
	}
	return out.Message, nil
}

// MarkRead confirms reading a conversation and returns (updatedCount, unreadCount).
func (c *Conn) MarkRead(ctx context.Context, conversationID int64) (int, int, error) {
	var out struct {
		UpdatedCount int `json:"updatedCount"`
		UnreadCount  int `json:"unreadCount"`
	}
	path := "/messages/" + strconv.FormatInt(conversationID, 10) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, map[string]bool{"confirm": true}, &out); err != nil {
		return 0, 0, err
	}
	return out.UpdatedCount, out.UnreadCount, nil
}

func (c *Conn) readLoop(ws *websocket.Conn, ready chan struct{}) {
	var readyOnce sync.Once
	for {
		_, data, err := ws.Read(context.Background())
		if err != nil {
			c.log.Info("chatclient.ws.closed", "close_status", websocket.CloseStatus(err))
			c.dropSocket(ws)
			return
		}
		ev, err := v1.DecodeOutbound(data)
		if err != nil {
			c.log.Warn("chatclient.ws.frame.drop", "err", err)
			continue
		}
		c.route(ev)
		if _, ok := ev.(v1.PresenceInit); ok {
			readyOnce.Do(func() { close(ready) })
		}

		select {
		case c.events <- ev:
		default:
		}
	}
}

func (c *Conn) route(ev v1.Outbound) {
	switch ev := ev.(type) {
	case v1.Chat:
		c.Timeline(ev.Message.ConversationID).Confirm(ev.Message)
		if ev.Message.SenderID != nil {
			c.Typing.Clear(ev.Message.ConversationID, *ev.Message.SenderID)
		}
	case v1.Typing:
		if ev.UserID != c.cfg.UserID {
			c.Typing.Observe(ev)
		}
	case v1.PresenceInit, v1.Presence:
		c.Presence.Apply(ev)
	case v1.Error:
		c.log.Warn("chatclient.server.error", "code", ev.Code, "message", ev.Message, "client_token", ev.ClientToken)
		if ev.ClientToken != "" {
			c.failPending(ev.ConversationID, ev.ClientToken)
		}
	case v1.System:
		c.log.Debug("chatclient.server.system", "message", ev.Message, "conversation_id", ev.ConversationID)
		if ev.ConversationID != 0 {
			c.forget(ev.ConversationID)
		}
	}
}

// failPending marks a rejected live send failed. Without a conversation id every timeline is
// searched for the token.
func (c *Conn) failPending(conversationID int64, clientToken string) {
	if conversationID != 0 {
		c.Timeline(conversationID).Fail(clientToken)
		return
	}
	c.mu.Lock()
	tls := make([]*Timeline, 0, len(c.timelines))
	for _, tl := range c.timelines {
		tls = append(tls, tl)
	}
	c.mu.Unlock()
	for _, tl := range tls {
		if tl.Fail(clientToken) {
			return
		}
	}
}

// forget drops the local view of a deleted conversation.
func (c *Conn) forget(conversationID int64) {
	c.mu.Lock()
	delete(c.timelines, conversationID)
	c.mu.Unlock()
}

func (c *Conn) socket() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws
}

// dropSocket forgets ws if it is still the current socket.
func (c *Conn) dropSocket(ws *websocket.Conn) {
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.CloseNow()
}

func (c *Conn) write(ctx context.Context, ws *websocket.Conn, ev v1.Inbound) error {
	b, err := v1.Encode(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, b)
}

func (c *Conn) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &APIError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
