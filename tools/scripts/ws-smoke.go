// Package main is a CI-friendly end-to-end smoke run against a live chatrooms server.
//
// It validates:
//   - account creation and bearer tokens
//   - websocket join and presence_init
//   - send over the socket, fan-out to a second user, optimistic entry confirmation
//   - typing fan-out
//   - REST history catch-up and clientToken dedupe
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"chatrooms/shared/chatclient"
	v1 "chatrooms/shared/contracts/realtime/v1"
)

const globalConversationID int64 = 1

type account struct {
	ID       int64
	Username string
	Token    string
}

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header for the websocket handshake")
		text     = flag.String("text", "hello chatrooms 👋", "message text to send")
		password = flag.String("password", "smoke-test-password", "password for the throwaway accounts")
		timeout  = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose  = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	root := context.Background()

	suffix := fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000)
	alice := mustCreateAccount(root, *baseURL, "smoke_a_"+suffix, *password, *timeout)
	bob := mustCreateAccount(root, *baseURL, "smoke_b_"+suffix, *password, *timeout)

	a := mustConnect(root, *baseURL, *origin, alice, log, *timeout)
	defer func() { _ = a.Close() }()
	b := mustConnect(root, *baseURL, *origin, bob, log, *timeout)
	defer func() { _ = b.Close() }()

	if !b.Presence.IsOnline(alice.ID) && !waitPresence(b, alice.ID, *timeout) {
		fatalf("presence: %s not online for %s", alice.Username, bob.Username)
	}

	entry, err := a.Send(ctxTimeout(root, *timeout), globalConversationID, *text)
	if err != nil {
		fatalf("send: %v", err)
	}
	seen := mustReadChat(b, entry.ClientToken, *timeout)
	mustReadChat(a, entry.ClientToken, *timeout)
	if !confirmed(a.Timeline(globalConversationID), entry.ClientToken) {
		fatalf("optimistic entry %s not confirmed", entry.ClientToken)
	}

	if err := a.SendTyping(ctxTimeout(root, *timeout), globalConversationID); err != nil {
		fatalf("typing: %v", err)
	}
	mustReadTyping(b, alice.ID, *timeout)

	fresh, err := chatclient.New(chatclient.Config{BaseURL: *baseURL, Token: bob.Token, UserID: bob.ID, Username: bob.Username})
	if err != nil {
		fatalf("history client: %v", err)
	}
	n, err := fresh.History(ctxTimeout(root, *timeout), globalConversationID)
	if err != nil {
		fatalf("history: %v", err)
	}
	if fresh.Timeline(globalConversationID).LastID() < seen.ID {
		fatalf("history: last id %d < sent id %d (loaded %d)", fresh.Timeline(globalConversationID).LastID(), seen.ID, n)
	}

	again, err := a.PostMessage(ctxTimeout(root, *timeout), globalConversationID, *text, entry.ClientToken)
	if err != nil {
		fatalf("dedupe post: %v", err)
	}
	if again.ID != seen.ID {
		fatalf("dedupe: id mismatch first=%d second=%d", seen.ID, again.ID)
	}

	fmt.Printf("OK: a=%s b=%s conversation=%d message_id=%d history=%d\n",
		alice.Username, bob.Username, globalConversationID, seen.ID, n)
}

func mustCreateAccount(parent context.Context, base, username, password string, timeout time.Duration) account {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctxTimeout(parent, timeout), http.MethodPost,
		strings.TrimRight(base, "/")+"/auth/create", bytes.NewReader(body))
	if err != nil {
		fatalf("create %s: %v", username, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("create %s: %v", username, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		fatalf("create %s: status=%d body=%s", username, resp.StatusCode, raw)
	}

	var out struct {
		User struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		fatalf("create %s: decode: %v", username, err)
	}
	return account{ID: out.User.ID, Username: out.User.Username, Token: out.Token}
}

func mustConnect(parent context.Context, base, origin string, acct account, log *slog.Logger, timeout time.Duration) *chatclient.Conn {
	c, err := chatclient.New(chatclient.Config{
		BaseURL:  base,
		Token:    acct.Token,
		UserID:   acct.ID,
		Username: acct.Username,
		Origin:   origin,
		Logger:   log.With("who", acct.Username),
	})
	if err != nil {
		fatalf("client %s: %v", acct.Username, err)
	}
	if err := c.Connect(ctxTimeout(parent, timeout)); err != nil {
		fatalf("connect %s: %v", acct.Username, err)
	}
	return c
}

func waitPresence(c *chatclient.Conn, userID int64, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if p, ok := ev.(v1.Presence); ok && p.UserID == userID && p.Online {
				return true
			}
		case <-deadline:
			return c.Presence.IsOnline(userID)
		}
	}
}

func mustReadChat(c *chatclient.Conn, clientToken string, timeout time.Duration) v1.ChatMessage {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if m, ok := ev.(v1.Chat); ok && m.Message.ClientToken == clientToken {
				return m.Message
			}
			if e, ok := ev.(v1.Error); ok {
				fatalf("server error: %s: %s", e.Code, e.Message)
			}
		case <-deadline:
			fatalf("timeout waiting for chat %s", clientToken)
		}
	}
}

func mustReadTyping(c *chatclient.Conn, from int64, timeout time.Duration) {
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.Events():
			if t, ok := ev.(v1.Typing); ok && t.UserID == from {
				return
			}
		case <-deadline:
			fatalf("timeout waiting for typing from %d", from)
		}
	}
}

func confirmed(tl *chatclient.Timeline, clientToken string) bool {
	for _, e := range tl.Entries() {
		if e.ClientToken == clientToken || e.Message.ClientToken == clientToken {
			return e.State == chatclient.StateConfirmed
		}
	}
	return false
}

// ctxTimeout leaks its cancel func; the process is short-lived.
func ctxTimeout(parent context.Context, d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(parent, d) //nolint:govet
	return ctx
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
