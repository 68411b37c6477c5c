package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrooms/cmd/identity"
	"chatrooms/cmd/internal/auth/session"
	"chatrooms/cmd/internal/chat"
)

type published struct {
	msg      chat.Message
	audience *chat.Audience
}

type recordingPublisher struct {
	mu      sync.Mutex
	got     []published
	deleted []chat.Audience
}

func (p *recordingPublisher) Chat(_ context.Context, msg chat.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{msg: msg})
	return 1
}

func (p *recordingPublisher) ChatTo(a chat.Audience, msg chat.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{msg: msg, audience: &a})
	return len(a.Users)
}

func (p *recordingPublisher) ConversationDeleted(a chat.Audience) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, a)
	return len(a.Users)
}

func (p *recordingPublisher) deletions() []chat.Audience {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chat.Audience(nil), p.deleted...)
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.got...)
}

type testAPI struct {
	srv    *httptest.Server
	users  *identity.MemoryStore
	tokens session.AccessTokenManager
	pub    *recordingPublisher
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	users := identity.NewMemoryStore()
	svc, err := chat.NewService(log, chat.NewMemoryStore(users), users)
	require.NoError(t, err)

	scfg := session.DefaultConfig()
	scfg.Secret = []byte(strings.Repeat("k", 32))
	tokens, err := session.NewJWTManager(scfg)
	require.NoError(t, err)

	pub := &recordingPublisher{}
	h, err := NewHandler(log, svc, users, tokens, WithPublisher(pub))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testAPI{srv: srv, users: users, tokens: tokens, pub: pub}
}

// account creates a user and returns its id and a bearer token.
func (a *testAPI) account(t *testing.T, name string) (int64, string) {
	t.Helper()
	u, err := a.users.CreateUser(context.Background(), identity.CreateUserInput{Username: name, Now: time.Now().UTC()})
	require.NoError(t, err)
	tok, _, err := a.tokens.Issue(u.ID, u.Username, time.Now().UTC())
	require.NoError(t, err)
	return u.ID, tok
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func expectStatus(t *testing.T, resp *http.Response, status int) {
	t.Helper()
	if resp.StatusCode != status {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected %d, got %d: %s", status, resp.StatusCode, b)
	}
}

func closeBody(resp *http.Response) { _ = resp.Body.Close() }

func TestChatAPI_RequiresToken(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/messages", "/conversations", "/users"} {
		resp := api.do(t, http.MethodGet, path, "", nil)
		expectStatus(t, resp, http.StatusUnauthorized)
		closeBody(resp)
	}
}

func TestChatAPI_SendListAndReceipts(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceTok := api.account(t, "alice")
	bob, bobTok := api.account(t, "bob")
	_, carolTok := api.account(t, "carol")

	resp := api.do(t, http.MethodPost, "/conversations", aliceTok, map[string]any{"userIds": []int64{bob}})
	expectStatus(t, resp, http.StatusCreated)
	conv := decode[conversationResponse](t, resp).Conversation

	// Asking again for the same pair returns the existing conversation.
	resp = api.do(t, http.MethodPost, "/conversations", bobTok, map[string]any{"userIds": []int64{alice}})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, conv.ID, decode[conversationResponse](t, resp).Conversation.ID)

	resp = api.do(t, http.MethodPost, "/messages", aliceTok, map[string]any{"text": "hi bob", "conversationId": conv.ID, "clientToken": "c-1"})
	expectStatus(t, resp, http.StatusOK)
	sent := decode[messageResponse](t, resp).Message
	require.Equal(t, "hi bob", sent.Text)
	require.Equal(t, chat.MessageText, sent.Type)
	require.Equal(t, "alice", sent.Sender.Username)
	require.Equal(t, "c-1", sent.ClientToken)

	// The retry is answered from storage and not published twice.
	resp = api.do(t, http.MethodPost, "/messages", aliceTok, map[string]any{"text": "hi bob", "conversationId": conv.ID, "clientToken": "c-1"})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, sent.ID, decode[messageResponse](t, resp).Message.ID)
	require.Len(t, api.pub.all(), 1)

	resp = api.do(t, http.MethodGet, "/conversations", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	convs := decode[conversationsResponse](t, resp).Conversations
	var found bool
	for _, c := range convs {
		if c.ID == conv.ID {
			found = true
			require.Equal(t, 1, c.UnreadCount)
			require.Equal(t, 1, c.MessageCount)
			require.Len(t, c.Users, 2)
		}
	}
	require.True(t, found)

	resp = api.do(t, http.MethodGet, "/messages/"+itoa(conv.ID)+"/receipts", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	rs := decode[receiptsResponse](t, resp).Receipts
	require.Len(t, rs, 2)
	for _, r := range rs {
		require.Equal(t, r.UserID == alice, r.IsRead)
	}

	resp = api.do(t, http.MethodPost, "/messages/"+itoa(conv.ID)+"/read", bobTok, map[string]any{})
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	resp = api.do(t, http.MethodPost, "/messages/"+itoa(conv.ID)+"/read", bobTok, map[string]any{"confirm": true})
	expectStatus(t, resp, http.StatusOK)
	read := decode[chat.ReadResult](t, resp)
	require.Equal(t, chat.ReadResult{UpdatedCount: 1, UnreadCount: 0}, read)

	resp = api.do(t, http.MethodPost, "/messages/"+itoa(conv.ID)+"/read", bobTok, map[string]any{"confirm": true})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, 0, decode[chat.ReadResult](t, resp).UpdatedCount)

	resp = api.do(t, http.MethodGet, "/messages/"+itoa(conv.ID), carolTok, nil)
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)

	resp = api.do(t, http.MethodGet, "/messages/"+itoa(conv.ID)+"/receipts", carolTok, nil)
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)

	// A rejected send publishes nothing.
	resp = api.do(t, http.MethodPost, "/messages", carolTok, map[string]any{"text": "let me in", "conversationId": conv.ID})
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)
	require.Len(t, api.pub.all(), 1)

	resp = api.do(t, http.MethodGet, "/messages/9999", aliceTok, nil)
	expectStatus(t, resp, http.StatusNotFound)
	closeBody(resp)

	resp = api.do(t, http.MethodGet, "/conversations/"+itoa(conv.ID)+"/messages", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	require.Len(t, decode[messagesResponse](t, resp).Messages, 1)
}

func TestChatAPI_GlobalMessagesAndPaging(t *testing.T) {
	api := newTestAPI(t)
	_, aliceTok := api.account(t, "alice")
	_, bobTok := api.account(t, "bob")

	var ids []int64
	for _, text := range []string{"one", "two", "three"} {
		resp := api.do(t, http.MethodPost, "/messages", aliceTok, map[string]any{"text": text})
		expectStatus(t, resp, http.StatusOK)
		m := decode[messageResponse](t, resp).Message
		require.Equal(t, chat.GlobalConversationID, m.ConversationID)
		ids = append(ids, m.ID)
	}

	resp := api.do(t, http.MethodGet, "/messages", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	all := decode[messagesResponse](t, resp).Messages
	require.Len(t, all, 3)
	require.Equal(t, "one", all[0].Text)

	resp = api.do(t, http.MethodGet, "/messages/1?after="+itoa(ids[0])+"&limit=1", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	page := decode[messagesResponse](t, resp).Messages
	require.Len(t, page, 1)
	require.Equal(t, ids[1], page[0].ID)

	resp = api.do(t, http.MethodGet, "/messages?limit=-2", bobTok, nil)
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	for _, body := range []map[string]any{
		{"text": "   "},
		{"text": strings.Repeat("x", chat.MaxTextRunes+1)},
		{"text": "sys", "messageType": "SYSTEM"},
		{"text": "x", "unknown": true},
	} {
		resp := api.do(t, http.MethodPost, "/messages", aliceTok, body)
		expectStatus(t, resp, http.StatusBadRequest)
		closeBody(resp)
	}
	require.Len(t, api.pub.all(), 3)
}

func TestChatAPI_Membership(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceTok := api.account(t, "alice")
	bob, bobTok := api.account(t, "bob")
	carol, _ := api.account(t, "carol")
	dave, _ := api.account(t, "dave")

	resp := api.do(t, http.MethodPost, "/conversations", aliceTok, map[string]any{"name": "trip", "userIds": []int64{bob, carol}})
	expectStatus(t, resp, http.StatusCreated)
	conv := decode[conversationResponse](t, resp).Conversation
	require.Equal(t, "trip", *conv.Name)

	resp = api.do(t, http.MethodPost, "/conversations", aliceTok, map[string]any{"userIds": []int64{}})
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	resp = api.do(t, http.MethodPost, "/conversations", aliceTok, map[string]any{"userIds": []int64{4242}})
	expectStatus(t, resp, http.StatusNotFound)
	closeBody(resp)

	// Members cannot manage.
	resp = api.do(t, http.MethodPost, "/conversations/add-member", bobTok, map[string]any{"conversationId": conv.ID, "userId": dave})
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)

	resp = api.do(t, http.MethodPost, "/conversations/add-member", aliceTok, map[string]any{"conversationId": conv.ID, "userId": dave})
	expectStatus(t, resp, http.StatusOK)
	added := decode[messageResponse](t, resp).Message
	require.Equal(t, chat.MessageSystem, added.Type)
	require.Equal(t, "dave joined the conversation", added.Text)

	resp = api.do(t, http.MethodPost, "/conversations/add-member", aliceTok, map[string]any{"conversationId": conv.ID, "userId": dave})
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	resp = api.do(t, http.MethodGet, "/conversations/"+itoa(conv.ID)+"/users", bobTok, nil)
	expectStatus(t, resp, http.StatusOK)
	members := decode[membersResponse](t, resp).Users
	require.Len(t, members, 4)

	resp = api.do(t, http.MethodPut, "/conversations/update-name", aliceTok, map[string]any{"conversationId": conv.ID, "name": "  road trip "})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, "road trip", *decode[conversationResponse](t, resp).Conversation.Name)

	resp = api.do(t, http.MethodPost, "/conversations/remove-member", aliceTok, map[string]any{"conversationId": conv.ID, "userId": carol})
	expectStatus(t, resp, http.StatusOK)
	removed := decode[membershipResponse](t, resp)
	require.Equal(t, "carol was removed from the conversation", removed.Message.Text)
	require.False(t, removed.ConversationDeleted)

	pubs := api.pub.all()
	last := pubs[len(pubs)-1]
	require.NotNil(t, last.audience)
	require.Contains(t, last.audience.Users, carol, "the removed user is told too")

	resp = api.do(t, http.MethodPost, "/conversations/leave", bobTok, map[string]any{"conversationId": conv.ID})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, "bob left the conversation", decode[membershipResponse](t, resp).Message.Text)

	resp = api.do(t, http.MethodPost, "/conversations/leave", bobTok, map[string]any{"conversationId": chat.GlobalConversationID})
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	resp = api.do(t, http.MethodDelete, "/conversations/"+itoa(chat.GlobalConversationID), aliceTok, nil)
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)
	require.Empty(t, api.pub.deletions())

	resp = api.do(t, http.MethodDelete, "/conversations/"+itoa(conv.ID), aliceTok, nil)
	expectStatus(t, resp, http.StatusOK)
	closeBody(resp)

	// The members at deletion time are told the conversation is gone.
	gone := api.pub.deletions()
	require.Len(t, gone, 1)
	require.Equal(t, conv.ID, gone[0].ConversationID)
	require.ElementsMatch(t, []int64{alice, dave}, gone[0].Users)

	resp = api.do(t, http.MethodGet, "/messages/"+itoa(conv.ID), aliceTok, nil)
	expectStatus(t, resp, http.StatusNotFound)
	closeBody(resp)
}

func TestChatAPI_LastMemberLeavingDeletesConversation(t *testing.T) {
	api := newTestAPI(t)
	_, aliceTok := api.account(t, "alice")
	bob, bobTok := api.account(t, "bob")

	resp := api.do(t, http.MethodPost, "/conversations", aliceTok, map[string]any{"userIds": []int64{bob}})
	expectStatus(t, resp, http.StatusCreated)
	conv := decode[conversationResponse](t, resp).Conversation

	resp = api.do(t, http.MethodPost, "/conversations/leave", aliceTok, map[string]any{"conversationId": conv.ID})
	expectStatus(t, resp, http.StatusOK)
	out := decode[membershipResponse](t, resp)
	require.True(t, out.ConversationDeleted)

	resp = api.do(t, http.MethodGet, "/conversations/"+itoa(conv.ID)+"/users", bobTok, nil)
	expectStatus(t, resp, http.StatusNotFound)
	closeBody(resp)
}

func TestChatAPI_Users(t *testing.T) {
	api := newTestAPI(t)
	alice, aliceTok := api.account(t, "alice")
	bob, _ := api.account(t, "bob")
	api.users.SetDiscoverable(bob, false)

	resp := api.do(t, http.MethodGet, "/users", aliceTok, nil)
	expectStatus(t, resp, http.StatusOK)
	users := decode[usersResponse](t, resp).Users
	require.Len(t, users, 1)
	require.Equal(t, alice, users[0].ID)

	resp = api.do(t, http.MethodGet, "/users/"+itoa(bob), aliceTok, nil)
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, "bob", decode[userResponse](t, resp).User.Username)

	resp = api.do(t, http.MethodGet, "/users/777", aliceTok, nil)
	expectStatus(t, resp, http.StatusNotFound)
	closeBody(resp)

	resp = api.do(t, http.MethodPatch, "/users/"+itoa(bob)+"/profile-picture", aliceTok, map[string]any{"profilePicture": "https://img/x.png"})
	expectStatus(t, resp, http.StatusForbidden)
	closeBody(resp)

	resp = api.do(t, http.MethodPatch, "/users/"+itoa(alice)+"/profile-picture", aliceTok, map[string]any{"profilePicture": " "})
	expectStatus(t, resp, http.StatusBadRequest)
	closeBody(resp)

	resp = api.do(t, http.MethodPatch, "/users/"+itoa(alice)+"/profile-picture", aliceTok, map[string]any{"profilePicture": "https://img/a.png"})
	expectStatus(t, resp, http.StatusOK)
	require.Equal(t, "https://img/a.png", *decode[userResponse](t, resp).User.ProfilePicture)

	resp = api.do(t, http.MethodPatch, "/users/last-seen", aliceTok, nil)
	expectStatus(t, resp, http.StatusNoContent)
	closeBody(resp)

	u, err := api.users.GetUser(context.Background(), alice)
	require.NoError(t, err)
	require.NotNil(t, u.LastSeen)
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
