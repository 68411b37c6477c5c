package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrooms/cmd/identity"
	"chatrooms/cmd/internal/dbschema/dbtest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type env struct {
	svc   *Service
	store Store
	users identity.Store
	clock *fakeClock
}

func (e *env) user(t *testing.T, name string) int64 {
	t.Helper()
	u, err := e.users.CreateUser(context.Background(), identity.CreateUserInput{Username: name})
	require.NoError(t, err)
	return u.ID
}

func (e *env) conversation(t *testing.T, creator int64, others ...int64) int64 {
	t.Helper()
	c, created, err := e.svc.CreateConversation(context.Background(), CreateInput{CreatorID: creator, UserIDs: others})
	require.NoError(t, err)
	require.True(t, created)
	return c.ID
}

func (e *env) send(t *testing.T, sender, conv int64, text string) Message {
	t.Helper()
	m, dup, err := e.svc.Send(context.Background(), SendInput{SenderID: sender, ConversationID: conv, Text: text})
	require.NoError(t, err)
	require.False(t, dup)
	return m
}

type backend func(t *testing.T) (Store, identity.Store)

func memoryBackend(t *testing.T) (Store, identity.Store) {
	users := identity.NewMemoryStore()
	return NewMemoryStore(users), users
}

func postgresBackend(t *testing.T) (Store, identity.Store) {
	pool, schema := dbtest.Schema(t)
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	require.NoError(t, err)
	st, err := NewPostgresStore(pool, WithSchema(schema))
	require.NoError(t, err)
	return st, users
}

func newEnv(t *testing.T, b backend) *env {
	t.Helper()
	st, users := b(t)
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)), st, users, WithClock(clock.Now))
	require.NoError(t, err)
	return &env{svc: svc, store: st, users: users, clock: clock}
}

func TestService_Memory(t *testing.T)   { runServiceSuite(t, memoryBackend) }
func TestService_Postgres(t *testing.T) { runServiceSuite(t, postgresBackend) }

func runServiceSuite(t *testing.T, b backend) {
	ctx := context.Background()

	t.Run("send creates message and receipts for every member", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob := e.user(t, "alice"), e.user(t, "bob")
		conv := e.conversation(t, alice, bob)

		sent := e.send(t, alice, conv, "hello")
		require.NotNil(t, sent.Sender)
		require.Equal(t, alice, sent.Sender.ID)
		require.Equal(t, "alice", sent.Sender.Username)
		require.Equal(t, MessageText, sent.Type)

		msgs, err := e.svc.Messages(ctx, bob, ListMessagesInput{ConversationID: conv})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.Equal(t, "hello", msgs[0].Text)
		require.Equal(t, alice, msgs[0].Sender.ID)

		rs, err := e.svc.Receipts(ctx, bob, conv)
		require.NoError(t, err)
		require.Len(t, rs, 2)
		for _, r := range rs {
			require.Equal(t, sent.ID, r.MessageID)
			switch r.UserID {
			case alice:
				require.True(t, r.IsRead)
				require.NotNil(t, r.ReadAt)
			case bob:
				require.False(t, r.IsRead)
				require.Nil(t, r.ReadAt)
			default:
				t.Fatalf("unexpected receipt for user %d", r.UserID)
			}
		}
	})

	t.Run("receipt count equals membership at send time", func(t *testing.T) {
		e := newEnv(t, b)
		a, bb, c, d := e.user(t, "ann"), e.user(t, "ben"), e.user(t, "cat"), e.user(t, "dan")
		conv := e.conversation(t, a, bb, c)

		m1 := e.send(t, a, conv, "three of us")
		_, err := e.svc.AddMember(ctx, a, conv, d)
		require.NoError(t, err)
		m2 := e.send(t, bb, conv, "four of us")

		rs, err := e.svc.Receipts(ctx, a, conv)
		require.NoError(t, err)
		count := map[int64]int{}
		for _, r := range rs {
			count[r.MessageID]++
		}
		require.Equal(t, 3, count[m1.ID])
		require.Equal(t, 4, count[m2.ID])

		g := e.send(t, c, GlobalConversationID, "hi everyone")
		grs, err := e.svc.Receipts(ctx, d, GlobalConversationID)
		require.NoError(t, err)
		n := 0
		for _, r := range grs {
			if r.MessageID == g.ID {
				n++
				require.Equal(t, r.UserID == c, r.IsRead)
			}
		}
		require.Equal(t, 4, n)
	})

	t.Run("createdAt is non-decreasing and history keeps send order", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob := e.user(t, "alice"), e.user(t, "bob")
		conv := e.conversation(t, alice, bob)

		base := e.clock.Now()
		e.clock.Set(base.Add(10 * time.Second))
		m1 := e.send(t, alice, conv, "first")
		e.clock.Set(base)
		m2 := e.send(t, bob, conv, "second")
		require.False(t, m2.CreatedAt.Before(m1.CreatedAt))

		msgs, err := e.svc.Messages(ctx, alice, ListMessagesInput{ConversationID: conv})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		require.Equal(t, m1.ID, msgs[0].ID)
		require.Equal(t, m2.ID, msgs[1].ID)

		after, err := e.svc.Messages(ctx, alice, ListMessagesInput{ConversationID: conv, AfterID: m1.ID})
		require.NoError(t, err)
		require.Len(t, after, 1)
		require.Equal(t, m2.ID, after[0].ID)
	})

	t.Run("concurrent sends are totally ordered", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob := e.user(t, "alice"), e.user(t, "bob")
		conv := e.conversation(t, alice, bob)

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				sender := alice
				if i%2 == 1 {
					sender = bob
				}
				_, _, err := e.svc.Send(ctx, SendInput{SenderID: sender, ConversationID: conv, Text: fmt.Sprintf("m%d", i)})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		msgs, err := e.svc.Messages(ctx, alice, ListMessagesInput{ConversationID: conv})
		require.NoError(t, err)
		require.Len(t, msgs, n)
		for i := 1; i < len(msgs); i++ {
			require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
			require.Greater(t, msgs[i].ID, msgs[i-1].ID)
		}
	})

	t.Run("markRead needs confirm and is idempotent", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob := e.user(t, "alice"), e.user(t, "bob")
		conv := e.conversation(t, alice, bob)
		e.send(t, alice, conv, "hello")

		_, err := e.svc.MarkRead(ctx, bob, conv, false)
		require.ErrorIs(t, err, ErrValidation)

		before, err := e.svc.UnreadCount(ctx, bob)
		require.NoError(t, err)
		require.Equal(t, 1, before)

		by, err := e.svc.UnreadByConversation(ctx, bob)
		require.NoError(t, err)
		require.Equal(t, map[int64]int{conv: 1}, by)

		first, err := e.svc.MarkRead(ctx, bob, conv, true)
		require.NoError(t, err)
		require.Equal(t, 1, first.UpdatedCount)
		require.Equal(t, 0, first.UnreadCount)

		second, err := e.svc.MarkRead(ctx, bob, conv, true)
		require.NoError(t, err)
		require.Equal(t, 0, second.UpdatedCount)
		require.LessOrEqual(t, second.UnreadCount, first.UnreadCount)

		list, err := e.svc.Conversations(ctx, bob)
		require.NoError(t, err)
		found := false
		for _, c := range list {
			if c.ID == conv {
				found = true
				require.Equal(t, 0, c.UnreadCount)
				require.Equal(t, 1, c.MessageCount)
				require.Len(t, c.Users, 2)
			}
		}
		require.True(t, found)
	})

	t.Run("non-members are forbidden", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob, carol := e.user(t, "alice"), e.user(t, "bob"), e.user(t, "carol")
		conv := e.conversation(t, alice, bob)

		_, err := e.svc.Messages(ctx, carol, ListMessagesInput{ConversationID: conv})
		require.ErrorIs(t, err, ErrForbidden)

		_, _, err = e.svc.Send(ctx, SendInput{SenderID: carol, ConversationID: conv, Text: "let me in"})
		require.ErrorIs(t, err, ErrForbidden)

		_, err = e.svc.Receipts(ctx, carol, conv)
		require.ErrorIs(t, err, ErrForbidden)

		_, err = e.svc.MarkRead(ctx, carol, conv, true)
		require.ErrorIs(t, err, ErrForbidden)

		_, _, err = e.svc.Send(ctx, SendInput{SenderID: carol, ConversationID: 9999, Text: "anyone?"})
		require.ErrorIs(t, err, ErrNotFound)

		ok, err := e.svc.IsMember(ctx, carol, GlobalConversationID)
		require.NoError(t, err)
		require.True(t, ok)
		ok, err = e.svc.IsMember(ctx, carol, conv)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("send validation", func(t *testing.T) {
		e := newEnv(t, b)
		alice := e.user(t, "alice")

		cases := []SendInput{
			{SenderID: alice, ConversationID: GlobalConversationID, Text: "   "},
			{SenderID: alice, ConversationID: GlobalConversationID, Text: strings.Repeat("x", MaxTextRunes+1)},
			{SenderID: alice, ConversationID: GlobalConversationID, Text: "sys", Type: MessageSystem},
			{SenderID: alice, ConversationID: 0, Text: "hi"},
			{SenderID: alice, ConversationID: GlobalConversationID, Text: "hi", ClientToken: strings.Repeat("t", MaxClientTokenLen+1)},
		}
		for _, in := range cases {
			_, _, err := e.svc.Send(ctx, in)
			require.ErrorIs(t, err, ErrValidation, "input %+v", in)
		}

		_, _, err := e.svc.Send(ctx, SendInput{ConversationID: GlobalConversationID, Text: "hi"})
		require.ErrorIs(t, err, ErrUnauthorized)

		m, _, err := e.svc.Send(ctx, SendInput{SenderID: alice, ConversationID: GlobalConversationID, Text: "https://x/y.png", Type: MessageImage})
		require.NoError(t, err)
		require.Equal(t, MessageImage, m.Type)
	})

	t.Run("client token deduplicates retries", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob := e.user(t, "alice"), e.user(t, "bob")
		conv := e.conversation(t, alice, bob)

		in := SendInput{SenderID: alice, ConversationID: conv, Text: "once", ClientToken: "tok-1"}
		first, dup, err := e.svc.Send(ctx, in)
		require.NoError(t, err)
		require.False(t, dup)
		require.Equal(t, "tok-1", first.ClientToken)

		again, dup, err := e.svc.Send(ctx, in)
		require.NoError(t, err)
		require.True(t, dup)
		require.Equal(t, first.ID, again.ID)

		msgs, err := e.svc.Messages(ctx, bob, ListMessagesInput{ConversationID: conv})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
	})

	t.Run("removing the only other member deletes the conversation", func(t *testing.T) {
		e := newEnv(t, b)
		owner, bob := e.user(t, "owner"), e.user(t, "bob")
		conv := e.conversation(t, owner, bob)

		r, err := e.svc.RemoveMember(ctx, owner, conv, bob)
		require.NoError(t, err)
		require.True(t, r.Deleted)
		require.Positive(t, r.Message.ID)
		require.Equal(t, MessageSystem, r.Message.Type)
		require.Equal(t, "bob was removed from the conversation", r.Message.Text)
		require.ElementsMatch(t, []int64{owner, bob}, r.Audience.Users)

		_, err = e.store.GetConversation(ctx, conv)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = e.svc.MembersOf(ctx, conv)
		require.ErrorIs(t, err, ErrNotFound)

		for _, uid := range []int64{owner, bob} {
			list, err := e.svc.Conversations(ctx, uid)
			require.NoError(t, err)
			for _, c := range list {
				require.NotEqual(t, conv, c.ID)
			}
		}
	})

	t.Run("global conversation cannot be left or deleted", func(t *testing.T) {
		e := newEnv(t, b)
		alice := e.user(t, "alice")

		_, err := e.svc.Leave(ctx, alice, GlobalConversationID)
		require.ErrorIs(t, err, ErrValidation)
		_, err = e.svc.Delete(ctx, alice, GlobalConversationID)
		require.ErrorIs(t, err, ErrForbidden)

		conv, err := e.store.GetConversation(ctx, GlobalConversationID)
		require.NoError(t, err)
		require.True(t, conv.IsGlobal)

		members, err := e.svc.MembersOf(ctx, GlobalConversationID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		require.Equal(t, RoleMember, members[0].Role)
	})

	t.Run("owner leaving promotes the oldest member", func(t *testing.T) {
		e := newEnv(t, b)
		owner, bob, carol := e.user(t, "owner"), e.user(t, "bob"), e.user(t, "carol")
		conv := e.conversation(t, owner, bob, carol)

		r, err := e.svc.Leave(ctx, owner, conv)
		require.NoError(t, err)
		require.False(t, r.Deleted)
		require.Equal(t, bob, r.PromotedUserID)
		require.Equal(t, "owner left the conversation", r.Message.Text)

		m, err := e.store.GetMember(ctx, conv, bob)
		require.NoError(t, err)
		require.Equal(t, RoleOwner, m.Role)

		_, err = e.svc.Rename(ctx, bob, conv, "  bob's room ")
		require.NoError(t, err)
		got, err := e.store.GetConversation(ctx, conv)
		require.NoError(t, err)
		require.Equal(t, "bob's room", *got.Name)
	})

	t.Run("membership mutations enforce roles", func(t *testing.T) {
		e := newEnv(t, b)
		owner, bob, carol, dave := e.user(t, "owner"), e.user(t, "bob"), e.user(t, "carol"), e.user(t, "dave")
		conv := e.conversation(t, owner, bob)

		_, err := e.svc.AddMember(ctx, bob, conv, carol)
		require.ErrorIs(t, err, ErrForbidden)
		_, err = e.svc.AddMember(ctx, dave, conv, carol)
		require.ErrorIs(t, err, ErrForbidden)

		msg, err := e.svc.AddMember(ctx, owner, conv, carol)
		require.NoError(t, err)
		require.Equal(t, "carol joined the conversation", msg.Text)
		require.Nil(t, msg.SenderID)

		_, err = e.svc.AddMember(ctx, owner, conv, carol)
		require.ErrorIs(t, err, ErrConflict)
		_, err = e.svc.AddMember(ctx, owner, conv, 424242)
		require.ErrorIs(t, err, ErrNotFound)

		_, err = e.svc.RemoveMember(ctx, bob, conv, carol)
		require.ErrorIs(t, err, ErrForbidden)
		_, err = e.svc.Rename(ctx, bob, conv, "mine")
		require.ErrorIs(t, err, ErrForbidden)
		_, err = e.svc.Rename(ctx, owner, conv, "  ")
		require.ErrorIs(t, err, ErrValidation)
		_, err = e.svc.Delete(ctx, bob, conv)
		require.ErrorIs(t, err, ErrForbidden)

		// The system message has receipts like any other message, unread for everyone.
		unread, err := e.svc.UnreadCount(ctx, carol)
		require.NoError(t, err)
		require.Equal(t, 1, unread)

		audience, err := e.svc.Delete(ctx, owner, conv)
		require.NoError(t, err)
		require.ElementsMatch(t, []int64{owner, bob, carol}, audience.Users)
		_, err = e.store.GetConversation(ctx, conv)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create returns the existing direct conversation", func(t *testing.T) {
		e := newEnv(t, b)
		alice, bob, carol := e.user(t, "alice"), e.user(t, "bob"), e.user(t, "carol")

		first := e.conversation(t, alice, bob)
		again, created, err := e.svc.CreateConversation(ctx, CreateInput{CreatorID: bob, UserIDs: []int64{alice}})
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first, again.ID)

		group := e.conversation(t, alice, bob, carol)
		require.NotEqual(t, first, group)

		_, _, err = e.svc.CreateConversation(ctx, CreateInput{CreatorID: alice, UserIDs: nil})
		require.ErrorIs(t, err, ErrValidation)
		_, _, err = e.svc.CreateConversation(ctx, CreateInput{CreatorID: alice, UserIDs: []int64{alice}})
		require.ErrorIs(t, err, ErrValidation)
		_, _, err = e.svc.CreateConversation(ctx, CreateInput{CreatorID: alice, UserIDs: []int64{9999}})
		require.ErrorIs(t, err, ErrNotFound)

		list, err := e.svc.Conversations(ctx, alice)
		require.NoError(t, err)
		require.Len(t, list, 3)
		pos := map[int64]int{}
		for i, c := range list {
			pos[c.ID] = i
		}
		require.Contains(t, pos, GlobalConversationID)
		require.Less(t, pos[group], pos[first], "newest conversation first")

		owner, err := e.store.GetMember(ctx, group, alice)
		require.NoError(t, err)
		require.Equal(t, RoleOwner, owner.Role)
	})
}

func TestPublicMessage(t *testing.T) {
	err := internal("chat.Send", errors.New("connection reset by peer"))
	require.ErrorIs(t, err, ErrInternal)
	require.Equal(t, "internal error", PublicMessage(err))
	require.Contains(t, err.Error(), "connection reset")

	err = forbidden("chat.Access", "not a member of this conversation")
	require.Equal(t, ErrForbidden, KindOf(err))
	require.Equal(t, "not a member of this conversation", PublicMessage(err))
	require.Equal(t, err, internal("chat.Messages", err))
}

func TestCanAccess(t *testing.T) {
	require.True(t, CanAccess(Conversation{IsGlobal: true}, ""))
	require.True(t, CanAccess(Conversation{}, RoleMember))
	require.False(t, CanAccess(Conversation{}, ""))
}
