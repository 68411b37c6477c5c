package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatrooms/cmd/internal/dbschema/dbtest"
	"chatrooms/cmd/security/password"
)

func testHasher() *Hasher {
	cfg := password.DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	return NewHasherWithConfig(cfg)
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		pool, schema := dbtest.Schema(t)
		s, err := NewPostgresStore(pool, WithSchema(schema))
		require.NoError(t, err)
		return s
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create and lookup case-insensitively", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		h, err := testHasher().Hash("hunter22-long")
		require.NoError(t, err)

		u, err := s.CreateUser(ctx, CreateUserInput{Username: " Alice ", PasswordHash: &h})
		require.NoError(t, err)
		require.Positive(t, u.ID)
		require.Equal(t, "Alice", u.Username)
		require.Equal(t, "alice", u.UsernameNorm)
		require.True(t, u.Discoverable)
		require.NotNil(t, u.ProfilePicture)
		require.Equal(t, DefaultProfilePicture("Alice"), *u.ProfilePicture)

		got, err := s.GetUserByUsername(ctx, "ALICE")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
		require.NotNil(t, got.PasswordHash)
		require.True(t, testHasher().Verify("hunter22-long", got.PasswordHash))

		_, err = s.CreateUser(ctx, CreateUserInput{Username: "aLiCe"})
		require.True(t, IsConflict(err), "expected conflict, got %v", err)
	})

	t.Run("validation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.CreateUser(ctx, CreateUserInput{Username: "   "})
		require.True(t, IsInvalidInput(err))
		_, err = s.CreateUser(ctx, CreateUserInput{Username: "two words"})
		require.True(t, IsInvalidInput(err))
	})

	t.Run("missing users", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.GetUser(ctx, 424242)
		require.True(t, IsNotFound(err))
		_, err = s.GetUserByUsername(ctx, "nobody")
		require.True(t, IsNotFound(err))
		require.True(t, IsNotFound(s.TouchLastSeen(ctx, 424242, time.Now())))
		_, err = s.UpdateProfilePicture(ctx, 424242, "https://example.test/p.png")
		require.True(t, IsNotFound(err))
	})

	t.Run("profile picture and last seen", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		u, err := s.CreateUser(ctx, CreateUserInput{Username: "bob"})
		require.NoError(t, err)
		require.Nil(t, u.PasswordHash)

		_, err = s.UpdateProfilePicture(ctx, u.ID, "   ")
		require.True(t, IsInvalidInput(err))

		u, err = s.UpdateProfilePicture(ctx, u.ID, "https://example.test/bob.png")
		require.NoError(t, err)
		require.Equal(t, "https://example.test/bob.png", *u.ProfilePicture)

		seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		require.NoError(t, s.TouchLastSeen(ctx, u.ID, seen))
		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastSeen)
		require.True(t, got.LastSeen.Equal(seen))
	})

	t.Run("list users ordered by id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, name := range []string{"carol", "dave", "erin"} {
			_, err := s.CreateUser(ctx, CreateUserInput{Username: name})
			require.NoError(t, err)
		}
		users, err := s.ListUsers(ctx, ListUsersInput{DiscoverableOnly: true})
		require.NoError(t, err)
		require.Len(t, users, 3)
		require.Less(t, users[0].ID, users[1].ID)
		require.Less(t, users[1].ID, users[2].ID)
	})
}

func TestMemoryStore_DiscoverableFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, err := s.CreateUser(ctx, CreateUserInput{Username: "visible"})
	require.NoError(t, err)
	b, err := s.CreateUser(ctx, CreateUserInput{Username: "hidden"})
	require.NoError(t, err)
	s.SetDiscoverable(b.ID, false)

	users, err := s.ListUsers(ctx, ListUsersInput{DiscoverableOnly: true})
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, a.ID, users[0].ID)

	all, err := s.ListUsers(ctx, ListUsersInput{})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestHasher(t *testing.T) {
	h := testHasher()

	_, err := h.Hash("short")
	require.True(t, IsInvalidInput(err))

	enc, err := h.Hash("long enough secret")
	require.NoError(t, err)
	require.True(t, h.Verify("long enough secret", &enc))
	require.False(t, h.Verify("other secret value", &enc))
	require.False(t, h.Verify("long enough secret", nil))
}
