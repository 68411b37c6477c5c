package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. IDs are assigned sequentially from 1.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]User
	byNorm map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID: 1,
		byID:   make(map[int64]User),
		byNorm: make(map[string]int64),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	in, err := validateCreate(op, in)
	if err != nil {
		return User{}, err
	}

	norm := NormalizeUsername(in.Username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byNorm[norm]; taken {
		return User{}, ConflictError{Op: op, Field: "username"}
	}

	u := User{
		ID:             s.nextID,
		Username:       in.Username,
		UsernameNorm:   norm,
		PasswordHash:   in.PasswordHash,
		ProfilePicture: in.ProfilePicture,
		Discoverable:   true,
		CreatedAt:      in.Now,
	}
	s.nextID++
	s.byID[u.ID] = u
	s.byNorm[norm] = u.ID
	return u, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, userNotFound("identity.GetUser")
	}
	return u, nil
}

func (s *MemoryStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNorm[NormalizeUsername(username)]
	if !ok {
		return User{}, userNotFound("identity.GetUserByUsername")
	}
	return s.byID[id], nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, in ListUsersInput) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		if in.DiscoverableOnly && !u.Discoverable {
			continue
		}
		out = append(out, u)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) UpdateProfilePicture(ctx context.Context, id int64, url string) (User, error) {
	const op = "identity.UpdateProfilePicture"
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	pic := trimPtr(&url)
	if pic == nil {
		return User{}, invalid(op, "profilePicture is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, userNotFound(op)
	}
	u.ProfilePicture = pic
	s.byID[id] = u
	return u, nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, id int64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.byID[id]
	if !ok {
		return userNotFound("identity.TouchLastSeen")
	}
	u.LastSeen = &now
	s.byID[id] = u
	return nil
}

// SetDiscoverable hides or shows a user in ListUsers(DiscoverableOnly).
func (s *MemoryStore) SetDiscoverable(id int64, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.byID[id]; ok {
		u.Discoverable = v
		s.byID[id] = u
	}
}
