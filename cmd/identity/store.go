package identity

import (
	"context"
	"time"
)

// User is a chatrooms account.
type User struct {
	ID           int64
	Username     string
	UsernameNorm string

	// PasswordHash is nil for accounts created without credentials (seeded or imported users).
	PasswordHash *string

	ProfilePicture *string
	Bio            *string
	Discoverable   bool

	LastSeen  *time.Time
	CreatedAt time.Time
}

// Profile is the public projection of a user shown next to messages and in listings.
type Profile struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	ProfilePicture *string    `json:"profilePicture"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
}

// Profile returns the public fields of u.
func (u User) Profile() Profile {
	return Profile{
		ID:             u.ID,
		Username:       u.Username,
		ProfilePicture: u.ProfilePicture,
		LastSeen:       u.LastSeen,
	}
}

// CreateUserInput describes a registration. PasswordHash is produced by Hasher.Hash.
type CreateUserInput struct {
	Username       string
	PasswordHash   *string
	ProfilePicture *string
	Now            time.Time
}

// ListUsersInput filters ListUsers.
type ListUsersInput struct {
	DiscoverableOnly bool
}

// Store is the user persistence boundary.
type Store interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context, in ListUsersInput) ([]User, error)
	UpdateProfilePicture(ctx context.Context, id int64, url string) (User, error)
	TouchLastSeen(ctx context.Context, id int64, now time.Time) error
}

// validateCreate trims and checks a registration before any store sees it.
func validateCreate(op string, in CreateUserInput) (CreateUserInput, error) {
	in.Username = trimSpace(in.Username)
	if in.Username == "" {
		return in, invalid(op, "username is required")
	}
	if err := ValidateUsername(in.Username); err != nil {
		return in, invalid(op, "username must be 2-32 characters without spaces")
	}
	in.ProfilePicture = trimPtr(in.ProfilePicture)
	if in.ProfilePicture == nil {
		pic := DefaultProfilePicture(in.Username)
		in.ProfilePicture = &pic
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	return in, nil
}
