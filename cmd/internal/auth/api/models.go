package authapi

import (
	"time"

	"chatrooms/cmd/identity"
)

type credentialsRequest struct {
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	ProfilePicture *string `json:"profilePicture,omitempty"`
}

type userResponse struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	ProfilePicture *string   `json:"profilePicture"`
	CreatedAt      time.Time `json:"createdAt"`
}

type authResponse struct {
	Status    string       `json:"status,omitempty"`
	User      userResponse `json:"user"`
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
}

type meResponse struct {
	User userResponse `json:"user"`
}

func toUserResponse(u identity.User) userResponse {
	return userResponse{
		ID:             u.ID,
		Username:       u.Username,
		ProfilePicture: u.ProfilePicture,
		CreatedAt:      u.CreatedAt,
	}
}
