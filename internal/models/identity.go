package models

import "time"

// Identity is an authenticated user as reported by the identity provider.
type Identity struct {
	ID       string            `json:"id"`
	Email    string            `json:"email,omitempty"`
	Metadata map[string]string `json:"user_metadata,omitempty"`
}

// Session is a signed-in identity with its bearer tokens.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         Identity  `json:"user"`
}
