package models

// Typing actions carried by the typing broadcast.
const (
	TypingStart = "start"
	TypingStop  = "stop"
)

// TypingUser is a peer currently typing.
type TypingUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// TypingEvent is the ephemeral broadcast payload.
type TypingEvent struct {
	Action   string `json:"action"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}
