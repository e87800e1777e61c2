package models

import (
	"fmt"
	"time"
)

// HideRow mirrors a row of the message_hides table.
type HideRow struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	MessageID RowID     `db:"message_id" json:"message_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Validate rejects rows that cannot be attributed to a viewer and message.
func (r HideRow) Validate() error {
	if r.UserID == "" || r.MessageID == "" {
		return fmt.Errorf("hide row %q: missing user_id or message_id", r.ID)
	}
	return nil
}

// NewHide hides one message from one viewer.
type NewHide struct {
	UserID    string `db:"user_id"`
	MessageID string `db:"message_id"`
}
