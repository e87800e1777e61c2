package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Message types stored in the type column.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
)

// RowID is a remote primary key. BIGINT keys arrive as JSON numbers, UUID keys as strings.
type RowID string

// String returns the key in its canonical string form.
func (id RowID) String() string { return string(id) }

// UnmarshalJSON accepts both number and string encodings.
func (id *RowID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RowID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("row id: %w", err)
	}
	*id = RowID(n.String())
	return nil
}

// Scan implements sql.Scanner.
func (id *RowID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*id = ""
	case int64:
		*id = RowID(strconv.FormatInt(v, 10))
	case string:
		*id = RowID(v)
	case []byte:
		*id = RowID(string(v))
	default:
		return fmt.Errorf("row id: unsupported type %T", src)
	}
	return nil
}

// Value implements driver.Valuer.
func (id RowID) Value() (driver.Value, error) {
	return string(id), nil
}

// MessageRow mirrors a row of the messages table, both as scanned by sqlx and as
// delivered by the change feed.
type MessageRow struct {
	ID            RowID     `db:"id" json:"id"`
	Room          string    `db:"room" json:"room"`
	UserID        *string   `db:"user_id" json:"user_id"`
	Username      *string   `db:"username" json:"username"`
	Type          *string   `db:"type" json:"type"`
	Content       *string   `db:"content" json:"content"`
	AttachmentURL *string   `db:"attachment_url" json:"attachment_url"`
	DeletedForAll *bool     `db:"deleted_for_all" json:"deleted_for_all"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// Validate rejects rows missing the fields the message list is keyed and ordered by.
func (r MessageRow) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("message row: missing id")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("message row %s: missing created_at", r.ID)
	}
	return nil
}

// NewMessage is the payload of a message insert.
type NewMessage struct {
	Room          string
	UserID        string
	Username      string
	Type          string
	Content       *string
	AttachmentURL *string
}

// Message is the client-side view of a chat message.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	FileURL   string    `json:"file_url,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	FileType  string    `json:"file_type,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	// DeletedFor is kept for the UI only; hide state lives in message_hides.
	DeletedFor []string `json:"deleted_for,omitempty"`
}
