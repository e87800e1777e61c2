package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chatroom/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	// ErrForbidden is returned when the actor may not modify the row.
	ErrForbidden = errors.New("not allowed to modify message")
)

const messageColumns = `id, room, user_id, username, type, content, attachment_url, deleted_for_all, created_at`

// MessageRepository defines interactions for room messages.
type MessageRepository interface {
	ListRecent(ctx context.Context, room string, limit int) ([]models.MessageRow, error)
	Get(ctx context.Context, id string) (models.MessageRow, error)
	Insert(ctx context.Context, msg models.NewMessage) error
	MarkDeletedForAll(ctx context.Context, id string, actorID string) error
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// ListRecent returns the newest limit messages of a room, oldest first.
func (r *MessageRepo) ListRecent(ctx context.Context, room string, limit int) ([]models.MessageRow, error) {
	query := `SELECT ` + messageColumns + ` FROM (
            SELECT ` + messageColumns + ` FROM messages
            WHERE room=$1
            ORDER BY created_at DESC
            LIMIT $2
        ) recent
        ORDER BY created_at ASC`
	var rows []models.MessageRow
	err := r.db.SelectContext(ctx, &rows, query, room, limit)
	return rows, err
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, id string) (models.MessageRow, error) {
	var row models.MessageRow
	err := r.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageRow{}, ErrMessageNotFound
	}
	return row, err
}

// Insert stores a message. The stored row reaches clients through the change feed.
func (r *MessageRepo) Insert(ctx context.Context, msg models.NewMessage) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO messages (room, user_id, username, type, content, attachment_url, avatar_url)
        VALUES ($1, $2, $3, $4, $5, $6, NULL)`,
		msg.Room, msg.UserID, msg.Username, msg.Type, msg.Content, msg.AttachmentURL)
	return err
}

// MarkDeletedForAll tombstones a message. Only the author may do so.
func (r *MessageRepo) MarkDeletedForAll(ctx context.Context, id string, actorID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE messages SET deleted_for_all = TRUE, content = NULL, attachment_url = NULL
        WHERE id=$1 AND user_id=$2`, id, actorID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrForbidden
	}
	return nil
}
