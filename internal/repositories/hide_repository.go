package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"chatroom/internal/models"
)

// HideRepository stores per-viewer message hides.
type HideRepository interface {
	ListForUser(ctx context.Context, userID string) ([]models.HideRow, error)
	InsertBatch(ctx context.Context, hides []models.NewHide) error
	Delete(ctx context.Context, userID string, messageID string) error
}

// HideRepo is a sqlx implementation of HideRepository.
type HideRepo struct {
	db *sqlx.DB
}

// NewHideRepo constructs a HideRepo.
func NewHideRepo(db *sqlx.DB) *HideRepo {
	return &HideRepo{db: db}
}

// ListForUser returns every hide-record of the viewer.
func (r *HideRepo) ListForUser(ctx context.Context, userID string) ([]models.HideRow, error) {
	var rows []models.HideRow
	err := r.db.SelectContext(ctx, &rows, `SELECT id, user_id, message_id, created_at FROM message_hides WHERE user_id=$1`, userID)
	return rows, err
}

// InsertBatch hides messages in one statement. Existing hides are left untouched.
func (r *HideRepo) InsertBatch(ctx context.Context, hides []models.NewHide) error {
	if len(hides) == 0 {
		return nil
	}
	query, args := buildHideInsert(hides)
	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}

// Delete un-hides a message for the viewer.
func (r *HideRepo) Delete(ctx context.Context, userID string, messageID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM message_hides WHERE user_id=$1 AND message_id=$2`, userID, messageID)
	return err
}

func buildHideInsert(hides []models.NewHide) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO message_hides (user_id, message_id) VALUES `)
	args := make([]any, 0, len(hides)*2)
	for i, h := range hides {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "($%d, $%d)", i*2+1, i*2+2)
		args = append(args, h.UserID, h.MessageID)
	}
	b.WriteString(` ON CONFLICT (user_id, message_id) DO NOTHING`)
	return b.String(), args
}
