package chat

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatroom/internal/models"
)

// DeletedPlaceholder replaces the content of tombstoned messages.
const DeletedPlaceholder = "This message was deleted."

const (
	defaultUsername  = "User"
	defaultExtension = "png"
	imageFileType    = "image/*"
)

// MapMessage converts a stored row into the client view.
func MapMessage(row models.MessageRow) models.Message {
	m := models.Message{
		ID:        row.ID.String(),
		UserID:    deref(row.UserID),
		Username:  deref(row.Username),
		Content:   deref(row.Content),
		Timestamp: row.CreatedAt,
	}
	if m.Username == "" {
		m.Username = defaultUsername
	}

	if row.DeletedForAll != nil && *row.DeletedForAll {
		m.Content = DeletedPlaceholder
		m.Deleted = true
		return m
	}

	if deref(row.Type) == models.MessageTypeImage && deref(row.AttachmentURL) != "" {
		m.FileURL = *row.AttachmentURL
		m.FileType = imageFileType
	}
	return m
}

// ObjectName builds a collision-resistant storage name: millis, random suffix, extension.
func ObjectName(now time.Time, fileName string) string {
	ext := strings.TrimPrefix(filepath.Ext(fileName), ".")
	if ext == "" || !isAlnum(ext) {
		ext = defaultExtension
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix + "." + ext
}

// TypingTopic names the typing broadcast topic of a room.
func TypingTopic(room string) string { return "typing." + room }

// Room names become Postgres channel names and AMQP routing keys, so they may
// not carry wildcards and must stay under the 63 byte identifier limit with
// their channel prefix.
var roomNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,40}$`)

// ValidateRoom reports ErrInvalidRoom for names that are unsafe as channel
// names or routing keys.
func ValidateRoom(room string) error {
	if !roomNamePattern.MatchString(room) {
		return fmt.Errorf("%w: %q", ErrInvalidRoom, room)
	}
	return nil
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
