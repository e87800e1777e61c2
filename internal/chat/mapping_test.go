package chat

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom/internal/models"
)

func TestMapMessage(t *testing.T) {
	url := "http://cdn/x.png"
	yes := true
	cases := []struct {
		name string
		row  models.MessageRow
		want models.Message
	}{
		{
			name: "text",
			row:  textRow("1", 0, "u1", "hello"),
			want: models.Message{ID: "1", UserID: "u1", Username: "u1", Content: "hello", Timestamp: base},
		},
		{
			name: "missing username",
			row:  models.MessageRow{ID: "2", Content: strPtr("x"), CreatedAt: base},
			want: models.Message{ID: "2", Username: "User", Content: "x", Timestamp: base},
		},
		{
			name: "image",
			row:  models.MessageRow{ID: "3", Username: strPtr("Bima"), Type: strPtr(models.MessageTypeImage), AttachmentURL: &url, CreatedAt: base},
			want: models.Message{ID: "3", Username: "Bima", Timestamp: base, FileURL: url, FileType: "image/*"},
		},
		{
			name: "image without attachment",
			row:  models.MessageRow{ID: "4", Username: strPtr("Bima"), Type: strPtr(models.MessageTypeImage), CreatedAt: base},
			want: models.Message{ID: "4", Username: "Bima", Timestamp: base},
		},
		{
			name: "tombstone",
			row:  models.MessageRow{ID: "5", Username: strPtr("Bima"), Type: strPtr(models.MessageTypeImage), AttachmentURL: &url, DeletedForAll: &yes, CreatedAt: base},
			want: models.Message{ID: "5", Username: "Bima", Content: DeletedPlaceholder, Timestamp: base, Deleted: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapMessage(tc.row))
		})
	}
}

func TestObjectName(t *testing.T) {
	now := time.UnixMilli(1714554000123)
	pattern := regexp.MustCompile(`^1714554000123-[0-9a-f]{32}\.(\w+)$`)

	for file, ext := range map[string]string{
		"cat.jpg":      "jpg",
		"photo.WEBP":   "WEBP",
		"no-extension": "png",
		"weird.tar-gz": "png",
	} {
		m := pattern.FindStringSubmatch(ObjectName(now, file))
		require.NotNil(t, m, file)
		assert.Equal(t, ext, m[1], file)
	}

	assert.NotEqual(t, ObjectName(now, "a.png"), ObjectName(now, "a.png"))
}

func TestTypingTopic(t *testing.T) {
	assert.Equal(t, "typing.general", TypingTopic("general"))
}

func TestValidateRoom(t *testing.T) {
	for _, room := range []string{"general", "team-42", "a_b", "A1"} {
		assert.NoError(t, ValidateRoom(room), room)
	}
	long := "abcdefghijklmnopqrstuvwxyzabcdefghijklmno"
	require.Len(t, long, 41)
	for _, room := range []string{"", "#", "*", "general.#", "a b", "room:1", long} {
		assert.ErrorIs(t, ValidateRoom(room), ErrInvalidRoom, room)
	}
}
