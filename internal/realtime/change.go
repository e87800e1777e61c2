package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Op is the kind of row change.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Change is a decoded change-feed notification.
type Change struct {
	Op    Op              `json:"op"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
	// Partial is set when the row image was too large for a notification and
	// only carries the key columns. Consumers fetch the row themselves.
	Partial bool `json:"partial,omitempty"`
}

// DecodeChange parses a notification payload.
func DecodeChange(payload string) (Change, error) {
	var c Change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return Change{}, fmt.Errorf("decode change: %w", err)
	}
	switch c.Op {
	case OpInsert, OpUpdate:
		if len(c.New) == 0 {
			return Change{}, fmt.Errorf("decode change: %s without new row", c.Op)
		}
	case OpDelete:
		if len(c.Old) == 0 {
			return Change{}, fmt.Errorf("decode change: DELETE without old row")
		}
	default:
		return Change{}, fmt.Errorf("decode change: unknown op %q", c.Op)
	}
	return c, nil
}

// DecodeNew unmarshals the new row image.
func (c Change) DecodeNew(v any) error {
	return json.Unmarshal(c.New, v)
}

// DecodeOld unmarshals the old row image.
func (c Change) DecodeOld(v any) error {
	return json.Unmarshal(c.Old, v)
}

// MessagesChannel names the message change channel of a room.
func MessagesChannel(room string) string { return "rt:messages:" + room }

// HidesChannel names the hide change channel of a viewer.
func HidesChannel(userID string) string { return "rt:hides:" + userID }

func channelKind(channel string) string {
	if i := strings.LastIndex(channel, ":"); i > 0 {
		return channel[:i]
	}
	return channel
}
