package storage

import (
	"errors"

	"github.com/cockroachdb/pebble/v2"
)

var refreshTokenKey = []byte("session/refresh_token")

// SessionStore keeps the refresh token of the daemon session next to the
// bucket data so a restart can resume it.
type SessionStore struct {
	db *pebble.DB
}

// Sessions returns the session store sharing the bucket's database.
func (b *Bucket) Sessions() *SessionStore {
	return &SessionStore{db: b.db}
}

// LoadRefreshToken returns the stored token, or "" when there is none.
func (s *SessionStore) LoadRefreshToken() (string, error) {
	v, closer, err := s.db.Get(refreshTokenKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer closer.Close()
	return string(v), nil
}

func (s *SessionStore) SaveRefreshToken(token string) error {
	return s.db.Set(refreshTokenKey, []byte(token), pebble.Sync)
}

func (s *SessionStore) ClearRefreshToken() error {
	return s.db.Delete(refreshTokenKey, pebble.Sync)
}
