package mocks

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"chatroom/internal/models"
	"chatroom/internal/realtime"
	"chatroom/internal/repositories"
)

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) ListRecent(ctx context.Context, room string, limit int) ([]models.MessageRow, error) {
	args := m.Called(ctx, room, limit)
	var rows []models.MessageRow
	if val := args.Get(0); val != nil {
		rows = val.([]models.MessageRow)
	}
	return rows, args.Error(1)
}

func (m *MessageRepositoryMock) Get(ctx context.Context, id string) (models.MessageRow, error) {
	args := m.Called(ctx, id)
	var row models.MessageRow
	if val := args.Get(0); val != nil {
		row = val.(models.MessageRow)
	}
	return row, args.Error(1)
}

func (m *MessageRepositoryMock) Insert(ctx context.Context, msg models.NewMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MessageRepositoryMock) MarkDeletedForAll(ctx context.Context, id string, actorID string) error {
	args := m.Called(ctx, id, actorID)
	return args.Error(0)
}

type HideRepositoryMock struct {
	mock.Mock
}

func (m *HideRepositoryMock) ListForUser(ctx context.Context, userID string) ([]models.HideRow, error) {
	args := m.Called(ctx, userID)
	var rows []models.HideRow
	if val := args.Get(0); val != nil {
		rows = val.([]models.HideRow)
	}
	return rows, args.Error(1)
}

func (m *HideRepositoryMock) InsertBatch(ctx context.Context, hides []models.NewHide) error {
	args := m.Called(ctx, hides)
	return args.Error(0)
}

func (m *HideRepositoryMock) Delete(ctx context.Context, userID string, messageID string) error {
	args := m.Called(ctx, userID, messageID)
	return args.Error(0)
}

type ObjectStorageMock struct {
	mock.Mock
}

func (m *ObjectStorageMock) Upload(ctx context.Context, name string, data []byte) (string, error) {
	args := m.Called(ctx, name, data)
	return args.String(0), args.Error(1)
}

func (m *ObjectStorageMock) PublicURL(path string) string {
	args := m.Called(path)
	return args.String(0)
}

type IdentityProviderMock struct {
	mock.Mock
}

func (m *IdentityProviderMock) SignIn(ctx context.Context, provider, credential string) (models.Session, error) {
	args := m.Called(ctx, provider, credential)
	var s models.Session
	if val := args.Get(0); val != nil {
		s = val.(models.Session)
	}
	return s, args.Error(1)
}

func (m *IdentityProviderMock) GetUser(ctx context.Context, accessToken string) (models.Identity, error) {
	args := m.Called(ctx, accessToken)
	var id models.Identity
	if val := args.Get(0); val != nil {
		id = val.(models.Identity)
	}
	return id, args.Error(1)
}

func (m *IdentityProviderMock) Refresh(ctx context.Context, refreshToken string) (models.Session, error) {
	args := m.Called(ctx, refreshToken)
	var s models.Session
	if val := args.Get(0); val != nil {
		s = val.(models.Session)
	}
	return s, args.Error(1)
}

func (m *IdentityProviderMock) SignOut(ctx context.Context, accessToken string) error {
	args := m.Called(ctx, accessToken)
	return args.Error(0)
}

// Feed is a synchronous in-memory change feed. Emit calls handlers on the
// caller's goroutine.
type Feed struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string]map[int]realtime.Handler
	// Fail makes Subscribe on the named channel return the error.
	Fail map[string]error
}

func NewFeed() *Feed {
	return &Feed{handlers: make(map[string]map[int]realtime.Handler), Fail: make(map[string]error)}
}

func (f *Feed) Subscribe(channel string, h realtime.Handler) (realtime.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.Fail[channel]; err != nil {
		return nil, err
	}
	if f.handlers[channel] == nil {
		f.handlers[channel] = make(map[int]realtime.Handler)
	}
	f.nextID++
	id := f.nextID
	f.handlers[channel][id] = h
	return feedSub(func() {
		f.mu.Lock()
		delete(f.handlers[channel], id)
		f.mu.Unlock()
	}), nil
}

func (f *Feed) Emit(channel string, c realtime.Change) {
	f.mu.Lock()
	hs := make([]realtime.Handler, 0, len(f.handlers[channel]))
	for _, h := range f.handlers[channel] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(c)
	}
}

// Subscribers counts live subscriptions on channel.
func (f *Feed) Subscribers(channel string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[channel])
}

type feedSub func()

func (s feedSub) Unsubscribe() { s() }

var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.HideRepository = (*HideRepositoryMock)(nil)
