package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatroom/internal/mocks"
	"chatroom/internal/models"
	"chatroom/internal/presence"
	"chatroom/internal/rabbitmq"
	"chatroom/internal/realtime"
	"chatroom/internal/repositories"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc     *Service
	msgs    *mocks.MessageRepositoryMock
	hides   *mocks.HideRepositoryMock
	storage *mocks.ObjectStorageMock
	feed    *mocks.Feed
	bus     *rabbitmq.LocalBroadcaster
	clock   *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		msgs:    &mocks.MessageRepositoryMock{},
		hides:   &mocks.HideRepositoryMock{},
		storage: &mocks.ObjectStorageMock{},
		feed:    mocks.NewFeed(),
		bus:     rabbitmq.NewLocalBroadcaster(),
		clock:   clock.NewMock(),
	}
	h.svc = h.newService()
	t.Cleanup(h.svc.Dispose)
	return h
}

func (h *harness) newService() *Service {
	return NewService(Deps{
		Messages:    h.msgs,
		Hides:       h.hides,
		Storage:     h.storage,
		Feed:        h.feed,
		Broadcaster: h.bus,
		Logger:      zerolog.Nop(),
		Clock:       h.clock,
	})
}

func (h *harness) init(t *testing.T, viewer string, rows []models.MessageRow, hidden ...string) {
	t.Helper()
	hideRows := make([]models.HideRow, 0, len(hidden))
	for _, id := range hidden {
		hideRows = append(hideRows, models.HideRow{ID: "h-" + id, UserID: viewer, MessageID: models.RowID(id)})
	}
	h.msgs.On("ListRecent", mock.Anything, DefaultRoom, InitialFetchLimit).Return(rows, nil).Once()
	h.hides.On("ListForUser", mock.Anything, viewer).Return(hideRows, nil).Once()
	require.NoError(t, h.svc.Init(context.Background(), viewer, ""))
}

func (h *harness) emitMessage(t *testing.T, op realtime.Op, row models.MessageRow) {
	t.Helper()
	body, err := json.Marshal(row)
	require.NoError(t, err)
	c := realtime.Change{Op: op, Table: "messages", New: body}
	if op == realtime.OpDelete {
		c = realtime.Change{Op: op, Table: "messages", Old: body}
	}
	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), c)
}

func (h *harness) emitHide(t *testing.T, op realtime.Op, viewer, messageID string) {
	t.Helper()
	body, err := json.Marshal(models.HideRow{ID: "h-" + messageID, UserID: viewer, MessageID: models.RowID(messageID)})
	require.NoError(t, err)
	c := realtime.Change{Op: op, Table: "message_hides", New: body}
	if op == realtime.OpDelete {
		c = realtime.Change{Op: op, Table: "message_hides", Old: body}
	}
	h.feed.Emit(realtime.HidesChannel(viewer), c)
}

func textRow(id string, offset time.Duration, user, content string) models.MessageRow {
	return models.MessageRow{
		ID:        models.RowID(id),
		Room:      DefaultRoom,
		UserID:    &user,
		Username:  &user,
		Type:      strPtr(models.MessageTypeText),
		Content:   &content,
		CreatedAt: base.Add(offset),
	}
}

func strPtr(s string) *string { return &s }

func ids(list []models.Message) []string {
	out := make([]string, 0, len(list))
	for _, m := range list {
		out = append(out, m.ID)
	}
	return out
}

type recorder[T any] struct {
	mu    sync.Mutex
	calls []T
}

func (r *recorder[T]) record(v T) {
	r.mu.Lock()
	r.calls = append(r.calls, v)
	r.mu.Unlock()
}

func (r *recorder[T]) last() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if len(r.calls) == 0 {
		return zero
	}
	return r.calls[len(r.calls)-1]
}

func (r *recorder[T]) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestInitLoadsVisibleMessagesInOrder(t *testing.T) {
	h := newHarness(t)
	rows := []models.MessageRow{
		textRow("1", 0, "u1", "hi"),
		textRow("3", 2*time.Second, "u2", "hey"),
		textRow("2", time.Second, "u2", "hidden one"),
	}
	h.init(t, "u1", rows, "2")

	assert.Equal(t, []string{"1", "3"}, ids(h.svc.Messages()))
	assert.True(t, h.svc.IsHidden("2"))
	assert.Equal(t, DefaultRoom, h.svc.Room())
	assert.Equal(t, 1, h.feed.Subscribers(realtime.MessagesChannel(DefaultRoom)))
	assert.Equal(t, 1, h.feed.Subscribers(realtime.HidesChannel("u1")))

	var got recorder[[]models.Message]
	unsubscribe := h.svc.OnMessagesUpdate(got.record)
	defer unsubscribe()
	require.Equal(t, 1, got.count())
	assert.Equal(t, []string{"1", "3"}, ids(got.last()))
}

func TestInitFetchErrorCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.msgs.On("ListRecent", mock.Anything, DefaultRoom, InitialFetchLimit).Return(nil, errors.New("connection refused")).Once()

	err := h.svc.Init(context.Background(), "u1", DefaultRoom)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, h.svc.Messages())
	assert.Zero(t, h.feed.Subscribers(realtime.MessagesChannel(DefaultRoom)))
	h.hides.AssertNotCalled(t, "ListForUser", mock.Anything, mock.Anything)

	// retry after a failed init is allowed
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "hi")})
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestInitTwiceFails(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	err := h.svc.Init(context.Background(), "u1", DefaultRoom)
	require.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestInitAfterDisposeFails(t *testing.T) {
	h := newHarness(t)
	h.svc.Dispose()

	err := h.svc.Init(context.Background(), "u1", DefaultRoom)
	require.ErrorIs(t, err, ErrDisposed)
	h.msgs.AssertNotCalled(t, "ListRecent", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitSubscriptionFailureClosesOpenedFeeds(t *testing.T) {
	h := newHarness(t)
	h.feed.Fail[realtime.HidesChannel("u1")] = errors.New("listen failed")
	h.msgs.On("ListRecent", mock.Anything, DefaultRoom, InitialFetchLimit).Return([]models.MessageRow{}, nil)
	h.hides.On("ListForUser", mock.Anything, "u1").Return([]models.HideRow{}, nil)

	err := h.svc.Init(context.Background(), "u1", DefaultRoom)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscribe hides")
	assert.Zero(t, h.feed.Subscribers(realtime.MessagesChannel(DefaultRoom)))
}

func TestInitSkipsInvalidRows(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{
		textRow("1", 0, "u1", "ok"),
		{ID: "", CreatedAt: base},
		{ID: "9"},
	})
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestInsertChangeAddsInTimestampOrder(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{
		textRow("1", 0, "u1", "a"),
		textRow("3", 3*time.Second, "u2", "c"),
	})

	var got recorder[[]models.Message]
	defer h.svc.OnMessagesUpdate(got.record)()

	h.emitMessage(t, realtime.OpInsert, textRow("2", time.Second, "u2", "b"))
	assert.Equal(t, []string{"1", "2", "3"}, ids(got.last()))

	// redelivery replaces rather than duplicates
	h.emitMessage(t, realtime.OpInsert, textRow("2", time.Second, "u2", "b edited"))
	assert.Equal(t, []string{"1", "2", "3"}, ids(h.svc.Messages()))
	assert.Equal(t, "b edited", h.svc.Messages()[1].Content)
}

func TestInsertChangeIgnoresHiddenMessage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil, "7")

	var got recorder[[]models.Message]
	defer h.svc.OnMessagesUpdate(got.record)()

	h.emitMessage(t, realtime.OpInsert, textRow("7", 0, "u2", "nope"))
	assert.Empty(t, h.svc.Messages())
	assert.Equal(t, 1, got.count())
}

func TestUpdateChangeTombstonesMessage(t *testing.T) {
	h := newHarness(t)
	url := "http://localhost/storage/v1/object/public/chat-images/x.png"
	img := models.MessageRow{
		ID: "5", Room: DefaultRoom, UserID: strPtr("u2"), Username: strPtr("Bima"),
		Type: strPtr(models.MessageTypeImage), AttachmentURL: &url, CreatedAt: base,
	}
	h.init(t, "u1", []models.MessageRow{img, textRow("6", time.Second, "u1", "after")})
	require.Equal(t, url, h.svc.Messages()[0].FileURL)

	tomb := img
	tomb.DeletedForAll = func() *bool { b := true; return &b }()
	h.emitMessage(t, realtime.OpUpdate, tomb)

	list := h.svc.Messages()
	require.Equal(t, []string{"5", "6"}, ids(list))
	assert.Equal(t, DeletedPlaceholder, list[0].Content)
	assert.True(t, list[0].Deleted)
	assert.Empty(t, list[0].FileURL)
	assert.Empty(t, list[0].FileType)
	assert.Equal(t, "Bima", list[0].Username)
}

func TestUpdateChangeForUnknownMessageIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")})

	var got recorder[[]models.Message]
	defer h.svc.OnMessagesUpdate(got.record)()

	h.emitMessage(t, realtime.OpUpdate, textRow("42", 0, "u2", "ghost"))
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
	assert.Equal(t, 1, got.count())
}

func TestDeleteChangeRemovesMessage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a"), textRow("2", time.Second, "u2", "b")})

	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), realtime.Change{
		Op: realtime.OpDelete, Table: "messages", Old: json.RawMessage(`{"id":2}`),
	})
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestUndecodableChangeIsDropped(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")})

	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), realtime.Change{
		Op: realtime.OpInsert, Table: "messages", New: json.RawMessage(`{"id":true}`),
	})
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestHideChangeForViewerRemovesMessage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a"), textRow("2", time.Second, "u2", "b")})

	h.emitHide(t, realtime.OpInsert, "u1", "2")
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
	assert.True(t, h.svc.IsHidden("2"))

	// a later insert of the same id stays hidden
	h.emitMessage(t, realtime.OpInsert, textRow("2", time.Second, "u2", "b"))
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestHideChangeForOtherUserIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")})

	h.feed.Emit(realtime.HidesChannel("u1"), realtime.Change{
		Op: realtime.OpInsert, Table: "message_hides",
		New: json.RawMessage(`{"id":"h","user_id":"u9","message_id":1}`),
	})
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
	assert.False(t, h.svc.IsHidden("1"))
}

func TestUnhideRefetchesMessage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")}, "2")
	h.msgs.On("Get", mock.Anything, "2").Return(textRow("2", time.Second, "u2", "back"), nil).Once()

	h.emitHide(t, realtime.OpDelete, "u1", "2")

	assert.False(t, h.svc.IsHidden("2"))
	assert.Equal(t, []string{"1", "2"}, ids(h.svc.Messages()))
	h.msgs.AssertExpectations(t)
}

func TestUnhideOfRemovedMessageKeepsList(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")}, "2")
	h.msgs.On("Get", mock.Anything, "2").Return(nil, repositories.ErrMessageNotFound).Once()

	h.emitHide(t, realtime.OpDelete, "u1", "2")

	assert.False(t, h.svc.IsHidden("2"))
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestSendMessageInsertsWithoutLocalAppend(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)
	h.msgs.On("Insert", mock.Anything, mock.MatchedBy(func(m models.NewMessage) bool {
		return m.Room == DefaultRoom && m.UserID == "u1" && m.Username == "Ayu" &&
			m.Type == models.MessageTypeText && m.Content != nil && *m.Content == "hello" && m.AttachmentURL == nil
	})).Return(nil).Once()

	require.NoError(t, h.svc.SendMessage(context.Background(), "u1", "Ayu", "hello"))
	assert.Empty(t, h.svc.Messages())
	h.msgs.AssertExpectations(t)
}

func TestSendMessageIgnoresBlankContent(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	require.NoError(t, h.svc.SendMessage(context.Background(), "u1", "Ayu", " \n\t "))
	h.msgs.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestSendMessageReturnsInsertError(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)
	h.msgs.On("Insert", mock.Anything, mock.Anything).Return(errors.New("insert failed")).Once()

	err := h.svc.SendMessage(context.Background(), "u1", "Ayu", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert failed")
	assert.Empty(t, h.svc.Messages())
}

func TestSendMessageStopsSenderTyping(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u2", nil)

	var events recorder[models.TypingEvent]
	sub, err := h.bus.Subscribe(TypingTopic(DefaultRoom), func(body []byte) {
		var ev models.TypingEvent
		if json.Unmarshal(body, &ev) == nil {
			events.record(ev)
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	h.msgs.On("Insert", mock.Anything, mock.Anything).Return(nil).Once()
	require.NoError(t, h.svc.StartTyping(context.Background(), "u2", "Bima"))
	require.NoError(t, h.svc.SendMessage(context.Background(), "u2", "Bima", "done"))

	require.Equal(t, 2, events.count())
	assert.Equal(t, models.TypingEvent{Action: models.TypingStop, UserID: "u2"}, events.last())
}

func TestSendFileRejectsNonImage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	err := h.svc.SendFileMessage(context.Background(), "u1", "Ayu", File{Name: "notes.pdf", Type: "application/pdf", Data: []byte("%PDF")})
	require.ErrorIs(t, err, ErrUnsupportedFile)
	h.storage.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	h.msgs.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestSendFileRejectsContentThatIsNotAnImage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	for _, data := range [][]byte{
		[]byte("<html><body><script>alert(1)</script></body></html>"),
		[]byte(`<svg xmlns="http://www.w3.org/2000/svg"><script>alert(1)</script></svg>`),
	} {
		err := h.svc.SendFileMessage(context.Background(), "u1", "Ayu", File{Name: "cat.png", Type: "image/png", Data: data})
		require.ErrorIs(t, err, ErrUnsupportedFile)
	}
	h.storage.AssertNotCalled(t, "Upload", mock.Anything, mock.Anything, mock.Anything)
	h.msgs.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestSendFileUploadsThenInserts(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)
	data := []byte("\x89PNG\r\n\x1a\n")
	const url = "http://localhost:8080/storage/v1/object/public/chat-images/obj.jpg"

	prefix := fmt.Sprintf("%d-", h.clock.Now().UnixMilli())
	h.storage.On("Upload", mock.Anything, mock.MatchedBy(func(name string) bool {
		return len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(name)-4:] == ".jpg"
	}), data).Return("obj.jpg", nil).Once()
	h.storage.On("PublicURL", "obj.jpg").Return(url).Once()
	h.msgs.On("Insert", mock.Anything, mock.MatchedBy(func(m models.NewMessage) bool {
		return m.Type == models.MessageTypeImage && m.AttachmentURL != nil && *m.AttachmentURL == url && m.Content == nil
	})).Return(nil).Once()

	require.NoError(t, h.svc.SendFileMessage(context.Background(), "u1", "Ayu", File{Name: "cat.jpg", Type: "image/jpeg", Data: data}))
	h.storage.AssertExpectations(t)
	h.msgs.AssertExpectations(t)
}

func TestSendFileUploadFailureSkipsInsert(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)
	h.storage.On("Upload", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("bucket full")).Once()

	err := h.svc.SendFileMessage(context.Background(), "u1", "Ayu", File{Name: "cat.png", Type: "image/png", Data: []byte("\x89PNG\r\n\x1a\n")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket full")
	h.msgs.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
}

func TestDeleteForEveryoneLeavesTombstoneToFeed(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("5", 0, "u1", "oops")})
	h.msgs.On("MarkDeletedForAll", mock.Anything, "5", "u1").Return(nil).Once()

	require.NoError(t, h.svc.DeleteMessage(context.Background(), "5", "u1", true))
	// still the original until the update arrives
	assert.Equal(t, "oops", h.svc.Messages()[0].Content)

	tomb := textRow("5", 0, "u1", "oops")
	deleted := true
	tomb.DeletedForAll = &deleted
	h.emitMessage(t, realtime.OpUpdate, tomb)

	list := h.svc.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, "5", list[0].ID)
	assert.Equal(t, DeletedPlaceholder, list[0].Content)
	assert.Empty(t, list[0].FileURL)
}

func TestDeleteForEveryoneByOtherUserIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("5", 0, "u2", "mine")})
	h.msgs.On("MarkDeletedForAll", mock.Anything, "5", "u1").Return(repositories.ErrForbidden).Once()

	err := h.svc.DeleteMessage(context.Background(), "5", "u1", true)
	require.ErrorIs(t, err, repositories.ErrForbidden)
	assert.Equal(t, "mine", h.svc.Messages()[0].Content)
}

func TestDeleteForMeHidesImmediately(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u2", "a"), textRow("2", time.Second, "u2", "b")})
	h.hides.On("InsertBatch", mock.Anything, []models.NewHide{{UserID: "u1", MessageID: "1"}}).Return(nil).Once()

	var got recorder[[]models.Message]
	defer h.svc.OnMessagesUpdate(got.record)()

	require.NoError(t, h.svc.DeleteMessage(context.Background(), "1", "u1", false))
	assert.Equal(t, []string{"2"}, ids(got.last()))
	assert.True(t, h.svc.IsHidden("1"))

	// the echoed hide row is idempotent
	h.emitHide(t, realtime.OpInsert, "u1", "1")
	assert.Equal(t, 2, got.count())
}

func TestDeleteForMeFailureKeepsMessage(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u2", "a")})
	h.hides.On("InsertBatch", mock.Anything, mock.Anything).Return(errors.New("timeout")).Once()

	require.Error(t, h.svc.DeleteMessage(context.Background(), "1", "u1", false))
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
	assert.False(t, h.svc.IsHidden("1"))
}

func TestDeleteWithEmptyIDIsNoop(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	require.NoError(t, h.svc.DeleteMessage(context.Background(), "", "u1", true))
	require.NoError(t, h.svc.DeleteMessage(context.Background(), "", "u1", false))
	h.msgs.AssertNotCalled(t, "MarkDeletedForAll", mock.Anything, mock.Anything, mock.Anything)
	h.hides.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
}

func TestClearAllHidesInBatches(t *testing.T) {
	h := newHarness(t)
	rows := make([]models.MessageRow, 0, 250)
	for i := 0; i < 250; i++ {
		rows = append(rows, textRow(fmt.Sprint(i+1), time.Duration(i)*time.Second, "u2", "m"))
	}
	h.init(t, "u1", rows)

	var sizes []int
	h.hides.On("InsertBatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		batch := args.Get(1).([]models.NewHide)
		for _, hd := range batch {
			require.Equal(t, "u1", hd.UserID)
		}
		sizes = append(sizes, len(batch))
	}).Return(nil).Times(3)

	require.NoError(t, h.svc.ClearAllMessages(context.Background(), "u1"))
	assert.Equal(t, []int{100, 100, 50}, sizes)
	assert.Empty(t, h.svc.Messages())
	assert.True(t, h.svc.IsHidden("250"))
}

func TestClearAllStopsAtFailedBatch(t *testing.T) {
	h := newHarness(t)
	rows := make([]models.MessageRow, 0, 150)
	for i := 0; i < 150; i++ {
		rows = append(rows, textRow(fmt.Sprint(i+1), time.Duration(i)*time.Second, "u2", "m"))
	}
	h.init(t, "u1", rows)
	h.hides.On("InsertBatch", mock.Anything, mock.Anything).Return(nil).Once()
	h.hides.On("InsertBatch", mock.Anything, mock.Anything).Return(errors.New("deadlock")).Once()

	err := h.svc.ClearAllMessages(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 2")
	assert.Len(t, h.svc.Messages(), 50)
	assert.True(t, h.svc.IsHidden("100"))
	assert.False(t, h.svc.IsHidden("101"))
}

func TestClearAllWithNothingVisible(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	require.NoError(t, h.svc.ClearAllMessages(context.Background(), "u1"))
	h.hides.AssertNotCalled(t, "InsertBatch", mock.Anything, mock.Anything)
}

func TestTypingIsObservedByPeersAndExpires(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	peer := h.newService()
	defer peer.Dispose()
	h.msgs.On("ListRecent", mock.Anything, DefaultRoom, InitialFetchLimit).Return([]models.MessageRow{}, nil).Once()
	h.hides.On("ListForUser", mock.Anything, "u2").Return([]models.HideRow{}, nil).Once()
	require.NoError(t, peer.Init(context.Background(), "u2", DefaultRoom))

	var seen recorder[[]models.TypingUser]
	defer h.svc.OnTypingUpdate(seen.record)()
	var own recorder[[]models.TypingUser]
	defer peer.OnTypingUpdate(own.record)()

	require.NoError(t, peer.StartTyping(context.Background(), "u2", "Bima"))
	assert.Equal(t, []models.TypingUser{{UserID: "u2", Username: "Bima"}}, seen.last())
	// the typist never sees itself
	assert.Empty(t, own.last())

	h.clock.Add(presence.DefaultTTL)
	require.Eventually(t, func() bool { return len(seen.last()) == 0 && seen.count() == 3 }, time.Second, time.Millisecond)
}

func TestTypingStopBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	var seen recorder[[]models.TypingUser]
	defer h.svc.OnTypingUpdate(seen.record)()

	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), models.TypingEvent{Action: models.TypingStart, UserID: "u3"}))
	assert.Equal(t, []models.TypingUser{{UserID: "u3", Username: "Someone"}}, seen.last())

	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), models.TypingEvent{Action: models.TypingStop, UserID: "u3"}))
	assert.Empty(t, seen.last())
}

func TestTypingEventsFromViewerAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	var seen recorder[[]models.TypingUser]
	defer h.svc.OnTypingUpdate(seen.record)()

	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), models.TypingEvent{Action: models.TypingStart, UserID: "u1", Username: "Ayu"}))
	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), models.TypingEvent{Action: models.TypingStart}))
	assert.Equal(t, 1, seen.count())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	var got recorder[[]models.Message]
	unsubscribe := h.svc.OnMessagesUpdate(got.record)
	unsubscribe()

	h.emitMessage(t, realtime.OpInsert, textRow("1", 0, "u2", "a"))
	assert.Equal(t, 1, got.count())
	assert.Equal(t, []string{"1"}, ids(h.svc.Messages()))
}

func TestDisposeClosesSubscriptionsAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u1", "a")})

	var got recorder[[]models.Message]
	h.svc.OnMessagesUpdate(got.record)
	var typing recorder[[]models.TypingUser]
	h.svc.OnTypingUpdate(typing.record)

	h.svc.Dispose()
	h.svc.Dispose()

	assert.Zero(t, h.feed.Subscribers(realtime.MessagesChannel(DefaultRoom)))
	assert.Zero(t, h.feed.Subscribers(realtime.HidesChannel("u1")))

	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), models.TypingEvent{Action: models.TypingStart, UserID: "u2"}))
	assert.Equal(t, 1, got.count())
	assert.Equal(t, 1, typing.count())
}

func TestListenerMayCallBackIntoService(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	var lengths []int
	defer h.svc.OnMessagesUpdate(func(list []models.Message) {
		lengths = append(lengths, len(h.svc.Messages()))
	})()

	h.emitMessage(t, realtime.OpInsert, textRow("1", 0, "u2", "a"))
	assert.Equal(t, []int{0, 1}, lengths)
}

func TestInsertThenTombstoneScenario(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	h.emitMessage(t, realtime.OpInsert, textRow("5", 0, "u2", "hi"))
	require.Equal(t, "hi", h.svc.Messages()[0].Content)

	tomb := textRow("5", 0, "u2", "hi")
	deleted := true
	tomb.DeletedForAll = &deleted
	h.emitMessage(t, realtime.OpUpdate, tomb)

	list := h.svc.Messages()
	require.Len(t, list, 1)
	assert.Equal(t, DeletedPlaceholder, list[0].Content)
	assert.Empty(t, list[0].FileURL)
}

func TestTypingWindowResetsOnRepeatedStart(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", nil)

	var seen recorder[[]models.TypingUser]
	defer h.svc.OnTypingUpdate(seen.record)()
	bima := []models.TypingUser{{UserID: "u2", Username: "Bima"}}
	start := models.TypingEvent{Action: models.TypingStart, UserID: "u2", Username: "Bima"}

	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), start))
	h.clock.Add(time.Second)
	require.NoError(t, h.bus.Broadcast(context.Background(), TypingTopic(DefaultRoom), start))

	h.clock.Add(2500 * time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, bima, seen.last())

	h.clock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return len(seen.last()) == 0 }, time.Second, time.Millisecond)
}

func TestInitRejectsUnsafeRoomNames(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Init(context.Background(), "u1", "#")
	require.ErrorIs(t, err, ErrInvalidRoom)

	assert.Empty(t, h.feed.Subscribers(realtime.MessagesChannel("#")))
	h.msgs.AssertNotCalled(t, "ListRecent", mock.Anything, mock.Anything, mock.Anything)

	// a rejected name does not consume the single Init
	h.init(t, "u1", nil)
	assert.Equal(t, DefaultRoom, h.svc.Room())
}

func TestPartialChangeFetchesFullRow(t *testing.T) {
	h := newHarness(t)
	h.init(t, "u1", []models.MessageRow{textRow("1", 0, "u2", "hi")})

	long := textRow("2", time.Second, "u2", strings.Repeat("x", 9000))
	h.msgs.On("Get", mock.Anything, "2").Return(long, nil).Once()
	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), realtime.Change{
		Op: realtime.OpInsert, Table: "messages", Partial: true,
		New: json.RawMessage(`{"id":2,"room":"general"}`),
	})

	list := h.svc.Messages()
	require.Len(t, list, 2)
	assert.Equal(t, "2", list[1].ID)
	assert.Len(t, list[1].Content, 9000)

	// rows gone or moved by the time of the fetch are dropped
	h.msgs.On("Get", mock.Anything, "3").Return(models.MessageRow{}, repositories.ErrMessageNotFound).Once()
	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), realtime.Change{
		Op: realtime.OpInsert, Table: "messages", Partial: true,
		New: json.RawMessage(`{"id":3,"room":"general"}`),
	})
	other := textRow("4", 2*time.Second, "u2", "elsewhere")
	other.Room = "random"
	h.msgs.On("Get", mock.Anything, "4").Return(other, nil).Once()
	h.feed.Emit(realtime.MessagesChannel(DefaultRoom), realtime.Change{
		Op: realtime.OpInsert, Table: "messages", Partial: true,
		New: json.RawMessage(`{"id":4,"room":"general"}`),
	})
	assert.Len(t, h.svc.Messages(), 2)
	h.msgs.AssertExpectations(t)
}
