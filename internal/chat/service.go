// Package chat keeps a local, eventually consistent mirror of one room's
// messages for one viewer.
//
// Server-confirmed inserts, updates and deletes arrive through the change feed;
// the service never appends its own writes locally, so the author's copy also
// appears only after the round trip. Per-viewer hides are applied on top, and
// typing presence is carried over an ephemeral broadcast topic.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatroom/internal/models"
	"chatroom/internal/observability"
	"chatroom/internal/presence"
	"chatroom/internal/realtime"
	"chatroom/internal/repositories"
	"chatroom/internal/storage"
)

const (
	DefaultRoom = "general"
	// InitialFetchLimit bounds the history loaded by Init.
	InitialFetchLimit = 1000
	// HideBatchSize bounds a single hide insert issued by ClearAllMessages.
	HideBatchSize = 100
)

var (
	ErrUnsupportedFile    = errors.New("only image files are supported")
	ErrAlreadyInitialized = errors.New("chat service already initialized")
	ErrDisposed           = errors.New("chat service disposed")
	ErrInvalidRoom        = errors.New("invalid room name")
)

// ObjectStorage is a write-once blob bucket with public URLs.
type ObjectStorage interface {
	Upload(ctx context.Context, name string, data []byte) (string, error)
	PublicURL(path string) string
}

// ChangeFeed delivers row changes published on a named channel.
type ChangeFeed interface {
	Subscribe(channel string, h realtime.Handler) (realtime.Subscription, error)
}

// Broadcaster carries fire-and-forget events between clients of a room.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, handler func(body []byte)) (realtime.Subscription, error)
}

// Deps are the remote collaborators of a Service.
type Deps struct {
	Messages    repositories.MessageRepository
	Hides       repositories.HideRepository
	Storage     ObjectStorage
	Feed        ChangeFeed
	Broadcaster Broadcaster
	Logger      zerolog.Logger
	// Clock drives typing expiry and object names. Defaults to the wall clock.
	Clock clock.Clock
}

// File is an attachment to upload.
type File struct {
	Name string
	Type string
	Data []byte
}

// Service is the synchronization layer of one room subscription. Create it per
// mount, call Init once and Dispose when done.
type Service struct {
	messages repositories.MessageRepository
	hides    repositories.HideRepository
	storage  ObjectStorage
	feed     ChangeFeed
	bus      Broadcaster
	logger   zerolog.Logger
	clock    clock.Clock
	tracer   trace.Tracer

	typing *presence.Tracker

	mu            sync.Mutex
	room          string
	viewerID      string
	list          []models.Message
	hidden        map[string]struct{}
	msgVersion    uint64
	typingVersion uint64
	msgListeners  *listenerSet[[]models.Message]
	typListeners  *listenerSet[[]models.TypingUser]
	subs          []realtime.Subscription
	initialized   bool
	disposed      bool

	// ctx bounds work the service starts on its own, such as un-hide re-fetches.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService constructs an uninitialized service.
func NewService(deps Deps) *Service {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		messages:     deps.Messages,
		hides:        deps.Hides,
		storage:      deps.Storage,
		feed:         deps.Feed,
		bus:          deps.Broadcaster,
		logger:       deps.Logger.With().Str("component", "chat").Logger(),
		clock:        clk,
		tracer:       otel.Tracer("chatroom/internal/chat"),
		room:         DefaultRoom,
		hidden:       make(map[string]struct{}),
		msgListeners: newListenerSet[[]models.Message](),
		typListeners: newListenerSet[[]models.TypingUser](),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.typing = presence.NewTracker(clk, presence.DefaultTTL, s.notifyTyping)
	return s
}

// Init loads the room history minus the viewer's hides, publishes it, then
// opens the message, hide and typing subscriptions. A fetch error is returned
// before any state is committed or any subscription is opened.
func (s *Service) Init(ctx context.Context, viewerID, room string) error {
	if room == "" {
		room = DefaultRoom
	}
	if err := ValidateRoom(room); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.disposed:
		s.mu.Unlock()
		return ErrDisposed
	case s.initialized:
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "chat.init", trace.WithAttributes(
		attribute.String("chat.room", room),
		attribute.String("chat.viewer_id", viewerID),
	))
	defer span.End()

	list, hidden, err := s.load(ctx, viewerID, room)
	if err != nil {
		s.resetInit()
		failSpan(span, err)
		return err
	}

	if !s.apply(func() bool {
		s.room = room
		s.viewerID = viewerID
		s.list = list
		s.hidden = hidden
		return true
	}) {
		return ErrDisposed
	}

	subs, err := s.subscribe(room, viewerID)
	if err != nil {
		s.resetInit()
		failSpan(span, err)
		return err
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		unsubscribeAll(subs)
		return ErrDisposed
	}
	s.subs = subs
	s.mu.Unlock()

	s.logger.Info().Str("room", room).Str("viewer_id", viewerID).Int("messages", len(list)).
		Int("hidden", len(hidden)).Msg("chat service initialized")
	return nil
}

func (s *Service) load(ctx context.Context, viewerID, room string) ([]models.Message, map[string]struct{}, error) {
	rows, err := s.messages.ListRecent(ctx, room, InitialFetchLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages: %w", err)
	}
	hides, err := s.hides.ListForUser(ctx, viewerID)
	if err != nil {
		return nil, nil, fmt.Errorf("load hidden messages: %w", err)
	}

	hidden := make(map[string]struct{}, len(hides))
	for _, h := range hides {
		hidden[h.MessageID.String()] = struct{}{}
	}

	list := make([]models.Message, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if err := row.Validate(); err != nil {
			s.logger.Warn().Err(err).Msg("skipping invalid message row")
			continue
		}
		m := MapMessage(row)
		if _, ok := hidden[m.ID]; ok {
			continue
		}
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		list = append(list, m)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	return list, hidden, nil
}

func (s *Service) subscribe(room, viewerID string) ([]realtime.Subscription, error) {
	var subs []realtime.Subscription

	msgSub, err := s.feed.Subscribe(realtime.MessagesChannel(room), s.handleMessageChange)
	if err != nil {
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	subs = append(subs, msgSub)

	hideSub, err := s.feed.Subscribe(realtime.HidesChannel(viewerID), s.handleHideChange)
	if err != nil {
		unsubscribeAll(subs)
		return nil, fmt.Errorf("subscribe hides: %w", err)
	}
	subs = append(subs, hideSub)

	typingSub, err := s.bus.Subscribe(TypingTopic(room), s.handleTypingBroadcast)
	if err != nil {
		unsubscribeAll(subs)
		return nil, fmt.Errorf("subscribe typing: %w", err)
	}
	return append(subs, typingSub), nil
}

func (s *Service) resetInit() {
	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
}

// SendMessage inserts a text message. Whitespace-only content is ignored. The
// message shows up locally once the change feed delivers it.
func (s *Service) SendMessage(ctx context.Context, userID, username, content string) error {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "chat.send_message")
	defer span.End()

	err := s.messages.Insert(ctx, models.NewMessage{
		Room:     s.Room(),
		UserID:   userID,
		Username: username,
		Type:     models.MessageTypeText,
		Content:  &content,
	})
	observability.ObserveWrite("insert_message", err)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("send message: %w", err)
	}

	if err := s.StopTyping(ctx, userID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("stop typing after send failed")
	}
	return nil
}

// SendFileMessage uploads an image and inserts an image message referencing
// its public URL. Non-image files are rejected before any upload. The blob is
// kept if the message insert fails.
func (s *Service) SendFileMessage(ctx context.Context, userID, username string, file File) error {
	if !strings.HasPrefix(file.Type, "image/") {
		return ErrUnsupportedFile
	}
	// the declared type is caller supplied; the stored one is sniffed
	if detected, ok := storage.DetectImage(file.Data); !ok {
		return fmt.Errorf("%w: content is %s", ErrUnsupportedFile, detected)
	}

	ctx, span := s.tracer.Start(ctx, "chat.send_file_message", trace.WithAttributes(
		attribute.String("chat.file_type", file.Type),
		attribute.Int("chat.file_size", len(file.Data)),
	))
	defer span.End()

	path, err := s.storage.Upload(ctx, ObjectName(s.clock.Now(), file.Name), file.Data)
	observability.ObserveWrite("upload_object", err)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("upload image: %w", err)
	}

	url := s.storage.PublicURL(path)
	err = s.messages.Insert(ctx, models.NewMessage{
		Room:          s.Room(),
		UserID:        userID,
		Username:      username,
		Type:          models.MessageTypeImage,
		AttachmentURL: &url,
	})
	observability.ObserveWrite("insert_message", err)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("send image message: %w", err)
	}
	return nil
}

// DeleteMessage tombstones a message for everyone, or hides it for userID.
// Authorship of a delete for everyone is enforced by the store. A hide is
// applied locally as soon as it is stored.
func (s *Service) DeleteMessage(ctx context.Context, messageID, userID string, forEveryone bool) error {
	if messageID == "" {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "chat.delete_message", trace.WithAttributes(
		attribute.String("chat.message_id", messageID),
		attribute.Bool("chat.for_everyone", forEveryone),
	))
	defer span.End()

	if forEveryone {
		err := s.messages.MarkDeletedForAll(ctx, messageID, userID)
		observability.ObserveWrite("delete_for_all", err)
		if err != nil {
			failSpan(span, err)
			return fmt.Errorf("delete message for everyone: %w", err)
		}
		return nil
	}

	err := s.hides.InsertBatch(ctx, []models.NewHide{{UserID: userID, MessageID: messageID}})
	observability.ObserveWrite("insert_hide", err)
	if err != nil {
		failSpan(span, err)
		return fmt.Errorf("hide message: %w", err)
	}
	s.apply(func() bool { return s.hideLocked(messageID) })
	return nil
}

// ClearAllMessages hides every visible message for userID in batches of
// HideBatchSize. Local state follows each stored batch, so a failure leaves
// earlier batches hidden.
func (s *Service) ClearAllMessages(ctx context.Context, userID string) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.list))
	for _, m := range s.list {
		if _, ok := s.hidden[m.ID]; !ok {
			ids = append(ids, m.ID)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "chat.clear_all", trace.WithAttributes(attribute.Int("chat.message_count", len(ids))))
	defer span.End()

	for start := 0; start < len(ids); start += HideBatchSize {
		batch := ids[start:min(start+HideBatchSize, len(ids))]
		hides := make([]models.NewHide, 0, len(batch))
		for _, id := range batch {
			hides = append(hides, models.NewHide{UserID: userID, MessageID: id})
		}

		err := s.hides.InsertBatch(ctx, hides)
		observability.ObserveWrite("insert_hide", err)
		if err != nil {
			failSpan(span, err)
			return fmt.Errorf("clear messages: batch %d of %d: %w", start/HideBatchSize+1, (len(ids)+HideBatchSize-1)/HideBatchSize, err)
		}

		s.apply(func() bool {
			changed := false
			for _, id := range batch {
				if s.hideLocked(id) {
					changed = true
				}
			}
			return changed
		})
	}
	return nil
}

// StartTyping marks userID as typing locally and broadcasts it.
func (s *Service) StartTyping(ctx context.Context, userID, username string) error {
	s.typing.Start(userID, username)
	return s.broadcastTyping(ctx, models.TypingEvent{Action: models.TypingStart, UserID: userID, Username: username})
}

// StopTyping clears userID locally and broadcasts it.
func (s *Service) StopTyping(ctx context.Context, userID string) error {
	s.typing.Stop(userID)
	return s.broadcastTyping(ctx, models.TypingEvent{Action: models.TypingStop, UserID: userID})
}

func (s *Service) broadcastTyping(ctx context.Context, ev models.TypingEvent) error {
	observability.IncTypingBroadcast("out", ev.Action)
	if err := s.bus.Broadcast(ctx, TypingTopic(s.Room()), ev); err != nil {
		return fmt.Errorf("broadcast typing %s: %w", ev.Action, err)
	}
	return nil
}

// OnMessagesUpdate registers fn, calls it with the current list and returns
// the unsubscribe function.
func (s *Service) OnMessagesUpdate(fn func([]models.Message)) func() {
	s.mu.Lock()
	l := s.msgListeners.add(fn)
	snapshot := slices.Clone(s.list)
	version := s.msgVersion
	s.mu.Unlock()

	l.deliver(snapshot, version)
	return func() {
		s.mu.Lock()
		s.msgListeners.remove(l)
		s.mu.Unlock()
	}
}

// OnTypingUpdate registers fn, calls it with the peers currently typing and
// returns the unsubscribe function. The viewer never appears in the list.
func (s *Service) OnTypingUpdate(fn func([]models.TypingUser)) func() {
	s.mu.Lock()
	l := s.typListeners.add(fn)
	version := s.typingVersion
	viewer := s.viewerID
	s.mu.Unlock()

	l.deliver(s.typing.List(viewer), version)
	return func() {
		s.mu.Lock()
		s.typListeners.remove(l)
		s.mu.Unlock()
	}
}

// Messages returns a copy of the visible messages.
func (s *Service) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.list)
}

// IsHidden reports whether the viewer has hidden messageID.
func (s *Service) IsHidden(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hidden[messageID]
	return ok
}

// Room returns the room the service writes to.
func (s *Service) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Dispose closes all subscriptions, drops every listener and stops pending
// typing timers. Writes already in flight are not cancelled; their effects are
// ignored. Safe to call more than once, and before or after a failed Init.
func (s *Service) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	subs := s.subs
	s.subs = nil
	s.msgListeners.clear()
	s.typListeners.clear()
	s.mu.Unlock()

	unsubscribeAll(subs)
	s.typing.Close()
	s.cancel()
}

func (s *Service) handleMessageChange(c realtime.Change) {
	switch c.Op {
	case realtime.OpInsert, realtime.OpUpdate:
		var row models.MessageRow
		if err := c.DecodeNew(&row); err != nil {
			s.logger.Warn().Err(err).Str("op", string(c.Op)).Msg("dropping undecodable message change")
			return
		}
		if c.Partial {
			var ok bool
			if row, ok = s.fetchChanged(row.ID.String()); !ok {
				return
			}
		}
		if err := row.Validate(); err != nil {
			s.logger.Warn().Err(err).Str("op", string(c.Op)).Msg("dropping invalid message change")
			return
		}
		m := MapMessage(row)
		if c.Op == realtime.OpInsert {
			s.apply(func() bool { return s.insertLocked(m) })
		} else {
			s.apply(func() bool { return s.replaceLocked(m) })
		}
	case realtime.OpDelete:
		var old struct {
			ID models.RowID `json:"id"`
		}
		if err := c.DecodeOld(&old); err != nil || old.ID == "" {
			s.logger.Warn().Err(err).Msg("dropping undecodable message delete")
			return
		}
		s.apply(func() bool { return s.removeLocked(old.ID.String()) })
	}
}

// fetchChanged loads a row whose change notification only carried its key.
func (s *Service) fetchChanged(id string) (models.MessageRow, bool) {
	if id == "" {
		s.logger.Warn().Msg("dropping partial message change without id")
		return models.MessageRow{}, false
	}
	row, err := s.messages.Get(s.ctx, id)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("message_id", id).Msg("fetch of changed message failed")
		}
		return models.MessageRow{}, false
	}
	s.mu.Lock()
	room := s.room
	s.mu.Unlock()
	if row.Room != room {
		return models.MessageRow{}, false
	}
	return row, true
}

func (s *Service) handleHideChange(c realtime.Change) {
	var row models.HideRow
	var err error
	if c.Op == realtime.OpDelete {
		err = c.DecodeOld(&row)
	} else {
		err = c.DecodeNew(&row)
	}
	if err == nil {
		err = row.Validate()
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("op", string(c.Op)).Msg("dropping invalid hide change")
		return
	}

	s.mu.Lock()
	viewer := s.viewerID
	s.mu.Unlock()
	if row.UserID != viewer {
		return
	}

	id := row.MessageID.String()
	switch c.Op {
	case realtime.OpInsert:
		s.apply(func() bool { return s.hideLocked(id) })
	case realtime.OpDelete:
		s.unhide(id)
	}
}

// unhide drops id from the hidden set and re-fetches the message so it shows
// again if it still belongs to the room.
func (s *Service) unhide(id string) {
	s.mu.Lock()
	_, wasHidden := s.hidden[id]
	delete(s.hidden, id)
	room := s.room
	s.mu.Unlock()
	if !wasHidden {
		return
	}

	row, err := s.messages.Get(s.ctx, id)
	if err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Str("message_id", id).Msg("re-fetch of un-hidden message failed")
		}
		return
	}
	if row.Room != room || row.Validate() != nil {
		return
	}
	m := MapMessage(row)
	s.apply(func() bool { return s.insertLocked(m) })
}

func (s *Service) handleTypingBroadcast(body []byte) {
	var ev models.TypingEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("dropping undecodable typing broadcast")
		return
	}

	s.mu.Lock()
	viewer := s.viewerID
	disposed := s.disposed
	s.mu.Unlock()
	if disposed || ev.UserID == "" || ev.UserID == viewer {
		return
	}

	observability.IncTypingBroadcast("in", ev.Action)
	if ev.Action == models.TypingStart {
		s.typing.Start(ev.UserID, ev.Username)
	} else {
		s.typing.Stop(ev.UserID)
	}
}

// apply runs mutate under the state lock and, if it reports a change,
// publishes a new snapshot. It returns false once the service is disposed.
func (s *Service) apply(mutate func() bool) bool {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false
	}
	if !mutate() {
		s.mu.Unlock()
		return true
	}
	s.msgVersion++
	version := s.msgVersion
	snapshot := slices.Clone(s.list)
	listeners := s.msgListeners.list()
	s.mu.Unlock()

	for _, l := range listeners {
		l.deliver(snapshot, version)
	}
	return true
}

func (s *Service) notifyTyping() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.typingVersion++
	version := s.typingVersion
	viewer := s.viewerID
	listeners := s.typListeners.list()
	s.mu.Unlock()

	users := s.typing.List(viewer)
	for _, l := range listeners {
		l.deliver(users, version)
	}
}

func (s *Service) indexLocked(id string) int {
	return slices.IndexFunc(s.list, func(m models.Message) bool { return m.ID == id })
}

// insertLocked adds m at its timestamp position unless it is hidden. A message
// already present is replaced.
func (s *Service) insertLocked(m models.Message) bool {
	if _, ok := s.hidden[m.ID]; ok {
		return false
	}
	if i := s.indexLocked(m.ID); i >= 0 {
		s.list[i] = m
		return true
	}
	i := sort.Search(len(s.list), func(i int) bool { return s.list[i].Timestamp.After(m.Timestamp) })
	s.list = slices.Insert(s.list, i, m)
	return true
}

func (s *Service) replaceLocked(m models.Message) bool {
	i := s.indexLocked(m.ID)
	if i < 0 {
		return false
	}
	s.list[i] = m
	return true
}

func (s *Service) removeLocked(id string) bool {
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.list = slices.Delete(s.list, i, i+1)
	return true
}

func (s *Service) hideLocked(id string) bool {
	_, had := s.hidden[id]
	s.hidden[id] = struct{}{}
	removed := s.removeLocked(id)
	return !had || removed
}

func unsubscribeAll(subs []realtime.Subscription) {
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func failSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
