// Package services – Session
//
// A Session is one connected client's live view: the user, their friends
// and rooms, and the messages of the single active room. It owns every bus
// subscription it opens, keyed by topic, and releases them on SwitchRoom,
// LeaveRoom and Close.
//
// Room history is loaded after the room subscription is open. Events that
// arrive while the load is in flight are held back and applied on top of
// the loaded page, so nothing committed after the subscription started is
// lost. A lost subscription is reopened with backoff and the affected state
// is reloaded and pushed to the client as a snapshot.
package services

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
)

// Update kinds sent to the transport.
const (
	UpdateEvent    = "event"
	UpdateSnapshot = "snapshot"
)

// SessionBuffer is the capacity of a session's update channel.
const SessionBuffer = 256

// roomHistory is how many recent messages a room switch loads.
const roomHistory = 100

// Update is one item of a session's outbound stream.
type Update struct {
	Type     string     `json:"type"`
	Event    *bus.Event `json:"event,omitempty"`
	Snapshot *Snapshot  `json:"snapshot,omitempty"`
}

// Snapshot is a copy of a session's local view.
type Snapshot struct {
	User       *domain.User     `json:"user"`
	Friends    []domain.User    `json:"friends"`
	Rooms      []RoomView       `json:"rooms"`
	ActiveRoom string           `json:"active_room,omitempty"`
	Messages   []domain.Message `json:"messages,omitempty"`
}

// Session is a client's live view of the chat store.
type Session struct {
	chat   *ChatService
	events bus.Subscriber
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan Update
	wg     sync.WaitGroup

	mu       sync.Mutex
	opened   bool
	closed   bool
	userID   string
	user     *domain.User
	friends  []domain.User
	rooms    []RoomView
	active   string
	messages []domain.Message
	loading  bool
	pending  []bus.Event
	subs     map[string]context.CancelFunc
	// roomCancel ends the active room's reconcile context; a superseded
	// load sees it cancelled and discards its result.
	roomCancel context.CancelFunc
}

// NewSession returns an unopened session.
func NewSession(chat *ChatService, events bus.Subscriber, log zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		chat:   chat,
		events: events,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan Update, SessionBuffer),
		subs:   make(map[string]context.CancelFunc),
	}
}

// Open authenticates the session as userID, marks the user online, loads
// the directory and starts the user-level subscriptions.
func (s *Session) Open(ctx context.Context, userID, username string) (*Snapshot, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.opened:
		s.mu.Unlock()
		return nil, ErrSessionOpen
	}
	s.opened = true
	s.mu.Unlock()

	if _, err := s.chat.EnsureUser(ctx, userID, username); err != nil {
		return nil, err
	}
	u, err := s.chat.SetPresence(ctx, userID, true)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.userID, s.user = userID, u
	s.log = s.log.With().Str("user_id", userID).Logger()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	for _, topic := range []string{bus.UsersTopic, bus.UserTopic(userID)} {
		s.watchLocked(topic, s.events.Subscribe(topic), s.onUserEvent, s.resyncDirectory)
	}
	s.mu.Unlock()

	if err := s.loadDirectory(ctx); err != nil {
		return nil, err
	}
	return s.Snapshot(), nil
}

// Events streams session-scoped updates. The channel is never closed; stop
// reading when Done is closed.
func (s *Session) Events() <-chan Update { return s.out }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// UserID returns the authenticated user id.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ActiveRoom returns the active room id, or "".
func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot copies the local view.
func (s *Session) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Friends:    slices.Clone(s.friends),
		Rooms:      slices.Clone(s.rooms),
		ActiveRoom: s.active,
		Messages:   slices.Clone(s.messages),
	}
	if s.user != nil {
		u := *s.user
		snap.User = &u
	}
	return snap
}

// SwitchRoom makes roomID the active room. The previous room's
// subscription is released, the new one is opened and its recent history
// loaded. The returned messages are the new local view.
func (s *Session) SwitchRoom(ctx context.Context, roomID string) ([]domain.Message, error) {
	userID, err := s.openUser()
	if err != nil {
		return nil, err
	}
	if _, err := s.chat.memberRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.leaveLocked()
	rctx, cancel := context.WithCancel(s.ctx)
	s.active, s.roomCancel = roomID, cancel
	topic := bus.RoomTopic(roomID)
	s.watchLocked(topic, s.events.Subscribe(topic), s.onRoomEvent(roomID), func(context.Context) {
		if _, err := s.reconcile(rctx, roomID); err != nil {
			if rctx.Err() == nil {
				s.log.Warn().Err(err).Str("room_id", roomID).Msg("room reconcile")
			}
			return
		}
		s.emit(Update{Type: UpdateSnapshot, Snapshot: s.Snapshot()})
	})
	s.mu.Unlock()

	return s.reconcile(rctx, roomID)
}

// LeaveRoom releases the active room.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	s.leaveLocked()
	s.mu.Unlock()
}

// Send posts content to the active room.
func (s *Session) Send(ctx context.Context, content, idemKey string) (*domain.Message, bool, error) {
	userID, err := s.openUser()
	if err != nil {
		return nil, false, err
	}
	roomID := s.ActiveRoom()
	if roomID == "" {
		return nil, false, ErrNoActiveRoom
	}
	return s.chat.SendMessage(ctx, userID, roomID, content, idemKey)
}

// Delete removes one of the user's own messages.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	userID, err := s.openUser()
	if err != nil {
		return err
	}
	return s.chat.DeleteMessage(ctx, userID, messageID)
}

// Close releases every subscription and marks the user offline. It is safe
// to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.leaveLocked()
	for topic, cancel := range s.subs {
		cancel()
		delete(s.subs, topic)
	}
	userID := s.userID
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if userID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.chat.SetPresence(ctx, userID, false)
	return err
}

func (s *Session) openUser() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrSessionClosed
	}
	if s.userID == "" {
		return "", ErrUserNotFound
	}
	return s.userID, nil
}

// watchLocked starts following sub under the registry entry for its topic.
// onGap receives the watch context. s.mu must be held.
func (s *Session) watchLocked(topic string, sub *bus.Subscription, handle func(bus.Event) bool, onGap func(context.Context)) {
	if prev := s.subs[topic]; prev != nil {
		prev()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.subs[topic] = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := followFrom(ctx, s.events, sub, handle, func() { onGap(ctx) })
		if err != nil && ctx.Err() == nil && !errors.Is(err, bus.ErrClosed) {
			s.log.Warn().Err(err).Str("topic", topic).Msg("session subscription ended")
		}
	}()
}

// leaveLocked drops the active room. s.mu must be held.
func (s *Session) leaveLocked() {
	if s.active == "" {
		return
	}
	topic := bus.RoomTopic(s.active)
	if cancel := s.subs[topic]; cancel != nil {
		cancel()
		delete(s.subs, topic)
	}
	if s.roomCancel != nil {
		s.roomCancel()
		s.roomCancel = nil
	}
	s.active, s.messages, s.pending, s.loading = "", nil, nil, false
}

// reconcile reloads the active room's recent history. Events received
// during the load are applied on top of it.
func (s *Session) reconcile(ctx context.Context, roomID string) ([]domain.Message, error) {
	s.mu.Lock()
	if ctx.Err() != nil || s.active != roomID {
		s.mu.Unlock()
		return nil, context.Canceled
	}
	s.loading, s.pending = true, nil
	userID := s.userID
	s.mu.Unlock()

	page, err := s.chat.ListMessages(ctx, userID, roomID, ListQuery{PageSize: roomHistory})

	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil || s.active != roomID {
		return nil, context.Canceled
	}
	pending := s.pending
	s.loading, s.pending = false, nil
	if err != nil {
		return nil, err
	}
	s.messages = page.Messages
	for _, ev := range pending {
		s.applyLocked(ev)
	}
	return slices.Clone(s.messages), nil
}

func (s *Session) onRoomEvent(roomID string) func(bus.Event) bool {
	return func(ev bus.Event) bool {
		s.mu.Lock()
		if s.closed || s.active != roomID {
			s.mu.Unlock()
			return false
		}
		if ev.Table == bus.TableRooms && ev.Op == bus.OpDelete {
			s.leaveLocked()
			s.mu.Unlock()
			s.emit(Update{Type: UpdateEvent, Event: &ev})
			return false
		}
		if s.loading {
			s.pending = append(s.pending, ev)
		} else {
			s.applyLocked(ev)
		}
		s.mu.Unlock()
		s.emit(Update{Type: UpdateEvent, Event: &ev})
		return true
	}
}

// applyLocked folds a room event into the message view. s.mu must be held.
func (s *Session) applyLocked(ev bus.Event) {
	if ev.Table != bus.TableMessages {
		return
	}
	switch ev.Op {
	case bus.OpInsert:
		var m domain.Message
		if err := ev.Decode(&m); err != nil {
			s.log.Warn().Err(err).Msg("decode message event")
			return
		}
		if slices.ContainsFunc(s.messages, func(x domain.Message) bool { return x.ID == m.ID }) {
			return
		}
		s.messages = append(s.messages, m)
	case bus.OpDelete:
		var ref MessageRef
		if err := ev.Decode(&ref); err != nil {
			s.log.Warn().Err(err).Msg("decode message event")
			return
		}
		s.messages = slices.DeleteFunc(s.messages, func(x domain.Message) bool { return x.ID == ref.ID })
	}
}

func (s *Session) onUserEvent(ev bus.Event) bool {
	switch ev.Table {
	case bus.TableUsers:
		var u domain.User
		if err := ev.Decode(&u); err != nil {
			s.log.Warn().Err(err).Msg("decode user event")
			return true
		}
		s.mu.Lock()
		if u.ID == s.userID {
			s.user = &u
		}
		for i := range s.friends {
			if s.friends[i].ID == u.ID {
				s.friends[i] = u
			}
		}
		s.mu.Unlock()
	case bus.TableRooms:
		if ev.Op == bus.OpDelete {
			s.mu.Lock()
			if s.active == ev.RoomID {
				s.leaveLocked()
			}
			s.mu.Unlock()
		}
		if err := s.loadDirectory(s.ctx); err != nil && s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("reload rooms")
		}
	}
	s.emit(Update{Type: UpdateEvent, Event: &ev})
	return true
}

func (s *Session) resyncDirectory(ctx context.Context) {
	if err := s.loadDirectory(ctx); err != nil {
		if ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("directory reconcile")
		}
		return
	}
	s.emit(Update{Type: UpdateSnapshot, Snapshot: s.Snapshot()})
}

func (s *Session) loadDirectory(ctx context.Context) error {
	userID, err := s.openUser()
	if err != nil {
		return err
	}
	u, err := s.chat.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	friends, err := s.chat.ListFriends(ctx, userID)
	if err != nil {
		return err
	}
	rooms, err := s.chat.ListRooms(ctx, userID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.user, s.friends, s.rooms = u, friends, rooms
	s.mu.Unlock()
	return nil
}

// emit blocks until the transport takes u or the session closes. A slow
// transport therefore backs up into the bus, which drops the subscription
// and triggers a reconcile.
func (s *Session) emit(u Update) {
	select {
	case s.out <- u:
	case <-s.ctx.Done():
	}
}
