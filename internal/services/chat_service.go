// Package services – ChatService
//
// This file implements the identity, friendship and room operations of
// ChatService. Message, upload and deletion flows live in message_service.go.
//
// Membership is the sole authorization: every room-scoped call checks it and
// returns ErrForbidden without writing anything when it fails.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// carry user and room identifiers.
package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mrand "math/rand/v2"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
	"github.com/tbourn/alertdesk/internal/storage"
)

const (
	systemUsername = "System"
	systemColor    = "#9e9e9e"
	maxRoomName    = 100
)

// DefaultPalette is the set of display colors assigned on first login.
var DefaultPalette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#a1887f",
}

var (
	usernameRE = regexp.MustCompile(`^[\p{L}\p{N}_.\-]{3,32}$`)
	colorRE    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// ChatService owns users, friendships, rooms and messages.
type ChatService struct {
	DB    *gorm.DB
	Bus   bus.Publisher
	Store storage.Store

	// PublicBaseURL prefixes generated webhook URLs.
	PublicBaseURL string

	MaxMessageRunes int
	MaxUploadBytes  int64
	MaxAvatarBytes  int64
	IdempotencyTTL  time.Duration
	Palette         []string
}

// NewChatService constructs a ChatService with default limits.
func NewChatService(db *gorm.DB, pub bus.Publisher, store storage.Store) *ChatService {
	return &ChatService{
		DB:              db,
		Bus:             pub,
		Store:           store,
		MaxMessageRunes: 4000,
		MaxUploadBytes:  10 << 20,
		MaxAvatarBytes:  2 << 20,
		IdempotencyTTL:  24 * time.Hour,
		Palette:         DefaultPalette,
	}
}

// ProfileUpdate lists the editable profile fields; nil means unchanged.
type ProfileUpdate struct {
	Username  *string `json:"username,omitempty"`
	Color     *string `json:"color,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

func tracer() trace.Tracer { return otel.Tracer("services/ChatService") }

// UsernameKey returns the case-folded form used for uniqueness.
func UsernameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// EnsureUser returns the profile for id, creating it on first login with a
// random palette color. A taken username gets a suffix derived from id.
func (s *ChatService) EnsureUser(ctx context.Context, id, username string) (*domain.User, error) {
	ctx, span := tracer().Start(ctx, "EnsureUser", trace.WithAttributes(attribute.String("user.id", id)))
	defer span.End()

	u, err := repo.GetUser(ctx, s.DB, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	name := strings.TrimSpace(username)
	if !usernameRE.MatchString(name) {
		name = "user-" + shortID(id)
	}
	candidates := []string{name, name + "-" + shortID(id)}
	for _, cand := range candidates {
		u = &domain.User{
			ID:          id,
			Username:    cand,
			UsernameKey: UsernameKey(cand),
			Color:       s.pickColor(),
			Status:      domain.StatusOffline,
		}
		err = repo.CreateUser(ctx, s.DB, u)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return nil, err
		}
		// A concurrent first login for the same id may have won the race.
		if existing, gerr := repo.GetUser(ctx, s.DB, id); gerr == nil {
			return existing, nil
		}
	}
	return nil, ErrUsernameTaken
}

// GetUser returns a profile by id.
func (s *ChatService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := repo.GetUser(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	return u, err
}

// UpdateProfile validates and applies profile edits, then broadcasts the
// new profile on the users topic.
func (s *ChatService) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*domain.User, error) {
	ctx, span := tracer().Start(ctx, "UpdateProfile", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	fields := map[string]any{}
	if in.Username != nil {
		name := strings.TrimSpace(*in.Username)
		if !usernameRE.MatchString(name) {
			return nil, ErrInvalidUsername
		}
		fields["username"] = name
		fields["username_key"] = UsernameKey(name)
	}
	if in.Color != nil {
		if !colorRE.MatchString(*in.Color) {
			return nil, ErrInvalidColor
		}
		fields["color"] = strings.ToLower(*in.Color)
	}
	if in.AvatarURL != nil {
		fields["avatar_url"] = *in.AvatarURL
	}
	if len(fields) == 0 {
		return s.GetUser(ctx, userID)
	}

	u, err := repo.UpdateUser(ctx, s.DB, userID, fields)
	switch {
	case errors.Is(err, repo.ErrDuplicate):
		return nil, ErrUsernameTaken
	case errors.Is(err, repo.ErrNotFound):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, err
	}
	publish(s.Bus, userUpdated(u))
	return u, nil
}

// SetPresence marks the user online or offline. Going offline stamps
// last_seen.
func (s *ChatService) SetPresence(ctx context.Context, userID string, online bool) (*domain.User, error) {
	ctx, span := tracer().Start(ctx, "SetPresence", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.Bool("online", online)))
	defer span.End()

	fields := map[string]any{"status": domain.StatusOffline, "last_seen": time.Now().UTC()}
	if online {
		fields = map[string]any{"status": domain.StatusOnline}
	}
	u, err := repo.UpdateUser(ctx, s.DB, userID, fields)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	publish(s.Bus, userUpdated(u))
	return u, nil
}

// AddFriend befriends the user with the given username (both directions)
// and opens the private room between them.
func (s *ChatService) AddFriend(ctx context.Context, userID, username string) (*domain.User, *domain.ChatRoom, error) {
	ctx, span := tracer().Start(ctx, "AddFriend", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	friend, err := repo.GetUserByUsernameKey(ctx, s.DB, UsernameKey(username))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil, ErrUserNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if friend.ID == userID {
		return nil, nil, ErrSelfFriend
	}
	if err := repo.CreateFriendship(ctx, s.DB, userID, friend.ID); err != nil {
		return nil, nil, err
	}
	room, err := s.CreatePrivateRoom(ctx, userID, friend.ID)
	if err != nil {
		return nil, nil, err
	}
	return friend, room, nil
}

// ListFriends returns the caller's friends ordered by username.
func (s *ChatService) ListFriends(ctx context.Context, userID string) ([]domain.User, error) {
	ctx, span := tracer().Start(ctx, "ListFriends", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()
	return repo.ListFriends(ctx, s.DB, userID)
}

// RoomView is a room together with its member ids.
type RoomView struct {
	domain.ChatRoom
	Members []string `json:"members"`
}

// ListRooms returns the caller's rooms, newest first, with members.
func (s *ChatService) ListRooms(ctx context.Context, userID string) ([]RoomView, error) {
	ctx, span := tracer().Start(ctx, "ListRooms", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	rooms, err := repo.ListRoomsForUser(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	out := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		ids, err := repo.ListMemberIDs(ctx, s.DB, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, RoomView{ChatRoom: r, Members: ids})
	}
	return out, nil
}

// CreatePrivateRoom returns the existing room whose members are exactly
// {userID, friendID} or creates it. Calls from either side resolve to the
// same room.
func (s *ChatService) CreatePrivateRoom(ctx context.Context, userID, friendID string) (*domain.ChatRoom, error) {
	ctx, span := tracer().Start(ctx, "CreatePrivateRoom", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("friend.id", friendID)))
	defer span.End()

	if userID == friendID {
		return nil, ErrSelfFriend
	}
	ok, err := repo.AreFriends(ctx, s.DB, userID, friendID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFriends
	}

	a, b := userID, friendID
	if b < a {
		a, b = b, a
	}
	unlock := pairLocks.Lock(a + "|" + b)
	defer unlock()

	if r, err := repo.FindPrivateRoom(ctx, s.DB, a, b); err == nil {
		return r, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	var room *domain.ChatRoom
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.CreateRoom(ctx, tx, domain.RoomPrivate, nil, userID)
		if err != nil {
			return err
		}
		for _, id := range []string{userID, friendID} {
			if _, err := repo.AddMember(ctx, tx, r.ID, id); err != nil {
				return err
			}
		}
		room = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	publish(s.Bus, roomListChanged(userID, bus.OpInsert, room))
	publish(s.Bus, roomListChanged(friendID, bus.OpInsert, room))
	return room, nil
}

// CreateGroup creates a group room whose only member is the creator.
func (s *ChatService) CreateGroup(ctx context.Context, userID, name string) (*domain.ChatRoom, error) {
	ctx, span := tracer().Start(ctx, "CreateGroup", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	name, err := roomName(name)
	if err != nil {
		return nil, err
	}
	var room *domain.ChatRoom
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.CreateRoom(ctx, tx, domain.RoomGroup, &name, userID)
		if err != nil {
			return err
		}
		if _, err := repo.AddMember(ctx, tx, r.ID, userID); err != nil {
			return err
		}
		room = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	publish(s.Bus, roomListChanged(userID, bus.OpInsert, room))
	return room, nil
}

// InviteToGroup adds a friend of the caller to a group room and posts a
// system message announcing the join.
func (s *ChatService) InviteToGroup(ctx context.Context, userID, roomID, friendID string) (*domain.Message, error) {
	ctx, span := tracer().Start(ctx, "InviteToGroup", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("room.id", roomID)))
	defer span.End()

	room, err := s.memberRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if room.Type != domain.RoomGroup {
		return nil, ErrNotGroupRoom
	}
	ok, err := repo.AreFriends(ctx, s.DB, userID, friendID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFriends
	}
	friend, err := s.GetUser(ctx, friendID)
	if err != nil {
		return nil, err
	}

	msgs, err := commitMessages(ctx, s.DB, s.Bus, roomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		if _, err := repo.AddMember(ctx, tx, roomID, friendID); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return nil, ErrAlreadyMember
			}
			return nil, err
		}
		m := systemMessage(roomID, friend.Username+" joined the group")
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		return []*domain.Message{m}, nil
	})
	if err != nil {
		return nil, err
	}
	publish(s.Bus, memberAdded(roomID, friendID))
	publish(s.Bus, roomListChanged(friendID, bus.OpInsert, room))
	return msgs[0], nil
}

// CreateWebhookRoom creates a webhook room owned by the caller together with
// its first webhook. The secret is surfaced once, in a system message.
func (s *ChatService) CreateWebhookRoom(ctx context.Context, userID, name string) (*domain.ChatRoom, *domain.Webhook, error) {
	ctx, span := tracer().Start(ctx, "CreateWebhookRoom", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	name, err := roomName(name)
	if err != nil {
		return nil, nil, err
	}
	var (
		room *domain.ChatRoom
		hook *domain.Webhook
		note *domain.Message
	)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.CreateRoom(ctx, tx, domain.RoomWebhook, &name, userID)
		if err != nil {
			return err
		}
		if _, err := repo.AddMember(ctx, tx, r.ID, userID); err != nil {
			return err
		}
		hook, note, err = s.newWebhook(ctx, tx, r.ID, userID)
		if err != nil {
			return err
		}
		room = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	publish(s.Bus, messageInserted(note))
	publish(s.Bus, roomListChanged(userID, bus.OpInsert, room))
	return room, hook, nil
}

// CreateWebhookForRoom issues an additional webhook (with a fresh secret) on
// an existing webhook room; this is the recovery path for a lost secret.
func (s *ChatService) CreateWebhookForRoom(ctx context.Context, userID, roomID string) (*domain.Webhook, error) {
	ctx, span := tracer().Start(ctx, "CreateWebhookForRoom", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("room.id", roomID)))
	defer span.End()

	room, err := s.memberRoom(ctx, userID, roomID)
	if err != nil {
		return nil, err
	}
	if room.Type != domain.RoomWebhook {
		return nil, ErrNotWebhookRoom
	}
	var hook *domain.Webhook
	_, err = commitMessages(ctx, s.DB, s.Bus, roomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		h, m, err := s.newWebhook(ctx, tx, roomID, userID)
		if err != nil {
			return nil, err
		}
		hook = h
		return []*domain.Message{m}, nil
	})
	if err != nil {
		return nil, err
	}
	return hook, nil
}

// ListWebhooks returns the room's webhooks to a member.
func (s *ChatService) ListWebhooks(ctx context.Context, userID, roomID string) ([]domain.Webhook, error) {
	if _, err := s.memberRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return repo.ListWebhooks(ctx, s.DB, roomID)
}

// WebhookURL is the public ingestion URL of a room.
func (s *ChatService) WebhookURL(roomID string) string {
	return strings.TrimRight(s.PublicBaseURL, "/") + "/webhook/" + roomID
}

func (s *ChatService) newWebhook(ctx context.Context, tx *gorm.DB, roomID, userID string) (*domain.Webhook, *domain.Message, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, nil, err
	}
	url := s.WebhookURL(roomID)
	hook, err := repo.CreateWebhook(ctx, tx, roomID, url, secret, userID)
	if err != nil {
		return nil, nil, err
	}
	m := systemMessage(roomID, fmt.Sprintf(
		"🔗 Webhook created\nURL: %s\nSecret: %s\nSend it as the X-Webhook-Secret header, a ?secret= query parameter or a \"secret\" body field.",
		url, secret))
	if err := repo.CreateMessage(ctx, tx, m); err != nil {
		return nil, nil, err
	}
	return hook, m, nil
}

// DeleteRoom removes a room and everything attached to it. Only the
// creator may delete; the cascade runs in one transaction.
func (s *ChatService) DeleteRoom(ctx context.Context, userID, roomID string) error {
	ctx, span := tracer().Start(ctx, "DeleteRoom", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("room.id", roomID)))
	defer span.End()

	room, err := repo.GetRoom(ctx, s.DB, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}
	if room.CreatedBy != userID {
		return ErrForbidden
	}
	members, err := repo.ListMemberIDs(ctx, s.DB, roomID)
	if err != nil {
		return err
	}

	unlock := roomLocks.Lock(roomID)
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return repo.DeleteRoomCascade(ctx, tx, roomID)
	})
	unlock()
	if errors.Is(err, repo.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return err
	}

	ev := bus.NewEvent(bus.RoomTopic(roomID), bus.TableRooms, bus.OpDelete, room)
	ev.RoomID = roomID
	publish(s.Bus, ev)
	for _, id := range members {
		publish(s.Bus, roomListChanged(id, bus.OpDelete, room))
	}
	return nil
}

// RoomMembers returns the member ids of a room the caller belongs to.
func (s *ChatService) RoomMembers(ctx context.Context, userID, roomID string) ([]string, error) {
	if _, err := s.memberRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	return repo.ListMemberIDs(ctx, s.DB, roomID)
}

// memberRoom loads the room and checks membership.
func (s *ChatService) memberRoom(ctx context.Context, userID, roomID string) (*domain.ChatRoom, error) {
	room, err := repo.GetRoom(ctx, s.DB, roomID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	ok, err := repo.IsMember(ctx, s.DB, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}
	return room, nil
}

func (s *ChatService) pickColor() string {
	p := s.Palette
	if len(p) == 0 {
		p = DefaultPalette
	}
	return p[mrand.IntN(len(p))]
}

func systemMessage(roomID, content string) *domain.Message {
	return &domain.Message{
		RoomID:      roomID,
		UserID:      domain.SystemUserID,
		Username:    systemUsername,
		Color:       systemColor,
		Content:     content,
		MessageType: domain.MessageText,
	}
}

func roomName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" || utf8.RuneCountInString(name) > maxRoomName {
		return "", ErrInvalidRoomName
	}
	return name, nil
}

func newSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
