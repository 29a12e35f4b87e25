// Package services – ChatService messages
//
// This file implements the message-level operations of ChatService: sends
// with client idempotency keys, uploads, author-only deletion, cross-room
// forwarding and ordered listing.
//
// Ordering: every insert goes through commitMessages, which holds the room
// lock across insert, commit and publish, so INSERT events for a room are
// delivered in the same order a fetch returns them.
package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
)

// Upload kinds accepted by UploadFile.
const (
	UploadFile   = "file"
	UploadImage  = "image"
	UploadAvatar = "avatar"
)

// Upload is a client file stream. Size is advisory; the stream is capped
// independently.
type Upload struct {
	Name string
	Size int64
	Body io.Reader
}

// UploadResult is what an upload produced: always a URL, plus the chat
// message for file/image uploads or the updated profile for avatars.
type UploadResult struct {
	URL     string          `json:"url"`
	Message *domain.Message `json:"message,omitempty"`
	User    *domain.User    `json:"user,omitempty"`
}

// ListQuery selects a window of a room's history. After (a message id)
// takes precedence over Page; with neither, the newest PageSize messages
// are returned.
type ListQuery struct {
	After    string
	Page     int
	PageSize int
}

// MessagePage is the result of ListMessages.
type MessagePage struct {
	Messages []domain.Message `json:"messages"`
	Total    int64            `json:"total,omitempty"`
	Page     int              `json:"page,omitempty"`
	PageSize int              `json:"page_size"`
}

// SendMessage inserts a text message into a room the caller belongs to.
// A non-empty idemKey makes the send idempotent per (user, room, key): the
// second call returns the first message with replayed=true and publishes
// nothing.
func (s *ChatService) SendMessage(ctx context.Context, userID, roomID, content, idemKey string) (*domain.Message, bool, error) {
	ctx, span := tracer().Start(ctx, "SendMessage", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("room.id", roomID),
		attribute.Bool("idempotent", idemKey != ""),
	))
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, false, ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(content) > s.MaxMessageRunes {
		return nil, false, ErrTooLong
	}
	room, err := s.memberRoom(ctx, userID, roomID)
	if err != nil {
		return nil, false, err
	}
	if room.Type == domain.RoomWebhook {
		return nil, false, ErrReadOnlyRoom
	}
	if m, ok, err := s.replay(ctx, userID, roomID, idemKey); ok || err != nil {
		return m, ok, err
	}
	author, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	msgs, err := commitMessages(ctx, s.DB, s.Bus, roomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		m := &domain.Message{
			RoomID:      roomID,
			UserID:      userID,
			Username:    author.Username,
			Color:       author.Color,
			Content:     content,
			MessageType: domain.MessageText,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		if idemKey != "" {
			if _, err := repo.CreateIdempotency(ctx, tx, userID, roomID, idemKey, m.ID, http.StatusCreated, s.IdempotencyTTL); err != nil {
				return nil, err
			}
		}
		return []*domain.Message{m}, nil
	})
	if errors.Is(err, repo.ErrDuplicate) && idemKey != "" {
		// Another node recorded the key between our check and insert.
		m, _, rerr := s.replay(ctx, userID, roomID, idemKey)
		if rerr != nil {
			return nil, false, rerr
		}
		return m, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	return msgs[0], false, nil
}

func (s *ChatService) replay(ctx context.Context, userID, roomID, key string) (*domain.Message, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, roomID, key, time.Now().UTC())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m, err := repo.GetMessage(ctx, s.DB, rec.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrMessageNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// UploadFile stores a blob and records it. file and image uploads become a
// message in roomID; avatar uploads (roomID ignored) update the profile and
// must be images.
func (s *ChatService) UploadFile(ctx context.Context, userID, roomID, kind string, up Upload) (*UploadResult, error) {
	ctx, span := tracer().Start(ctx, "UploadFile", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("room.id", roomID),
		attribute.String("upload.kind", kind),
		attribute.Int64("upload.size", up.Size),
	))
	defer span.End()

	limit := s.MaxUploadBytes
	if kind == UploadAvatar {
		limit = s.MaxAvatarBytes
	}
	if limit > 0 && up.Size > limit {
		return nil, ErrFileTooLarge
	}

	var room *domain.ChatRoom
	switch kind {
	case UploadFile, UploadImage:
		r, err := s.memberRoom(ctx, userID, roomID)
		if err != nil {
			return nil, err
		}
		if r.Type == domain.RoomWebhook {
			return nil, ErrReadOnlyRoom
		}
		room = r
	case UploadAvatar:
	default:
		return nil, ErrUnsupportedFileType
	}

	data, err := readCapped(up.Body, limit)
	if err != nil {
		return nil, err
	}
	mt := mimetype.Detect(data)
	isImage := strings.HasPrefix(mt.String(), "image/")
	if (kind == UploadImage || kind == UploadAvatar) && !isImage {
		return nil, ErrUnsupportedFileType
	}

	name := path.Base(strings.ReplaceAll(strings.TrimSpace(up.Name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload" + mt.Extension()
	}
	key := path.Join(kind, userID, uuid.NewString()+mt.Extension())
	url, err := s.Store.Put(ctx, key, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	if kind == UploadAvatar {
		u, err := s.UpdateProfile(ctx, userID, ProfileUpdate{AvatarURL: &url})
		if err != nil {
			return nil, err
		}
		return &UploadResult{URL: url, User: u}, nil
	}

	author, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	msgType := domain.MessageFile
	if isImage {
		msgType = domain.MessageImage
	}
	size := int64(len(data))
	ctype := mt.String()
	msgs, err := commitMessages(ctx, s.DB, s.Bus, room.ID, func(tx *gorm.DB) ([]*domain.Message, error) {
		m := &domain.Message{
			RoomID:      room.ID,
			UserID:      userID,
			Username:    author.Username,
			Color:       author.Color,
			Content:     name,
			MessageType: msgType,
			FileURL:     &url,
			FileName:    &name,
			FileType:    &ctype,
			FileSize:    &size,
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		return []*domain.Message{m}, nil
	})
	if err != nil {
		_ = s.Store.Delete(ctx, key)
		return nil, err
	}
	return &UploadResult{URL: url, Message: msgs[0]}, nil
}

// readCapped reads r fully and fails with ErrFileTooLarge past limit.
func readCapped(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, ErrEmptyFile
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, ErrFileTooLarge
	}
	if len(data) == 0 {
		return nil, ErrEmptyFile
	}
	return data, nil
}

// DeleteMessage hard-deletes a message authored by the caller.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, messageID string) error {
	ctx, span := tracer().Start(ctx, "DeleteMessage", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("message.id", messageID)))
	defer span.End()

	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	if m.UserID != userID {
		return ErrForbidden
	}

	unlock := roomLocks.Lock(m.RoomID)
	defer unlock()
	if err := repo.DeleteMessage(ctx, s.DB, messageID, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	publish(s.Bus, messageDeleted(m))
	return nil
}

// ForwardMessage copies a message's content and attachment reference into
// another room. The caller must belong to both rooms; webhook rooms are not
// valid targets. Webhook alerts arrive in the target as plain text.
func (s *ChatService) ForwardMessage(ctx context.Context, userID, messageID, targetRoomID string) (*domain.Message, error) {
	ctx, span := tracer().Start(ctx, "ForwardMessage", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("message.id", messageID),
		attribute.String("target.room.id", targetRoomID),
	))
	defer span.End()

	src, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.memberRoom(ctx, userID, src.RoomID); err != nil {
		return nil, err
	}
	if targetRoomID == src.RoomID {
		return nil, ErrInvalidForwardTarget
	}
	target, err := s.memberRoom(ctx, userID, targetRoomID)
	if err != nil {
		return nil, err
	}
	if target.Type == domain.RoomWebhook {
		return nil, ErrInvalidForwardTarget
	}
	author, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	msgs, err := commitMessages(ctx, s.DB, s.Bus, targetRoomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		m := &domain.Message{
			RoomID:      targetRoomID,
			UserID:      userID,
			Username:    author.Username,
			Color:       author.Color,
			Content:     src.Content,
			MessageType: src.MessageType,
			FileURL:     src.FileURL,
			FileName:    src.FileName,
			FileType:    src.FileType,
			FileSize:    src.FileSize,
		}
		if src.IsWebhook() {
			m.MessageType = domain.MessageText
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		return []*domain.Message{m}, nil
	})
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

// ListMessages returns room history ordered by (created_at, id) ascending.
func (s *ChatService) ListMessages(ctx context.Context, userID, roomID string, q ListQuery) (*MessagePage, error) {
	ctx, span := tracer().Start(ctx, "ListMessages", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("room.id", roomID),
		attribute.Int("page", q.Page),
		attribute.Int("page_size", q.PageSize),
	))
	defer span.End()

	if _, err := s.memberRoom(ctx, userID, roomID); err != nil {
		return nil, err
	}
	size := q.PageSize
	if size <= 0 {
		size = 50
	}
	if size > 500 {
		size = 500
	}
	out := &MessagePage{PageSize: size}

	switch {
	case q.After != "":
		cur, err := repo.GetMessage(ctx, s.DB, q.After)
		if errors.Is(err, repo.ErrNotFound) || (err == nil && cur.RoomID != roomID) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, err
		}
		out.Messages, err = repo.ListMessagesAfter(ctx, s.DB, roomID, cur.CreatedAt, cur.ID, size)
		if err != nil {
			return nil, err
		}
	case q.Page > 0:
		total, err := repo.CountMessages(ctx, s.DB, roomID)
		if err != nil {
			return nil, err
		}
		out.Total, out.Page = total, q.Page
		out.Messages, err = repo.ListMessagesPage(ctx, s.DB, roomID, (q.Page-1)*size, size)
		if err != nil {
			return nil, err
		}
	default:
		var err error
		out.Messages, err = repo.ListRecentMessages(ctx, s.DB, roomID, size)
		if err != nil {
			return nil, err
		}
	}
	if out.Messages == nil {
		out.Messages = []domain.Message{}
	}
	return out, nil
}

// MessagesStats returns the message count and newest created_at of a room
// the caller belongs to. Handlers derive list ETags from it.
func (s *ChatService) MessagesStats(ctx context.Context, userID, roomID string) (int64, *time.Time, error) {
	if _, err := s.memberRoom(ctx, userID, roomID); err != nil {
		return 0, nil, err
	}
	return repo.MessagesStats(ctx, s.DB, roomID)
}
