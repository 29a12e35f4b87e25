// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for rooms and
// room membership.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only
// persistence and query composition.
//
// Error semantics:
//   - When a row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique-index violations on inserts are reported as ErrDuplicate.
//   - Other DB errors are propagated as-is.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/domain"
)

// CreateRoom inserts a room row with a fresh UUID.
func CreateRoom(ctx context.Context, db *gorm.DB, roomType string, name *string, createdBy string) (*domain.ChatRoom, error) {
	r := &domain.ChatRoom{
		ID:        uuid.NewString(),
		Type:      roomType,
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetRoom fetches a room by id.
func GetRoom(ctx context.Context, db *gorm.DB, id string) (*domain.ChatRoom, error) {
	var r domain.ChatRoom
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// AddMember inserts a membership row; ErrDuplicate when already a member.
func AddMember(ctx context.Context, db *gorm.DB, roomID, userID string) (*domain.RoomMember, error) {
	m := &domain.RoomMember{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		UserID:   userID,
		JoinedAt: time.Now().UTC(),
	}
	if err := createUnique(db.WithContext(ctx), m); err != nil {
		return nil, err
	}
	return m, nil
}

// IsMember reports whether userID belongs to roomID.
func IsMember(ctx context.Context, db *gorm.DB, roomID, userID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.RoomMember{}).
		Where("room_id = ? AND user_id = ?", roomID, userID).
		Count(&n).Error
	return n > 0, err
}

// ListMemberIDs returns the user ids of a room's members in join order.
func ListMemberIDs(ctx context.Context, db *gorm.DB, roomID string) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Model(&domain.RoomMember{}).
		Where("room_id = ?", roomID).
		Order("joined_at ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

// ListRoomsForUser returns every room userID is a member of, newest first.
func ListRoomsForUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.ChatRoom, error) {
	var out []domain.ChatRoom
	err := db.WithContext(ctx).
		Joins("JOIN room_members m ON m.room_id = chat_rooms.id").
		Where("m.user_id = ?", userID).
		Order("chat_rooms.created_at DESC").
		Find(&out).Error
	return out, err
}

// FindPrivateRoom returns the private room whose member set is exactly
// {a, b}, or ErrNotFound. The oldest match wins if duplicates ever exist.
func FindPrivateRoom(ctx context.Context, db *gorm.DB, a, b string) (*domain.ChatRoom, error) {
	var r domain.ChatRoom
	err := db.WithContext(ctx).
		Model(&domain.ChatRoom{}).
		Select("chat_rooms.*").
		Joins("JOIN room_members m ON m.room_id = chat_rooms.id").
		Where("chat_rooms.type = ?", domain.RoomPrivate).
		Group("chat_rooms.id").
		Having("COUNT(*) = 2 AND SUM(CASE WHEN m.user_id IN (?, ?) THEN 1 ELSE 0 END) = 2", a, b).
		Order("chat_rooms.created_at ASC").
		Limit(1).
		Take(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoomCascade removes a room and everything hanging off it in a fixed
// order: forward logs, messages, members, webhooks, broker connections,
// idempotency keys, then the room. Call it inside a transaction so a failure
// part-way leaves nothing orphaned.
func DeleteRoomCascade(ctx context.Context, tx *gorm.DB, roomID string) error {
	tx = tx.WithContext(ctx)

	connIDs := tx.Model(&domain.BrokerConnection{}).Select("id").Where("room_id = ?", roomID)
	steps := []func() error{
		func() error {
			return tx.Where("room_id = ? OR connection_id IN (?)", roomID, connIDs).Delete(&domain.ForwardLog{}).Error
		},
		func() error { return tx.Where("room_id = ?", roomID).Delete(&domain.Message{}).Error },
		func() error { return tx.Where("room_id = ?", roomID).Delete(&domain.RoomMember{}).Error },
		func() error { return tx.Where("room_id = ?", roomID).Delete(&domain.Webhook{}).Error },
		func() error { return tx.Where("room_id = ?", roomID).Delete(&domain.BrokerConnection{}).Error },
		func() error { return tx.Where("room_id = ?", roomID).Delete(&domain.Idempotency{}).Error },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	res := tx.Where("id = ?", roomID).Delete(&domain.ChatRoom{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
