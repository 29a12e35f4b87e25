// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for users and
// friendships.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/alertdesk/internal/domain"
)

// CreateUser inserts u. A taken username surfaces as ErrDuplicate.
func CreateUser(ctx context.Context, db *gorm.DB, u *domain.User) error {
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	return createUnique(db.WithContext(ctx), u)
}

// GetUser fetches a user by id.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsernameKey fetches a user by its case-folded username.
func GetUserByUsernameKey(ctx context.Context, db *gorm.DB, key string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("username_key = ?", key).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUsers returns the users with the given ids.
func ListUsers(ctx context.Context, db *gorm.DB, ids []string) ([]domain.User, error) {
	var out []domain.User
	if len(ids) == 0 {
		return out, nil
	}
	err := db.WithContext(ctx).Where("id IN ?", ids).Order("username ASC").Find(&out).Error
	return out, err
}

// UpdateUser applies the given column updates and returns the fresh row.
func UpdateUser(ctx context.Context, db *gorm.DB, id string, fields map[string]any) (*domain.User, error) {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return nil, ErrDuplicate
		}
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return GetUser(ctx, db, id)
}

// CreateFriendship writes both directions of the relation. Existing rows are
// left untouched, so the call is safe to repeat.
func CreateFriendship(ctx context.Context, db *gorm.DB, userID, friendID string) error {
	now := time.Now().UTC()
	rows := []domain.Friendship{
		{ID: uuid.NewString(), UserID: userID, FriendID: friendID, Status: "accepted", CreatedAt: now},
		{ID: uuid.NewString(), UserID: friendID, FriendID: userID, Status: "accepted", CreatedAt: now},
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

// AreFriends reports whether userID has friendID in its friend list.
func AreFriends(ctx context.Context, db *gorm.DB, userID, friendID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.Friendship{}).
		Where("user_id = ? AND friend_id = ? AND status = ?", userID, friendID, "accepted").
		Count(&n).Error
	return n > 0, err
}

// ListFriends returns the profiles of userID's friends ordered by username.
func ListFriends(ctx context.Context, db *gorm.DB, userID string) ([]domain.User, error) {
	var out []domain.User
	err := db.WithContext(ctx).
		Joins("JOIN friendships f ON f.friend_id = users.id").
		Where("f.user_id = ? AND f.status = ?", userID, "accepted").
		Order("users.username ASC").
		Find(&out).Error
	return out, err
}
