// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers webhooks and their delivery logs.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/domain"
)

// CreateWebhook inserts a webhook row for a room.
func CreateWebhook(ctx context.Context, db *gorm.DB, roomID, url, secret, createdBy string) (*domain.Webhook, error) {
	w := &domain.Webhook{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		WebhookURL:    url,
		WebhookSecret: secret,
		CreatedBy:     createdBy,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		return nil, err
	}
	return w, nil
}

// ListWebhooks returns a room's webhooks, oldest first.
func ListWebhooks(ctx context.Context, db *gorm.DB, roomID string) ([]domain.Webhook, error) {
	var out []domain.Webhook
	err := db.WithContext(ctx).Where("room_id = ?", roomID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// GetDeliveryLog looks up a delivery by its request id.
func GetDeliveryLog(ctx context.Context, db *gorm.DB, requestID string) (*domain.WebhookDeliveryLog, error) {
	var l domain.WebhookDeliveryLog
	err := db.WithContext(ctx).Where("request_id = ?", requestID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// CreateDeliveryLog inserts l; ErrDuplicate when the request id was already
// recorded.
func CreateDeliveryLog(ctx context.Context, db *gorm.DB, l *domain.WebhookDeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return createUnique(db.WithContext(ctx), l)
}

// UpdateRetriedDeliveryLog overwrites l only while the stored row is still
// in retry status. It reports false when another attempt already resolved it.
func UpdateRetriedDeliveryLog(ctx context.Context, db *gorm.DB, l *domain.WebhookDeliveryLog) (bool, error) {
	res := db.WithContext(ctx).Model(l).
		Where("status = ?", domain.DeliveryRetry).
		Select("*").Omit("id", "request_id", "created_at").
		Updates(l)
	return res.RowsAffected > 0, res.Error
}

// PurgeDeliveryLogs deletes logs created before cutoff and returns how many
// rows were removed.
func PurgeDeliveryLogs(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.WebhookDeliveryLog{})
	return res.RowsAffected, res.Error
}
