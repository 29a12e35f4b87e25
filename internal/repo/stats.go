// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) and the webhook health monitor.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/domain"
)

// MessagesStats returns aggregate metadata for messages within a room:
// the total number of rows and the newest CreatedAt among those rows.
//
// When the room has no messages, the returned count is 0 and newest is nil.
func MessagesStats(ctx context.Context, db *gorm.DB, roomID string) (count int64, newest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).Where("room_id = ?", roomID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// WebhookMessageStats counts webhook messages in a room created at or after
// since and returns the newest one's timestamp.
func WebhookMessageStats(ctx context.Context, db *gorm.DB, roomID string, since time.Time) (count int64, last *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Message{}).
		Where("room_id = ? AND message_type = ? AND created_at >= ?", roomID, domain.MessageWebhook, since)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}

// DeliveryCounts returns delivery-log counts per status for a room since a
// point in time.
func DeliveryCounts(ctx context.Context, db *gorm.DB, roomID string, since time.Time) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	err := db.WithContext(ctx).Model(&domain.WebhookDeliveryLog{}).
		Select("status, COUNT(*) AS n").
		Where("room_id = ? AND created_at >= ?", roomID, since).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
