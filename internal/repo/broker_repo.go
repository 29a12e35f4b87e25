// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file covers broker connections and the forward-log
// queue consumed by the external execution agent.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/alertdesk/internal/domain"
)

// UpsertConnection creates the (room, user, broker type) connection or
// replaces the credentials of the existing one. The stored row is returned.
func UpsertConnection(ctx context.Context, db *gorm.DB, roomID, userID, brokerType string, creds json.RawMessage) (*domain.BrokerConnection, error) {
	now := time.Now().UTC()
	c := &domain.BrokerConnection{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		UserID:      userID,
		BrokerType:  brokerType,
		Credentials: creds,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}, {Name: "broker_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"credentials", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return nil, err
	}
	return FindConnection(ctx, db, roomID, userID, brokerType)
}

// FindConnection fetches the connection for (room, user, broker type).
func FindConnection(ctx context.Context, db *gorm.DB, roomID, userID, brokerType string) (*domain.BrokerConnection, error) {
	var c domain.BrokerConnection
	err := db.WithContext(ctx).
		Where("room_id = ? AND user_id = ? AND broker_type = ?", roomID, userID, brokerType).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConnection fetches a connection by id.
func GetConnection(ctx context.Context, db *gorm.DB, id string) (*domain.BrokerConnection, error) {
	var c domain.BrokerConnection
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnections returns a user's connections, newest first.
func ListConnections(ctx context.Context, db *gorm.DB, userID string) ([]domain.BrokerConnection, error) {
	var out []domain.BrokerConnection
	err := db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListAutoForwardConnections returns connections flagged for auto-forward
// that are currently connected.
func ListAutoForwardConnections(ctx context.Context, db *gorm.DB) ([]domain.BrokerConnection, error) {
	var out []domain.BrokerConnection
	err := db.WithContext(ctx).Where("auto_forward = ? AND is_connected = ?", true, true).Find(&out).Error
	return out, err
}

// UpdateConnection applies column updates to a connection.
func UpdateConnection(ctx context.Context, db *gorm.DB, id string, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.BrokerConnection{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLatency folds a latency sample into the connection's rolling mean.
func RecordLatency(ctx context.Context, db *gorm.DB, id string, latencyMs float64) error {
	return db.WithContext(ctx).Model(&domain.BrokerConnection{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"avg_latency_ms":  gorm.Expr("(avg_latency_ms * latency_samples + ?) / (latency_samples + 1)", latencyMs),
			"latency_samples": gorm.Expr("latency_samples + 1"),
			"updated_at":      time.Now().UTC(),
		}).Error
}

// IncrementConnectionCounter bumps one of the order counters.
func IncrementConnectionCounter(ctx context.Context, db *gorm.DB, id, column string) error {
	switch column {
	case "total_orders_sent", "successful_orders", "failed_orders":
	default:
		return errors.New("unknown counter " + column)
	}
	return db.WithContext(ctx).Model(&domain.BrokerConnection{}).
		Where("id = ?", id).
		Update(column, gorm.Expr(column+" + 1")).Error
}

// CreateForwardLog inserts l; ErrDuplicate when the message was already
// forwarded.
func CreateForwardLog(ctx context.Context, db *gorm.DB, l *domain.ForwardLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Status == "" {
		l.Status = domain.ForwardPending
	}
	return createUnique(db.WithContext(ctx), l)
}

// GetForwardLog fetches a forward log by id.
func GetForwardLog(ctx context.Context, db *gorm.DB, id string) (*domain.ForwardLog, error) {
	var l domain.ForwardLog
	if err := db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// GetForwardLogByMessage fetches the forward log created for a message.
func GetForwardLogByMessage(ctx context.Context, db *gorm.DB, messageID string) (*domain.ForwardLog, error) {
	var l domain.ForwardLog
	if err := db.WithContext(ctx).Where("message_id = ?", messageID).First(&l).Error; err != nil {
		return nil, err
	}
	return &l, nil
}

// ListForwardLogs returns a connection's forward logs, newest first.
func ListForwardLogs(ctx context.Context, db *gorm.DB, connectionID string, limit int) ([]domain.ForwardLog, error) {
	var out []domain.ForwardLog
	q := db.WithContext(ctx).Where("connection_id = ?", connectionID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// ClaimPendingForwards returns up to limit pending logs for a connection in
// creation order and stamps them as claimed. Claiming does not hide a row
// from later polls: delivery to the agent is at-least-once.
func ClaimPendingForwards(ctx context.Context, db *gorm.DB, connectionID string, limit int, now time.Time) ([]domain.ForwardLog, error) {
	var out []domain.ForwardLog
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("connection_id = ? AND status = ?", connectionID, domain.ForwardPending).
			Order("created_at ASC, id ASC").
			Limit(limit).
			Find(&out).Error; err != nil {
			return err
		}
		if len(out) == 0 {
			return nil
		}
		ids := make([]string, len(out))
		for i := range out {
			ids[i] = out[i].ID
			out[i].Attempts++
			out[i].ClaimedAt = &now
		}
		return tx.Model(&domain.ForwardLog{}).Where("id IN ?", ids).Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
		}).Error
	})
	return out, err
}

// FinishForward moves a pending log to a terminal status. It reports false
// when the log was no longer pending.
func FinishForward(ctx context.Context, db *gorm.DB, id string, fields map[string]any) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.ForwardLog{}).
		Where("id = ? AND status = ?", id, domain.ForwardPending).
		Updates(fields)
	return res.RowsAffected > 0, res.Error
}
