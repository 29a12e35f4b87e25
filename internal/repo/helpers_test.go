package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/alertdesk/internal/domain"
)

// newTestDB opens a unique in-memory database per test. With migrate=false
// the schema is left empty so error paths can be exercised.
func newTestDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedRoom(t *testing.T, db *gorm.DB, roomType, creator string, members ...string) *domain.ChatRoom {
	t.Helper()
	ctx := context.Background()
	r, err := CreateRoom(ctx, db, roomType, nil, creator)
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	for _, m := range members {
		if _, err := AddMember(ctx, db, r.ID, m); err != nil {
			t.Fatalf("AddMember(%s): %v", m, err)
		}
	}
	return r
}

func seedWebhookMessage(t *testing.T, db *gorm.DB, roomID string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{
		RoomID:      roomID,
		UserID:      domain.TradingViewUserID,
		Username:    "TradingView",
		Color:       "#2962ff",
		Content:     "alert",
		MessageType: domain.MessageWebhook,
		WebhookData: &domain.WebhookData{ParsedTrade: domain.ParsedTrade{Symbol: "XAUUSD", Action: "buy"}},
		CreatedAt:   at,
	}
	if err := CreateMessage(context.Background(), db, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}
