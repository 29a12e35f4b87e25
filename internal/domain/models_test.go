package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:domain_%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := db.AutoMigrate(
		&User{}, &Friendship{}, &ChatRoom{}, &RoomMember{}, &Message{},
		&Webhook{}, &WebhookDeliveryLog{}, &BrokerConnection{}, &ForwardLog{}, &Idempotency{},
	); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func f64(v float64) *float64 { return &v }

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		(User{}).TableName():               "users",
		(Friendship{}).TableName():         "friendships",
		(ChatRoom{}).TableName():           "chat_rooms",
		(RoomMember{}).TableName():         "room_members",
		(Message{}).TableName():            "messages",
		(Webhook{}).TableName():            "webhooks",
		(WebhookDeliveryLog{}).TableName(): "webhook_delivery_logs",
		(BrokerConnection{}).TableName():   "broker_connections",
		(ForwardLog{}).TableName():         "api_forward_logs",
		(Idempotency{}).TableName():        "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Fatalf("TableName() = %q; want %q", got, want)
		}
	}
}

func TestMigrations_UniqueIndexes(t *testing.T) {
	db := newDomainDB(t)
	m := db.Migrator()

	checks := []struct {
		model any
		index string
	}{
		{&User{}, "ux_users_username_key"},
		{&Friendship{}, "ux_friendship_pair"},
		{&RoomMember{}, "ux_room_member"},
		{&Message{}, "idx_room_msgs"},
		{&WebhookDeliveryLog{}, "ux_delivery_request"},
		{&BrokerConnection{}, "ux_broker_conn"},
		{&ForwardLog{}, "ux_forward_message"},
		{&Idempotency{}, "ux_user_room_key"},
	}
	for _, c := range checks {
		if !m.HasIndex(c.model, c.index) {
			t.Fatalf("expected index %s on %T", c.index, c.model)
		}
	}
}

func TestMessage_BeforeCreate_WebhookDataInvariant(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()
	if err := db.Create(&ChatRoom{ID: "r1", Type: RoomWebhook, CreatedBy: "u1", CreatedAt: now}).Error; err != nil {
		t.Fatalf("seed room: %v", err)
	}

	bad := &Message{ID: "m1", RoomID: "r1", UserID: TradingViewUserID, Username: "TradingView", Color: "#fff", Content: "x", MessageType: MessageWebhook}
	if err := db.Create(bad).Error; !errors.Is(err, ErrWebhookDataMismatch) {
		t.Fatalf("webhook without data: want ErrWebhookDataMismatch, got %v", err)
	}

	bad2 := &Message{ID: "m2", RoomID: "r1", UserID: "u1", Username: "a", Color: "#fff", Content: "x", MessageType: MessageText, WebhookData: &WebhookData{}}
	if err := db.Create(bad2).Error; !errors.Is(err, ErrWebhookDataMismatch) {
		t.Fatalf("text with data: want ErrWebhookDataMismatch, got %v", err)
	}

	good := &Message{
		ID: "m3", RoomID: "r1", UserID: TradingViewUserID, Username: "TradingView", Color: "#fff",
		Content: "BUY XAUUSD", MessageType: MessageWebhook, CreatedAt: now,
		WebhookData: &WebhookData{
			Payload:     map[string]any{"ticker": "XAUUSD"},
			ParsedTrade: ParsedTrade{Symbol: "XAUUSD", Action: "buy", Price: f64(2680.5)},
		},
	}
	if err := db.Create(good).Error; err != nil {
		t.Fatalf("insert webhook message: %v", err)
	}

	var back Message
	if err := db.First(&back, "id = ?", "m3").Error; err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.WebhookData == nil || back.WebhookData.ParsedTrade.Symbol != "XAUUSD" || *back.WebhookData.ParsedTrade.Price != 2680.5 {
		t.Fatalf("webhook_data not persisted: %+v", back.WebhookData)
	}
}

func TestRoomDelete_CascadesThroughForeignKeys(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	seed := []any{
		&ChatRoom{ID: "r1", Type: RoomWebhook, CreatedBy: "u1", CreatedAt: now},
		&RoomMember{ID: "rm1", RoomID: "r1", UserID: "u1", JoinedAt: now},
		&Webhook{ID: "w1", RoomID: "r1", WebhookURL: "http://x/webhook/r1", WebhookSecret: "s", CreatedBy: "u1"},
		&Message{ID: "m1", RoomID: "r1", UserID: TradingViewUserID, Username: "TradingView", Color: "#fff", Content: "x",
			MessageType: MessageWebhook, WebhookData: &WebhookData{ParsedTrade: ParsedTrade{Symbol: "BTCUSD", Action: "sell"}}},
		&BrokerConnection{ID: "c1", RoomID: "r1", UserID: "u1", BrokerType: BrokerMT5, Credentials: []byte(`{}`)},
		&ForwardLog{ID: "f1", ConnectionID: "c1", RoomID: "r1", MessageID: "m1", Action: ActionSell, Symbol: "BTCUSD", Quantity: 0.1, Status: ForwardPending},
	}
	for _, row := range seed {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed %T: %v", row, err)
		}
	}

	if err := db.Delete(&ChatRoom{}, "id = ?", "r1").Error; err != nil {
		t.Fatalf("delete room: %v", err)
	}
	for _, model := range []any{&RoomMember{}, &Webhook{}, &Message{}, &BrokerConnection{}, &ForwardLog{}} {
		var n int64
		db.Model(model).Where("room_id = ?", "r1").Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left after room delete: %d", model, n)
		}
	}
}
