package repo

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/domain"
)

func seedConnection(t *testing.T, db *gorm.DB, roomID, userID string) *domain.BrokerConnection {
	t.Helper()
	c, err := UpsertConnection(context.Background(), db, roomID, userID, domain.BrokerMT5, json.RawMessage(`{"login":"1"}`))
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	return c
}

func TestUpsertConnection_ReplacesCredentials(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	r := seedRoom(t, db, domain.RoomWebhook, "u1", "u1")

	first := seedConnection(t, db, r.ID, "u1")
	second, err := UpsertConnection(ctx, db, r.ID, "u1", domain.BrokerMT5, json.RawMessage(`{"login":"2"}`))
	if err != nil {
		t.Fatalf("UpsertConnection again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("upsert created a second row: %s vs %s", second.ID, first.ID)
	}
	if string(second.Credentials) != `{"login":"2"}` {
		t.Fatalf("credentials not replaced: %s", second.Credentials)
	}
	conns, err := ListConnections(ctx, db, "u1")
	if err != nil || len(conns) != 1 {
		t.Fatalf("ListConnections: %v %v", conns, err)
	}
}

func TestConnectionCounters_AndLatency(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	r := seedRoom(t, db, domain.RoomWebhook, "u1", "u1")
	c := seedConnection(t, db, r.ID, "u1")

	for _, col := range []string{"total_orders_sent", "total_orders_sent", "successful_orders", "failed_orders"} {
		if err := IncrementConnectionCounter(ctx, db, c.ID, col); err != nil {
			t.Fatalf("IncrementConnectionCounter(%s): %v", col, err)
		}
	}
	if err := IncrementConnectionCounter(ctx, db, c.ID, "is_connected"); err == nil {
		t.Fatalf("expected error for unknown counter")
	}
	for _, ms := range []float64{100, 200, 300} {
		if err := RecordLatency(ctx, db, c.ID, ms); err != nil {
			t.Fatalf("RecordLatency: %v", err)
		}
	}

	got, err := GetConnection(ctx, db, c.ID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.TotalOrdersSent != 2 || got.SuccessfulOrders != 1 || got.FailedOrders != 1 {
		t.Fatalf("counters = %d/%d/%d", got.TotalOrdersSent, got.SuccessfulOrders, got.FailedOrders)
	}
	if math.Abs(got.AvgLatencyMs-200) > 0.001 || got.LatencySamples != 3 {
		t.Fatalf("latency avg=%v samples=%d", got.AvgLatencyMs, got.LatencySamples)
	}

	if err := UpdateConnection(ctx, db, "missing", map[string]any{"is_connected": true}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateConnection missing: %v", err)
	}
	if err := UpdateConnection(ctx, db, c.ID, map[string]any{"is_connected": true, "auto_forward": true}); err != nil {
		t.Fatalf("UpdateConnection: %v", err)
	}
	auto, err := ListAutoForwardConnections(ctx, db)
	if err != nil || len(auto) != 1 || auto[0].ID != c.ID {
		t.Fatalf("ListAutoForwardConnections: %v %v", auto, err)
	}
}

func TestForwardLog_UniquePerMessage_ClaimAndFinish(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	r := seedRoom(t, db, domain.RoomWebhook, "u1", "u1")
	c := seedConnection(t, db, r.ID, "u1")

	base := time.Now().UTC().Add(-time.Minute)
	var logs []*domain.ForwardLog
	for i := 0; i < 3; i++ {
		m := seedWebhookMessage(t, db, r.ID, base.Add(time.Duration(i)*time.Second))
		l := &domain.ForwardLog{
			ConnectionID: c.ID, RoomID: r.ID, MessageID: m.ID,
			Action: domain.ActionBuy, Symbol: "XAUUSD", Quantity: 0.1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := CreateForwardLog(ctx, db, l); err != nil {
			t.Fatalf("CreateForwardLog: %v", err)
		}
		logs = append(logs, l)
	}

	dup := &domain.ForwardLog{ConnectionID: c.ID, RoomID: r.ID, MessageID: logs[0].MessageID, Action: domain.ActionSell, Symbol: "XAUUSD", Quantity: 1}
	if err := CreateForwardLog(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second forward of same message: want ErrDuplicate, got %v", err)
	}

	now := time.Now().UTC()
	claimed, err := ClaimPendingForwards(ctx, db, c.ID, 2, now)
	if err != nil {
		t.Fatalf("ClaimPendingForwards: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != logs[0].ID || claimed[1].ID != logs[1].ID {
		t.Fatalf("claim order wrong: %+v", claimed)
	}
	if claimed[0].Attempts != 1 || claimed[0].ClaimedAt == nil {
		t.Fatalf("claim not stamped: %+v", claimed[0])
	}

	ok, err := FinishForward(ctx, db, logs[0].ID, map[string]any{"status": domain.ForwardCompleted, "ticket_id": "T1", "executed_at": now})
	if err != nil || !ok {
		t.Fatalf("FinishForward: ok=%v err=%v", ok, err)
	}
	ok, err = FinishForward(ctx, db, logs[0].ID, map[string]any{"status": domain.ForwardFailed})
	if err != nil || ok {
		t.Fatalf("second finish should be a no-op: ok=%v err=%v", ok, err)
	}

	got, err := GetForwardLogByMessage(ctx, db, logs[0].MessageID)
	if err != nil || got.Status != domain.ForwardCompleted || got.TicketID == nil || *got.TicketID != "T1" {
		t.Fatalf("GetForwardLogByMessage: %+v %v", got, err)
	}

	again, err := ClaimPendingForwards(ctx, db, c.ID, 10, now)
	if err != nil || len(again) != 2 || again[0].Attempts != 2 {
		t.Fatalf("reclaim: %+v %v", again, err)
	}

	all, err := ListForwardLogs(ctx, db, c.ID, 0)
	if err != nil || len(all) != 3 || all[0].ID != logs[2].ID {
		t.Fatalf("ListForwardLogs: %+v %v", all, err)
	}
}
