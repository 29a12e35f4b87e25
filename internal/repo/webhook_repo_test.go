package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/alertdesk/internal/domain"
)

func TestDeliveryLog_UniqueRequestID(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()

	if _, err := GetDeliveryLog(ctx, db, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing log: want ErrNotFound, got %v", err)
	}

	l := &domain.WebhookDeliveryLog{RequestID: "r1", RoomID: "room", Status: domain.DeliverySuccess, Payload: map[string]any{"a": 1.0}}
	if err := CreateDeliveryLog(ctx, db, l); err != nil {
		t.Fatalf("CreateDeliveryLog: %v", err)
	}
	dup := &domain.WebhookDeliveryLog{RequestID: "r1", RoomID: "room", Status: domain.DeliveryFailed}
	if err := CreateDeliveryLog(ctx, db, dup); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate request id: want ErrDuplicate, got %v", err)
	}

	got, err := GetDeliveryLog(ctx, db, "r1")
	if err != nil {
		t.Fatalf("GetDeliveryLog: %v", err)
	}
	if got.Status != domain.DeliverySuccess || got.Payload["a"] != 1.0 {
		t.Fatalf("unexpected log: %+v", got)
	}

	// A resolved row is never overwritten.
	got.Status = domain.DeliveryFailed
	if ok, err := UpdateRetriedDeliveryLog(ctx, db, got); err != nil || ok {
		t.Fatalf("success row overwritten: ok=%v err=%v", ok, err)
	}
	if again, _ := GetDeliveryLog(ctx, db, "r1"); again.Status != domain.DeliverySuccess {
		t.Fatalf("status changed: %+v", again)
	}
}

func TestUpdateRetriedDeliveryLog_OnlyFromRetry(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()

	l := &domain.WebhookDeliveryLog{RequestID: "r2", RoomID: "room", Status: domain.DeliveryRetry, ErrorMessage: strPtr("store unavailable")}
	if err := CreateDeliveryLog(ctx, db, l); err != nil {
		t.Fatalf("seed: %v", err)
	}

	msgID := "m-1"
	first := *l
	first.Status, first.RetryCount, first.MessageID, first.ErrorMessage = domain.DeliverySuccess, 1, &msgID, nil
	if ok, err := UpdateRetriedDeliveryLog(ctx, db, &first); err != nil || !ok {
		t.Fatalf("first attempt: ok=%v err=%v", ok, err)
	}

	second := *l
	second.Status, second.RetryCount = domain.DeliverySuccess, 1
	if ok, err := UpdateRetriedDeliveryLog(ctx, db, &second); err != nil || ok {
		t.Fatalf("second attempt must lose: ok=%v err=%v", ok, err)
	}

	got, _ := GetDeliveryLog(ctx, db, "r2")
	if got.Status != domain.DeliverySuccess || got.MessageID == nil || *got.MessageID != msgID || got.ErrorMessage != nil || got.RetryCount != 1 {
		t.Fatalf("row = %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("created_at lost")
	}
}

func TestPurgeDeliveryLogs_OlderThanCutoff(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, age := range []time.Duration{31 * 24 * time.Hour, 40 * 24 * time.Hour, time.Hour} {
		l := &domain.WebhookDeliveryLog{RequestID: string(rune('a' + i)), RoomID: "room", Status: domain.DeliverySuccess, CreatedAt: now.Add(-age)}
		if err := CreateDeliveryLog(ctx, db, l); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	n, err := PurgeDeliveryLogs(ctx, db, now.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeDeliveryLogs: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d rows, want 2", n)
	}
	var left int64
	db.Model(&domain.WebhookDeliveryLog{}).Count(&left)
	if left != 1 {
		t.Fatalf("remaining rows = %d, want 1", left)
	}
}

func TestListWebhooks(t *testing.T) {
	db := newTestDB(t, true)
	ctx := context.Background()
	r := seedRoom(t, db, domain.RoomWebhook, "u1", "u1")
	if _, err := CreateWebhook(ctx, db, r.ID, "u", "s1", "u1"); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	if _, err := CreateWebhook(ctx, db, r.ID, "u", "s2", "u1"); err != nil {
		t.Fatalf("CreateWebhook: %v", err)
	}
	hooks, err := ListWebhooks(ctx, db, r.ID)
	if err != nil || len(hooks) != 2 {
		t.Fatalf("ListWebhooks: %v %v", hooks, err)
	}
}

func strPtr(s string) *string { return &s }
