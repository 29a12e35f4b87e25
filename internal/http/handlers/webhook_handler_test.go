package handlers

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/repo"
	"github.com/tbourn/alertdesk/internal/services"
)

const goldAlert = `{"ticker":"XAUUSD","action":"BUY","price":"2680.50","message":"breakout"}`

func TestWebhook_DeliversAlert(t *testing.T) {
	e := newEnv(t)
	roomID, secret := e.webhookRoom(t, "alice")

	w := e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert, withHeader(HeaderWebhookToken, secret))
	expectStatus(t, w, http.StatusOK)
	res := decode[services.DeliveryResult](t, w)
	if res.Status != domain.DeliverySuccess || res.MessageID == "" || res.RequestID == "" || res.DeliveryLogID == "" {
		t.Fatalf("result=%+v", res)
	}

	m, err := repo.GetMessage(context.Background(), e.db, res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.MessageType != domain.MessageWebhook || m.WebhookData == nil || m.WebhookData.Source != services.SourceWebhook {
		t.Fatalf("message=%+v", m)
	}
}

func TestWebhook_SecretFromQueryAndSourceFromRoute(t *testing.T) {
	e := newEnv(t)
	roomID, secret := e.webhookRoom(t, "alice")

	w := e.do(http.MethodPost, "/tradingview-webhook/"+roomID+"?secret="+secret, "", "plain text alert")
	expectStatus(t, w, http.StatusOK)
	res := decode[services.DeliveryResult](t, w)

	m, err := repo.GetMessage(context.Background(), e.db, res.MessageID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if m.WebhookData.Source != services.SourceTradingView || !strings.Contains(m.Content, "plain text alert") {
		t.Fatalf("message=%+v", m)
	}
}

func TestWebhook_Rejections(t *testing.T) {
	e := newEnv(t)
	roomID, _ := e.webhookRoom(t, "alice")
	privateRoom := e.befriend(t, "alice", "bobby")

	w := e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert, withHeader(HeaderWebhookToken, "wrong"))
	expectStatus(t, w, http.StatusUnauthorized)
	res := decode[services.DeliveryResult](t, w)
	if res.Status != domain.DeliveryFailed || res.Error == "" || res.MessageID != "" {
		t.Fatalf("result=%+v", res)
	}

	w = e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert)
	expectStatus(t, w, http.StatusUnauthorized)

	w = e.do(http.MethodPost, "/webhook/does-not-exist", "", goldAlert, withHeader(HeaderWebhookToken, "x"))
	expectStatus(t, w, http.StatusNotFound)

	w = e.do(http.MethodPost, "/webhook/"+privateRoom, "", goldAlert, withHeader(HeaderWebhookToken, "x"))
	expectStatus(t, w, http.StatusNotFound)

	big := strings.Repeat("a", MaxWebhookBody+1)
	w = e.do(http.MethodPost, "/webhook/"+roomID, "", big)
	expectStatus(t, w, http.StatusRequestEntityTooLarge)
}

func TestWebhook_ReplayedRequestID(t *testing.T) {
	e := newEnv(t)
	roomID, secret := e.webhookRoom(t, "alice")
	withKey := withHeader(middleware.HeaderIdempotencyKey, "tv-123")

	w := e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert, withHeader(HeaderWebhookToken, secret), withKey)
	expectStatus(t, w, http.StatusOK)
	first := decode[services.DeliveryResult](t, w)
	if first.RequestID != "tv-123" {
		t.Fatalf("request_id=%q", first.RequestID)
	}

	w = e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert, withHeader(HeaderWebhookToken, secret), withKey)
	expectStatus(t, w, http.StatusOK)
	if w.Header().Get(HeaderReplayed) != "true" {
		t.Fatalf("replay header missing")
	}
	if again := decode[services.DeliveryResult](t, w); again.MessageID != first.MessageID {
		t.Fatalf("replay message %s != %s", again.MessageID, first.MessageID)
	}

	var n int64
	e.db.Model(&domain.Message{}).Where("room_id = ? AND message_type = ?", roomID, domain.MessageWebhook).Count(&n)
	if n != 1 {
		t.Fatalf("webhook messages=%d, want 1", n)
	}
}
