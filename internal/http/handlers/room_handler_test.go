package handlers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/services"
)

func TestCreateWebhookRoom_RevealsSecretOnce(t *testing.T) {
	e := newEnv(t)
	roomID, secret := e.webhookRoom(t, "alice")
	if roomID == "" || len(secret) < 16 {
		t.Fatalf("room=%q secret=%q", roomID, secret)
	}

	w := e.do(http.MethodGet, "/api/rooms/"+roomID+"/webhooks", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	hooks := decode[[]WebhookResponse](t, w)
	if len(hooks) != 1 {
		t.Fatalf("hooks=%+v", hooks)
	}
	if hooks[0].Secret != "" || !strings.HasSuffix(hooks[0].SecretHint, secret[len(secret)-4:]) {
		t.Fatalf("listed secret not masked: %+v", hooks[0])
	}
	if !strings.HasSuffix(hooks[0].WebhookURL, "/webhook/"+roomID) {
		t.Fatalf("webhook url=%q", hooks[0].WebhookURL)
	}

	w = e.do(http.MethodPost, "/api/rooms/"+roomID+"/webhooks", "alice", nil)
	expectStatus(t, w, http.StatusCreated)
	if second := decode[WebhookResponse](t, w); second.Secret == "" || second.Secret == secret {
		t.Fatalf("second webhook secret=%q", second.Secret)
	}
}

func TestCreateWebhookRoom_Validation(t *testing.T) {
	e := newEnv(t)
	w := e.do(http.MethodPost, "/api/rooms/webhook", "alice", map[string]string{})
	expectStatus(t, w, http.StatusBadRequest)

	w = e.do(http.MethodPost, "/api/rooms/webhook", "alice", map[string]string{"name": strings.Repeat("x", 300)})
	expectStatus(t, w, http.StatusBadRequest)
	if code := errorCode(t, w); code != ErrCodeValidation {
		t.Fatalf("code=%q", code)
	}
}

func TestGroup_InviteRules(t *testing.T) {
	e := newEnv(t)
	e.befriend(t, "alice", "bobby")
	expectStatus(t, e.do(http.MethodGet, "/api/me", "carol", nil), http.StatusOK)

	w := e.do(http.MethodPost, "/api/rooms/group", "alice", map[string]string{"name": "desk"})
	expectStatus(t, w, http.StatusCreated)
	group := decode[domain.ChatRoom](t, w)

	w = e.do(http.MethodPost, "/api/rooms/"+group.ID+"/invite", "alice", map[string]string{"user_id": "carol"})
	expectStatus(t, w, http.StatusForbidden)
	if code := errorCode(t, w); code != ErrCodeNotFriends {
		t.Fatalf("code=%q", code)
	}

	w = e.do(http.MethodPost, "/api/rooms/"+group.ID+"/invite", "alice", map[string]string{"user_id": "bobby"})
	expectStatus(t, w, http.StatusCreated)
	if note := decode[domain.Message](t, w); !strings.Contains(note.Content, "bobby") {
		t.Fatalf("announcement=%q", note.Content)
	}

	w = e.do(http.MethodPost, "/api/rooms/"+group.ID+"/invite", "alice", map[string]string{"user_id": "bobby"})
	expectStatus(t, w, http.StatusConflict)

	w = e.do(http.MethodGet, "/api/rooms", "bobby", nil)
	expectStatus(t, w, http.StatusOK)
	if rooms := decode[[]services.RoomView](t, w); len(rooms) != 2 {
		t.Fatalf("bobby rooms=%d, want private+group", len(rooms))
	}
}

func TestCreatePrivateRoom_IsStable(t *testing.T) {
	e := newEnv(t)
	first := e.befriend(t, "alice", "bobby")

	w := e.do(http.MethodPost, "/api/rooms/private", "bobby", map[string]string{"friend_id": "alice"})
	expectStatus(t, w, http.StatusOK)
	if got := decode[domain.ChatRoom](t, w).ID; got != first {
		t.Fatalf("private room %q != %q", got, first)
	}

	expectStatus(t, e.do(http.MethodGet, "/api/me", "carol", nil), http.StatusOK)
	w = e.do(http.MethodPost, "/api/rooms/private", "alice", map[string]string{"friend_id": "carol"})
	expectStatus(t, w, http.StatusForbidden)
}

func TestDeleteRoom_CreatorOnly(t *testing.T) {
	e := newEnv(t)
	e.befriend(t, "alice", "bobby")
	w := e.do(http.MethodPost, "/api/rooms/group", "alice", map[string]string{"name": "desk"})
	group := decode[domain.ChatRoom](t, w)
	expectStatus(t, e.do(http.MethodPost, "/api/rooms/"+group.ID+"/invite", "alice", map[string]string{"user_id": "bobby"}), http.StatusCreated)

	expectStatus(t, e.do(http.MethodDelete, "/api/rooms/"+group.ID, "bobby", nil), http.StatusForbidden)
	expectStatus(t, e.do(http.MethodDelete, "/api/rooms/"+group.ID, "alice", nil), http.StatusNoContent)
	expectStatus(t, e.do(http.MethodDelete, "/api/rooms/"+group.ID, "alice", nil), http.StatusNotFound)
}

func TestRoomHealth_MembersOnly(t *testing.T) {
	e := newEnv(t)
	roomID, secret := e.webhookRoom(t, "alice")
	expectStatus(t, e.do(http.MethodPost, "/webhook/"+roomID, "", goldAlert, withHeader(HeaderWebhookToken, secret)), http.StatusOK)

	w := e.do(http.MethodPost, "/api/rooms/"+roomID+"/health/refresh", "alice", nil)
	expectStatus(t, w, http.StatusOK)
	snap := decode[services.Health](t, w)
	if snap.TotalWebhooks != 1 || snap.Status != services.HealthHealthy {
		t.Fatalf("health=%+v", snap)
	}

	expectStatus(t, e.do(http.MethodGet, "/api/rooms/"+roomID+"/health", "mallory", nil), http.StatusForbidden)
}
