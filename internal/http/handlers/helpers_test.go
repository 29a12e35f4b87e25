package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/alertdesk/internal/broker"
	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/realtime"
	"github.com/tbourn/alertdesk/internal/repo"
	"github.com/tbourn/alertdesk/internal/services"
)

const agentToken = "agent-secret"

// ---------- test DB ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// ---------- fakes for external ports ----------

type memStore struct {
	mu      sync.Mutex
	objects map[string]int
}

func (m *memStore) Put(_ context.Context, key string, r io.Reader) (string, error) {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.objects[key] = int(n)
	m.mu.Unlock()
	return "https://cdn.test/" + key, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

type fakeProxy struct {
	mu         sync.Mutex
	connectErr error
}

func (p *fakeProxy) Connect(context.Context, string, string, json.RawMessage) (*broker.ConnectResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		return &broker.ConnectResult{Error: p.connectErr.Error()}, p.connectErr
	}
	return &broker.ConnectResult{Success: true}, nil
}

func (p *fakeProxy) Status(context.Context, string) (*broker.Status, error) {
	return &broker.Status{Connected: true}, nil
}

func (p *fakeProxy) Disconnect(context.Context, string) error { return nil }

// ---------- environment ----------

type testEnv struct {
	r     *gin.Engine
	db    *gorm.DB
	chat  *services.ChatService
	ing   *services.IngestService
	fwd   *services.ForwardService
	proxy *fakeProxy
	h     *Handlers
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	eb := bus.New()
	t.Cleanup(eb.Close)

	chat := services.NewChatService(db, eb, &memStore{objects: map[string]int{}})
	chat.PublicBaseURL = "https://desk.test"
	ing := services.NewIngestService(db, eb, zerolog.Nop())
	health := services.NewHealthMonitor(db, eb, zerolog.Nop())
	t.Cleanup(health.Close)
	proxy := &fakeProxy{}
	fwd := services.NewForwardService(db, eb, proxy, zerolog.Nop())
	t.Cleanup(fwd.Close)

	h := New(Deps{
		Chat:     chat,
		Ingest:   ing,
		Health:   health,
		Forward:  fwd,
		Sessions: func() *services.Session { return services.NewSession(chat, eb, zerolog.Nop()) },
		Upgrader: realtime.NewUpgrader(nil),
	})

	r := gin.New()
	r.Use(middleware.RequestID())
	r.POST("/webhook/:roomId", h.Webhook)
	r.POST("/tradingview-webhook/:roomId", h.TradingViewWebhook)

	auth := middleware.Auth(middleware.AuthOptions{})
	r.GET("/ws", auth, h.Identify(), h.ServeWS)

	agent := r.Group("/agent", middleware.AgentAuth(agentToken))
	agent.GET("/forwards/pending", h.PendingForwards)
	agent.POST("/forwards/:id/complete", h.CompleteForward)
	agent.POST("/forwards/:id/fail", h.FailForward)

	api := r.Group("/api", auth, h.Identify(), middleware.IdempotencyValidator(middleware.IdempotencyOptions{},
		func(ctx context.Context, userID, roomID, key string, now time.Time) (bool, error) {
			_, err := repo.GetIdempotency(ctx, db, userID, roomID, key, now)
			return err == nil, nil
		}))
	api.GET("/me", h.GetMe)
	api.PATCH("/me", h.UpdateMe)
	api.POST("/me/avatar", h.UploadAvatar)
	api.GET("/friends", h.ListFriends)
	api.POST("/friends", h.AddFriend)
	api.GET("/rooms", h.ListRooms)
	api.POST("/rooms/private", h.CreatePrivateRoom)
	api.POST("/rooms/group", h.CreateGroup)
	api.POST("/rooms/webhook", h.CreateWebhookRoom)
	api.POST("/rooms/:id/invite", h.InviteToGroup)
	api.GET("/rooms/:id/webhooks", h.ListWebhooks)
	api.POST("/rooms/:id/webhooks", h.CreateWebhook)
	api.DELETE("/rooms/:id", h.DeleteRoom)
	api.GET("/rooms/:id/health", h.GetHealth)
	api.POST("/rooms/:id/health/refresh", h.RefreshHealth)
	api.GET("/rooms/:id/messages", h.ListMessages)
	api.POST("/rooms/:id/messages", h.PostMessage)
	api.POST("/rooms/:id/files", h.UploadFile)
	api.DELETE("/messages/:id", h.DeleteMessage)
	api.POST("/messages/:id/forward", h.ForwardMessage)
	api.POST("/messages/:id/broker-forward", h.BrokerForward)
	api.GET("/broker-connections", h.ListConnections)
	api.POST("/broker-connections", h.CreateConnection)
	api.GET("/broker-connections/:id/status", h.ConnectionStatus)
	api.POST("/broker-connections/:id/disconnect", h.Disconnect)
	api.PUT("/broker-connections/:id/auto-forward", h.SetAutoForward)
	api.GET("/broker-connections/:id/forwards", h.ListForwards)

	return &testEnv{r: r, db: db, chat: chat, ing: ing, fwd: fwd, proxy: proxy, h: h}
}

// ---------- request helpers ----------

type reqOpt func(*http.Request)

func withHeader(k, v string) reqOpt { return func(r *http.Request) { r.Header.Set(k, v) } }

func (e *testEnv) do(method, path, uid string, body any, opts ...reqOpt) *httptest.ResponseRecorder {
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = bytes.NewBufferString(b)
	case []byte:
		rdr = bytes.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set(middleware.HeaderUserID, uid)
		req.Header.Set(middleware.HeaderUsername, uid)
	}
	for _, o := range opts {
		o(req)
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %T: %v; body=%s", out, err, w.Body.String())
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[ErrorResponse](t, w).Code
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("status=%d want %d; body=%s", w.Code, want, w.Body.String())
	}
}

// befriend makes alice and bob friends through the API and returns their
// private room id.
func (e *testEnv) befriend(t *testing.T, a, b string) string {
	t.Helper()
	expectStatus(t, e.do(http.MethodGet, "/api/me", b, nil), http.StatusOK)
	w := e.do(http.MethodPost, "/api/friends", a, map[string]string{"username": b})
	expectStatus(t, w, http.StatusCreated)
	return decode[AddFriendResponse](t, w).Room.ID
}

// webhookRoom creates a webhook room owned by uid and returns it with the
// first webhook's secret.
func (e *testEnv) webhookRoom(t *testing.T, uid string) (roomID, secret string) {
	t.Helper()
	w := e.do(http.MethodPost, "/api/rooms/webhook", uid, map[string]string{"name": "signals"})
	expectStatus(t, w, http.StatusCreated)
	out := decode[CreateWebhookRoomResponse](t, w)
	return out.Room.ID, out.Webhook.Secret
}
