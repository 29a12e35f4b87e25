// Package handlers exposes the REST surface of the alert desk.
//
// Handlers are transport-thin: they bind and validate input, call the
// application services and translate results (and service sentinels, via
// Classify) into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/services"
)

//
// Service contracts (context-aware)
//

// ChatService covers users, friends, rooms and messages.
type ChatService interface {
	EnsureUser(ctx context.Context, id, username string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
	UpdateProfile(ctx context.Context, userID string, in services.ProfileUpdate) (*domain.User, error)
	AddFriend(ctx context.Context, userID, username string) (*domain.User, *domain.ChatRoom, error)
	ListFriends(ctx context.Context, userID string) ([]domain.User, error)

	ListRooms(ctx context.Context, userID string) ([]services.RoomView, error)
	CreatePrivateRoom(ctx context.Context, userID, friendID string) (*domain.ChatRoom, error)
	CreateGroup(ctx context.Context, userID, name string) (*domain.ChatRoom, error)
	InviteToGroup(ctx context.Context, userID, roomID, friendID string) (*domain.Message, error)
	CreateWebhookRoom(ctx context.Context, userID, name string) (*domain.ChatRoom, *domain.Webhook, error)
	CreateWebhookForRoom(ctx context.Context, userID, roomID string) (*domain.Webhook, error)
	ListWebhooks(ctx context.Context, userID, roomID string) ([]domain.Webhook, error)
	DeleteRoom(ctx context.Context, userID, roomID string) error
	RoomMembers(ctx context.Context, userID, roomID string) ([]string, error)

	SendMessage(ctx context.Context, userID, roomID, content, idemKey string) (*domain.Message, bool, error)
	UploadFile(ctx context.Context, userID, roomID, kind string, up services.Upload) (*services.UploadResult, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
	ForwardMessage(ctx context.Context, userID, messageID, targetRoomID string) (*domain.Message, error)
	ListMessages(ctx context.Context, userID, roomID string, q services.ListQuery) (*services.MessagePage, error)
	MessagesStats(ctx context.Context, userID, roomID string) (int64, *time.Time, error)
}

// IngestService processes inbound webhook deliveries.
type IngestService interface {
	Ingest(ctx context.Context, d services.Delivery) (*services.DeliveryResult, error)
}

// HealthService reports per-room webhook health.
type HealthService interface {
	Get(ctx context.Context, roomID string) (*services.Health, error)
	Refresh(ctx context.Context, roomID string) (*services.Health, error)
}

// ForwardService covers broker connections, forwarding and the agent queue.
type ForwardService interface {
	Connect(ctx context.Context, userID, roomID, brokerType string, raw json.RawMessage) (*domain.BrokerConnection, error)
	ListConnections(ctx context.Context, userID string) ([]domain.BrokerConnection, error)
	Status(ctx context.Context, userID, connectionID string) (*services.ConnectionStatus, error)
	Disconnect(ctx context.Context, userID, connectionID string) (*domain.BrokerConnection, error)
	SetAutoForward(ctx context.Context, userID, connectionID string, enabled bool) (*domain.BrokerConnection, error)
	ForwardToBroker(ctx context.Context, userID, messageID string) (*domain.ForwardLog, error)
	ListForwards(ctx context.Context, userID, connectionID string, limit int) ([]domain.ForwardLog, error)
	PendingForwards(ctx context.Context, connectionID string, limit int) ([]domain.ForwardLog, error)
	CompleteForward(ctx context.Context, id, ticketID string, executedPrice *float64) (*domain.ForwardLog, error)
	FailForward(ctx context.Context, id, code, message string) (*domain.ForwardLog, error)
}

//
// Handler wiring
//

// Deps lists what the handlers need. Sessions is the websocket session
// factory; /ws answers 503 without it.
type Deps struct {
	Chat     ChatService
	Ingest   IngestService
	Health   HealthService
	Forward  ForwardService
	Sessions func() *services.Session
	Upgrader websocket.Upgrader
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	chat     ChatService
	ingest   IngestService
	health   HealthService
	fwd      ForwardService
	sessions func() *services.Session
	upgrader websocket.Upgrader

	known sync.Map
}

// New constructs Handlers bound to the given services.
func New(d Deps) *Handlers {
	return &Handlers{
		chat:     d.Chat,
		ingest:   d.Ingest,
		health:   d.Health,
		fwd:      d.Forward,
		sessions: d.Sessions,
		upgrader: d.Upgrader,
	}
}

// userID is the authenticated caller set by middleware.Auth.
func userID(c *gin.Context) string { return middleware.UserID(c) }

// Identify creates the caller's profile on first sight. Ids already seen by
// this process skip the lookup.
func (h *Handlers) Identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := userID(c)
		if _, seen := h.known.Load(uid); !seen {
			if _, err := h.chat.EnsureUser(c.Request.Context(), uid, middleware.Username(c)); err != nil {
				failErr(c, err)
				return
			}
			h.known.Store(uid, struct{}{})
		}
		c.Next()
	}
}

// bindJSON binds the body into dst, answering 400 on failure.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return false
	}
	return true
}
