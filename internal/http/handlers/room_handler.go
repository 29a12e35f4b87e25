// Room HTTP handlers.
//
//   - GET    /rooms                        (list with members)
//   - POST   /rooms/private                (open the room with a friend)
//   - POST   /rooms/group                  (create a group)
//   - POST   /rooms/webhook                (create a webhook room + first webhook)
//   - POST   /rooms/{id}/invite            (add a friend to a group)
//   - GET    /rooms/{id}/webhooks          (list webhooks, secrets masked)
//   - POST   /rooms/{id}/webhooks          (issue another webhook)
//   - DELETE /rooms/{id}                   (creator only, cascades)
//   - GET    /rooms/{id}/health            (cached webhook health)
//   - POST   /rooms/{id}/health/refresh    (recompute now)
package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/alertdesk/internal/domain"
)

// CreatePrivateRoomRequest names the friend to open a room with.
type CreatePrivateRoomRequest struct {
	FriendID string `json:"friend_id" binding:"required"`
}

// CreateRoomRequest names a group or webhook room.
type CreateRoomRequest struct {
	Name string `json:"name" binding:"required" example:"BTC signals"`
}

// InviteRequest names the friend to add to a group.
type InviteRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// WebhookResponse is a webhook as returned right after creation, the only
// time the secret is shown in full.
type WebhookResponse struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	WebhookURL string    `json:"webhook_url"`
	Secret     string    `json:"webhook_secret,omitempty"`
	SecretHint string    `json:"secret_hint,omitempty"`
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateWebhookRoomResponse is the new room and its first webhook.
type CreateWebhookRoomResponse struct {
	Room    *domain.ChatRoom `json:"room"`
	Webhook WebhookResponse  `json:"webhook"`
}

func webhookView(w *domain.Webhook, reveal bool) WebhookResponse {
	out := WebhookResponse{
		ID:         w.ID,
		RoomID:     w.RoomID,
		WebhookURL: w.WebhookURL,
		CreatedBy:  w.CreatedBy,
		CreatedAt:  w.CreatedAt,
	}
	if reveal {
		out.Secret = w.WebhookSecret
	} else if n := len(w.WebhookSecret); n > 4 {
		out.SecretHint = strings.Repeat("*", 8) + w.WebhookSecret[n-4:]
	}
	return out
}

// ListRooms godoc
// @ID          listRooms
// @Summary     List the caller's rooms
// @Tags        Rooms
// @Produce     json
// @Success     200  {array}  services.RoomView
// @Router      /rooms [get]
func (h *Handlers) ListRooms(c *gin.Context) {
	rooms, err := h.chat.ListRooms(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rooms)
}

// CreatePrivateRoom godoc
// @ID          createPrivateRoom
// @Summary     Open the private room with a friend
// @Description Idempotent: both members always resolve to the same room.
// @Tags        Rooms
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreatePrivateRoomRequest  true  "Friend"
// @Success     200   {object}  domain.ChatRoom
// @Failure     403   {object}  handlers.ErrorResponse  "Not friends"
// @Router      /rooms/private [post]
func (h *Handlers) CreatePrivateRoom(c *gin.Context) {
	var req CreatePrivateRoomRequest
	if !bindJSON(c, &req) {
		return
	}
	room, err := h.chat.CreatePrivateRoom(c.Request.Context(), userID(c), req.FriendID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, room)
}

// CreateGroup godoc
// @ID          createGroup
// @Summary     Create a group room
// @Tags        Rooms
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateRoomRequest  true  "Group name"
// @Success     201   {object}  domain.ChatRoom
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /rooms/group [post]
func (h *Handlers) CreateGroup(c *gin.Context) {
	var req CreateRoomRequest
	if !bindJSON(c, &req) {
		return
	}
	room, err := h.chat.CreateGroup(c.Request.Context(), userID(c), req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, room)
}

// CreateWebhookRoom godoc
// @ID          createWebhookRoom
// @Summary     Create a webhook room
// @Description Creates the room and its first webhook. The secret appears in this response and in one system message, never again.
// @Tags        Rooms
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.CreateRoomRequest  true  "Room name"
// @Success     201   {object}  handlers.CreateWebhookRoomResponse
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /rooms/webhook [post]
func (h *Handlers) CreateWebhookRoom(c *gin.Context) {
	var req CreateRoomRequest
	if !bindJSON(c, &req) {
		return
	}
	room, hook, err := h.chat.CreateWebhookRoom(c.Request.Context(), userID(c), req.Name)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, CreateWebhookRoomResponse{Room: room, Webhook: webhookView(hook, true)})
}

// InviteToGroup godoc
// @ID          inviteToGroup
// @Summary     Add a friend to a group
// @Tags        Rooms
// @Accept      json
// @Produce     json
// @Param       id    path      string                  true  "Room ID"
// @Param       body  body      handlers.InviteRequest  true  "Invitee"
// @Success     201   {object}  domain.Message  "System announcement"
// @Failure     403   {object}  handlers.ErrorResponse
// @Failure     409   {object}  handlers.ErrorResponse  "Already a member"
// @Router      /rooms/{id}/invite [post]
func (h *Handlers) InviteToGroup(c *gin.Context) {
	var req InviteRequest
	if !bindJSON(c, &req) {
		return
	}
	note, err := h.chat.InviteToGroup(c.Request.Context(), userID(c), c.Param("id"), req.UserID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, note)
}

// ListWebhooks godoc
// @ID          listWebhooks
// @Summary     List a room's webhooks
// @Tags        Rooms
// @Produce     json
// @Param       id   path     string  true  "Room ID"
// @Success     200  {array}  handlers.WebhookResponse
// @Router      /rooms/{id}/webhooks [get]
func (h *Handlers) ListWebhooks(c *gin.Context) {
	hooks, err := h.chat.ListWebhooks(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	out := make([]WebhookResponse, 0, len(hooks))
	for i := range hooks {
		out = append(out, webhookView(&hooks[i], false))
	}
	ok(c, http.StatusOK, out)
}

// CreateWebhook godoc
// @ID          createWebhook
// @Summary     Issue another webhook for a room
// @Tags        Rooms
// @Produce     json
// @Param       id   path      string  true  "Room ID"
// @Success     201  {object}  handlers.WebhookResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Not a webhook room"
// @Router      /rooms/{id}/webhooks [post]
func (h *Handlers) CreateWebhook(c *gin.Context) {
	hook, err := h.chat.CreateWebhookForRoom(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, webhookView(hook, true))
}

// DeleteRoom godoc
// @ID          deleteRoom
// @Summary     Delete a room
// @Description Creator only. Removes members, messages, webhooks, delivery logs, broker connections and forward logs.
// @Tags        Rooms
// @Param       id   path  string  true  "Room ID"
// @Success     204
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /rooms/{id} [delete]
func (h *Handlers) DeleteRoom(c *gin.Context) {
	if err := h.chat.DeleteRoom(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// GetHealth godoc
// @ID          getRoomHealth
// @Summary     Webhook health of a room
// @Tags        Health
// @Produce     json
// @Param       id   path      string  true  "Room ID"
// @Success     200  {object}  services.Health
// @Router      /rooms/{id}/health [get]
func (h *Handlers) GetHealth(c *gin.Context) {
	h.roomHealth(c, false)
}

// RefreshHealth godoc
// @ID          refreshRoomHealth
// @Summary     Recompute webhook health now
// @Tags        Health
// @Produce     json
// @Param       id   path      string  true  "Room ID"
// @Success     200  {object}  services.Health
// @Router      /rooms/{id}/health/refresh [post]
func (h *Handlers) RefreshHealth(c *gin.Context) {
	h.roomHealth(c, true)
}

func (h *Handlers) roomHealth(c *gin.Context, refresh bool) {
	ctx, roomID := c.Request.Context(), c.Param("id")
	if _, err := h.chat.RoomMembers(ctx, userID(c), roomID); err != nil {
		failErr(c, err)
		return
	}
	get := h.health.Get
	if refresh {
		get = h.health.Refresh
	}
	snap, err := get(ctx, roomID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, snap)
}
