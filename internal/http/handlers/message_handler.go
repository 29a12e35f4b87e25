// Message HTTP handlers.
//
//   - GET    /rooms/{id}/messages            (history, weak ETag)
//   - POST   /rooms/{id}/messages            (send, Idempotency-Key aware)
//   - POST   /rooms/{id}/files               (file or image upload)
//   - DELETE /messages/{id}                  (author only)
//   - POST   /messages/{id}/forward          (copy into another room)
//   - POST   /messages/{id}/broker-forward   (queue an alert for the broker)
//
// Idempotency:
// A send carrying an Idempotency-Key that was already used by the caller in
// the room returns the original message with `Idempotency-Replayed: true`
// and status 200 instead of 201. Nothing is inserted or broadcast.
package handlers

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/services"
	"github.com/tbourn/alertdesk/internal/utils"
)

// HeaderReplayed marks a response served from an earlier identical request.
const HeaderReplayed = "Idempotency-Replayed"

// PostMessageRequest is the JSON payload for sending a text message.
type PostMessageRequest struct {
	Content string `json:"content" binding:"required" example:"closing BTC here"`
}

// PostMessageResponse wraps the stored message.
type PostMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ForwardMessageRequest names the target room.
type ForwardMessageRequest struct {
	RoomID string `json:"room_id" binding:"required"`
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings, collapses blank runs and trims.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// listQuery reads after, page and page_size. The service clamps the size.
func listQuery(c *gin.Context) services.ListQuery {
	return services.ListQuery{
		After:    strings.TrimSpace(c.Query("after")),
		Page:     utils.Clamp(utils.AtoiDefault(c.Query("page"), 0), 0, 1<<20),
		PageSize: utils.AtoiDefault(c.Query("page_size"), 0),
	}
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Room history
// @Description Messages ordered by (created_at, id) ascending. `after` (message id) pages forward; `page` selects an offset page; neither returns the newest page_size messages. Supports weak ETag via If-None-Match.
// @Tags        Messages
// @Produce     json
// @Param       id             path    string  true   "Room ID"
// @Param       after          query   string  false  "Return messages after this message id"
// @Param       page           query   int     false  "Page number"  minimum(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(500) default(50)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  services.MessagePage
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /rooms/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx, uid, roomID := c.Request.Context(), userID(c), c.Param("id")
	q := listQuery(c)

	count, newest, err := h.chat.MessagesStats(ctx, uid, roomID)
	if err != nil {
		failErr(c, err)
		return
	}
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	etag := fmt.Sprintf(`W/"msgs:%s:%d:%d:%s:%d:%d"`, roomID, count, ts, q.After, q.Page, q.PageSize)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	page, err := h.chat.ListMessages(ctx, uid, roomID, q)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, page)
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a text message
// @Description Supports idempotency via the Idempotency-Key header (same key in the same room returns the first message).
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       Idempotency-Key  header  string  false  "Idempotency key for safe retries"
// @Param       id               path    string  true   "Room ID"
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
// @Success     201  {object}  handlers.PostMessageResponse
// @Success     200  {object}  handlers.PostMessageResponse  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /rooms/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "content required")
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	m, replayed, err := h.chat.SendMessage(c.Request.Context(), userID(c), c.Param("id"), content, key)
	if err != nil {
		failErr(c, err)
		return
	}
	if replayed {
		c.Header(HeaderReplayed, "true")
		ok(c, http.StatusOK, PostMessageResponse{Message: m})
		return
	}
	ok(c, http.StatusCreated, PostMessageResponse{Message: m})
}

// UploadFile godoc
// @ID          uploadFile
// @Summary     Upload a file or image into a room
// @Tags        Messages
// @Accept      multipart/form-data
// @Produce     json
// @Param       id    path      string  true   "Room ID"
// @Param       file  formData  file    true   "Content (max 10 MiB)"
// @Param       kind  formData  string  false  "file or image"  Enums(file, image) default(file)
// @Success     201   {object}  services.UploadResult
// @Failure     413   {object}  handlers.ErrorResponse
// @Failure     415   {object}  handlers.ErrorResponse
// @Router      /rooms/{id}/files [post]
func (h *Handlers) UploadFile(c *gin.Context) {
	kind := c.DefaultPostForm("kind", services.UploadFile)
	if kind != services.UploadFile && kind != services.UploadImage {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "kind must be file or image")
		return
	}
	h.upload(c, c.Param("id"), kind, http.StatusCreated)
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete own message
// @Tags        Messages
// @Param       id   path  string  true  "Message ID"
// @Success     204
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	if err := h.chat.DeleteMessage(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ForwardMessage godoc
// @ID          forwardMessage
// @Summary     Forward a message to another room
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Param       id    path      string                          true  "Message ID"
// @Param       body  body      handlers.ForwardMessageRequest  true  "Target room"
// @Success     201   {object}  domain.Message
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid target"
// @Router      /messages/{id}/forward [post]
func (h *Handlers) ForwardMessage(c *gin.Context) {
	var req ForwardMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	m, err := h.chat.ForwardMessage(c.Request.Context(), userID(c), c.Param("id"), req.RoomID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, m)
}

// BrokerForward godoc
// @ID          brokerForward
// @Summary     Queue a webhook alert for broker execution
// @Description Requires a connected MT5 connection for the room. At most one forward per message.
// @Tags        Broker
// @Produce     json
// @Param       id   path      string  true  "Message ID"
// @Success     201  {object}  domain.ForwardLog
// @Failure     409  {object}  handlers.ErrorResponse  "Already forwarded or broker not connected"
// @Failure     422  {object}  handlers.ErrorResponse  "Alert is not a tradable instruction"
// @Router      /messages/{id}/broker-forward [post]
func (h *Handlers) BrokerForward(c *gin.Context) {
	l, err := h.fwd.ForwardToBroker(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, l)
}
