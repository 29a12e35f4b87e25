// Webhook ingestion endpoints.
//
//   - POST /webhook/{roomId}              (generic sender)
//   - POST /tradingview-webhook/{roomId}  (TradingView alert)
//
// Both are unauthenticated; the webhook secret is the credential. The body
// is always a DeliveryResult, also on rejection, so senders can correlate
// by request_id.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/services"
)

// Ingestion request limits and header names.
const (
	MaxWebhookBody     = 256 << 10
	HeaderWebhookToken = "X-Webhook-Secret"
)

// ingestStatus maps Ingest outcomes to HTTP statuses.
func ingestStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, services.ErrInvalidSecret):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrRoomNotFound),
		errors.Is(err, services.ErrNotWebhookRoom),
		errors.Is(err, services.ErrWebhookNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, services.ErrIngestTimeout):
		return http.StatusAccepted
	case errors.Is(err, services.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Webhook godoc
// @ID          ingestWebhook
// @Summary     Deliver an alert into a webhook room
// @Description Body is TradingView JSON or plain text. Secret from X-Webhook-Secret, ?secret= or body "secret". A repeated request_id returns the first outcome with Idempotency-Replayed: true.
// @Tags        Webhooks
// @Accept      json,plain
// @Produce     json
// @Param       roomId            path    string  true   "Room ID"
// @Param       X-Webhook-Secret  header  string  false  "Webhook secret"
// @Param       Idempotency-Key   header  string  false  "request_id fallback"
// @Param       secret            query   string  false  "Webhook secret"
// @Param       request_id        query   string  false  "request_id fallback"
// @Success     200  {object}  services.DeliveryResult
// @Success     202  {object}  services.DeliveryResult  "Timed out, recorded for retry"
// @Failure     401  {object}  services.DeliveryResult
// @Failure     404  {object}  services.DeliveryResult
// @Failure     413  {object}  handlers.ErrorResponse
// @Failure     503  {object}  services.DeliveryResult
// @Router      /webhook/{roomId} [post]
func (h *Handlers) Webhook(c *gin.Context) {
	h.ingestFrom(c, services.SourceWebhook)
}

// TradingViewWebhook godoc
// @ID          ingestTradingView
// @Summary     Deliver a TradingView alert into a webhook room
// @Tags        Webhooks
// @Accept      json,plain
// @Produce     json
// @Param       roomId            path    string  true   "Room ID"
// @Param       X-Webhook-Secret  header  string  false  "Webhook secret"
// @Param       secret            query   string  false  "Webhook secret"
// @Success     200  {object}  services.DeliveryResult
// @Failure     401  {object}  services.DeliveryResult
// @Router      /tradingview-webhook/{roomId} [post]
func (h *Handlers) TradingViewWebhook(c *gin.Context) {
	h.ingestFrom(c, services.SourceTradingView)
}

func (h *Handlers) ingestFrom(c *gin.Context, source string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxWebhookBody))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "payload too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}

	res, err := h.ingest.Ingest(c.Request.Context(), services.Delivery{
		RoomID:          c.Param("roomId"),
		Body:            body,
		Source:          source,
		HeaderSecret:    c.GetHeader(HeaderWebhookToken),
		QuerySecret:     c.Query("secret"),
		HeaderRequestID: c.GetHeader(middleware.HeaderIdempotencyKey),
		QueryRequestID:  c.Query("request_id"),
	})
	status := ingestStatus(err)
	if res == nil {
		failErr(c, err)
		return
	}
	if status >= http.StatusBadRequest {
		middleware.LoggerFrom(c).Warn().Err(err).
			Str("room_id", c.Param("roomId")).
			Str("request_id", res.RequestID).
			Int("status", status).
			Msg("webhook rejected")
	}
	if res.Replayed {
		c.Header(HeaderReplayed, "true")
	}
	c.AbortWithStatusJSON(status, res)
}
