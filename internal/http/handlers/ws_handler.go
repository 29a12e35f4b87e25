package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/realtime"
)

// ServeWS godoc
// @ID          websocket
// @Summary     Realtime session
// @Description Upgrades to a websocket bound to the caller's session. The first frame is a snapshot; client frames switch rooms, send and delete messages.
// @Tags        Realtime
// @Param       access_token  query  string  false  "JWT when headers cannot be set"
// @Success     101
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /ws [get]
func (h *Handlers) ServeWS(c *gin.Context) {
	if h.sessions == nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeInternal, "realtime disabled")
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered the client.
		middleware.LoggerFrom(c).Debug().Err(err).Msg("websocket upgrade")
		c.Abort()
		return
	}

	log := middleware.LoggerFrom(c).With().Str("user_id", userID(c)).Logger()
	sess := h.sessions()
	ctx := c.Request.Context()
	if _, err := sess.Open(ctx, userID(c), middleware.Username(c)); err != nil {
		log.Warn().Err(err).Msg("open session")
		_ = sess.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	realtime.NewClient(conn, sess, log, Classify).Serve(ctx)
}
