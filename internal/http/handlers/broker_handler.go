// Broker connection and execution-agent HTTP handlers.
//
// User endpoints:
//   - GET  /broker-connections                    (list own)
//   - POST /broker-connections                    (connect or reconnect)
//   - GET  /broker-connections/{id}/status        (live proxy status)
//   - POST /broker-connections/{id}/disconnect
//   - PUT  /broker-connections/{id}/auto-forward
//   - GET  /broker-connections/{id}/forwards      (newest forward logs)
//
// Agent endpoints (X-Agent-Token):
//   - GET  /agent/forwards/pending?connection_id=
//   - POST /agent/forwards/{id}/complete
//   - POST /agent/forwards/{id}/fail
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/alertdesk/internal/http/middleware"
	"github.com/tbourn/alertdesk/internal/utils"
)

// ConnectRequest binds a broker account to a room. Credentials are the
// broker-specific document (tradovate, settrade or mt5).
type ConnectRequest struct {
	RoomID      string          `json:"room_id" binding:"required"`
	BrokerType  string          `json:"broker_type" binding:"required" example:"mt5"`
	Credentials json.RawMessage `json:"credentials" binding:"required" swaggertype:"object"`
}

// AutoForwardRequest toggles auto-forward.
type AutoForwardRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// CompleteForwardRequest is the agent's success report.
type CompleteForwardRequest struct {
	TicketID      string   `json:"ticket_id" binding:"required"`
	ExecutedPrice *float64 `json:"executed_price"`
}

// FailForwardRequest is the agent's failure report.
type FailForwardRequest struct {
	ErrorCode    string `json:"error_code" binding:"required"`
	ErrorMessage string `json:"error_message"`
}

// ListConnections godoc
// @ID          listBrokerConnections
// @Summary     List own broker connections
// @Tags        Broker
// @Produce     json
// @Success     200  {array}  domain.BrokerConnection
// @Router      /broker-connections [get]
func (h *Handlers) ListConnections(c *gin.Context) {
	conns, err := h.fwd.ListConnections(c.Request.Context(), userID(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conns)
}

// CreateConnection godoc
// @ID          createBrokerConnection
// @Summary     Connect a broker account to a room
// @Description The connection is stored even when the proxy refuses it; it then reports is_connected=false and last_error.
// @Tags        Broker
// @Accept      json
// @Produce     json
// @Param       body  body      handlers.ConnectRequest  true  "Connection"
// @Success     201   {object}  domain.BrokerConnection
// @Failure     400   {object}  handlers.ErrorResponse  "Invalid credentials or broker type"
// @Failure     403   {object}  handlers.ErrorResponse
// @Router      /broker-connections [post]
func (h *Handlers) CreateConnection(c *gin.Context) {
	var req ConnectRequest
	if !bindJSON(c, &req) {
		return
	}
	bt := strings.ToLower(strings.TrimSpace(req.BrokerType))
	conn, err := h.fwd.Connect(c.Request.Context(), userID(c), req.RoomID, bt, req.Credentials)
	if conn == nil {
		failErr(c, err)
		return
	}
	if err != nil {
		middleware.LoggerFrom(c).Warn().Err(err).Str("connection_id", conn.ID).Msg("broker refused connection")
	}
	ok(c, http.StatusCreated, conn)
}

// ConnectionStatus godoc
// @ID          brokerConnectionStatus
// @Summary     Live connection status
// @Tags        Broker
// @Produce     json
// @Param       id   path      string  true  "Connection ID"
// @Success     200  {object}  services.ConnectionStatus
// @Failure     502  {object}  handlers.ErrorResponse  "Proxy unavailable"
// @Router      /broker-connections/{id}/status [get]
func (h *Handlers) ConnectionStatus(c *gin.Context) {
	st, err := h.fwd.Status(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// Disconnect godoc
// @ID          disconnectBroker
// @Summary     Close a broker connection
// @Tags        Broker
// @Produce     json
// @Param       id   path      string  true  "Connection ID"
// @Success     200  {object}  domain.BrokerConnection
// @Router      /broker-connections/{id}/disconnect [post]
func (h *Handlers) Disconnect(c *gin.Context) {
	conn, err := h.fwd.Disconnect(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conn)
}

// SetAutoForward godoc
// @ID          setAutoForward
// @Summary     Toggle auto-forward
// @Description Only MT5 connections can auto-forward.
// @Tags        Broker
// @Accept      json
// @Produce     json
// @Param       id    path      string                       true  "Connection ID"
// @Param       body  body      handlers.AutoForwardRequest  true  "Flag"
// @Success     200   {object}  domain.BrokerConnection
// @Failure     400   {object}  handlers.ErrorResponse
// @Router      /broker-connections/{id}/auto-forward [put]
func (h *Handlers) SetAutoForward(c *gin.Context) {
	var req AutoForwardRequest
	if !bindJSON(c, &req) {
		return
	}
	conn, err := h.fwd.SetAutoForward(c.Request.Context(), userID(c), c.Param("id"), *req.Enabled)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, conn)
}

// ListForwards godoc
// @ID          listForwards
// @Summary     Forward history of a connection
// @Tags        Broker
// @Produce     json
// @Param       id     path   string  true   "Connection ID"
// @Param       limit  query  int     false  "Max rows"  default(50) maximum(200)
// @Success     200    {array}  domain.ForwardLog
// @Router      /broker-connections/{id}/forwards [get]
func (h *Handlers) ListForwards(c *gin.Context) {
	limit := utils.LimitParam(c.Query("limit"), 50, 200)
	logs, err := h.fwd.ListForwards(c.Request.Context(), userID(c), c.Param("id"), limit)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, logs)
}

// PendingForwards godoc
// @ID          agentPendingForwards
// @Summary     Pending instructions for a connection
// @Description Rows stay pending until an outcome is reported and may be returned again on the next poll.
// @Tags        Agent
// @Produce     json
// @Param       X-Agent-Token  header  string  true   "Agent token"
// @Param       connection_id  query   string  true   "Connection ID"
// @Param       limit          query   int     false  "Max rows"  default(20) maximum(100)
// @Success     200  {array}   domain.ForwardLog
// @Failure     401  {object}  handlers.ErrorResponse
// @Router      /agent/forwards/pending [get]
func (h *Handlers) PendingForwards(c *gin.Context) {
	connID := strings.TrimSpace(c.Query("connection_id"))
	if connID == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "connection_id required")
		return
	}
	logs, err := h.fwd.PendingForwards(c.Request.Context(), connID, utils.LimitParam(c.Query("limit"), 20, 100))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, logs)
}

// CompleteForward godoc
// @ID          agentCompleteForward
// @Summary     Report a successful execution
// @Description Repeating the same report is a no-op; a different outcome on a finished forward is 409.
// @Tags        Agent
// @Accept      json
// @Produce     json
// @Param       X-Agent-Token  header  string  true  "Agent token"
// @Param       id             path    string  true  "Forward ID"
// @Param       body           body    handlers.CompleteForwardRequest  true  "Outcome"
// @Success     200  {object}  domain.ForwardLog
// @Failure     409  {object}  handlers.ErrorResponse
// @Router      /agent/forwards/{id}/complete [post]
func (h *Handlers) CompleteForward(c *gin.Context) {
	var req CompleteForwardRequest
	if !bindJSON(c, &req) {
		return
	}
	l, err := h.fwd.CompleteForward(c.Request.Context(), c.Param("id"), req.TicketID, req.ExecutedPrice)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, l)
}

// FailForward godoc
// @ID          agentFailForward
// @Summary     Report a failed execution
// @Tags        Agent
// @Accept      json
// @Produce     json
// @Param       X-Agent-Token  header  string  true  "Agent token"
// @Param       id             path    string  true  "Forward ID"
// @Param       body           body    handlers.FailForwardRequest  true  "Outcome"
// @Success     200  {object}  domain.ForwardLog
// @Failure     409  {object}  handlers.ErrorResponse
// @Router      /agent/forwards/{id}/fail [post]
func (h *Handlers) FailForward(c *gin.Context) {
	var req FailForwardRequest
	if !bindJSON(c, &req) {
		return
	}
	l, err := h.fwd.FailForward(c.Request.Context(), c.Param("id"), req.ErrorCode, req.ErrorMessage)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, l)
}
