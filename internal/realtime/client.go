// Package realtime binds a services.Session to a websocket connection.
// Each connection runs a read pump that executes client frames against the
// session and a write pump that serializes responses and session updates.
// Enqueueing never blocks: a client that cannot keep up is disconnected
// and resynchronizes from the snapshot it receives on reconnect.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/alertdesk/internal/services"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	maxFrameSize = 64 << 10
	sendBuffer   = 256
)

// Classifier maps an operation error to a response status and code.
type Classifier func(error) (status int, code string)

// Client is one websocket connection.
type Client struct {
	conn     *websocket.Conn
	sess     *services.Session
	log      zerolog.Logger
	classify Classifier

	send     chan *ServerFrame
	stop     chan struct{}
	stopOnce sync.Once
}

// NewClient wraps an upgraded connection and an opened session. A nil
// classify reports every error as 500 internal_error.
func NewClient(conn *websocket.Conn, sess *services.Session, log zerolog.Logger, classify Classifier) *Client {
	if classify == nil {
		classify = func(error) (int, string) { return http.StatusInternalServerError, "internal_error" }
	}
	return &Client{
		conn:     conn,
		sess:     sess,
		log:      log,
		classify: classify,
		send:     make(chan *ServerFrame, sendBuffer),
		stop:     make(chan struct{}),
	}
}

// Serve sends the initial snapshot and runs the pumps until the connection
// ends. The session is closed on return.
func (c *Client) Serve(ctx context.Context) {
	c.queue(&ServerFrame{Type: FrameSnapshot, Snapshot: c.sess.Snapshot(), At: now()})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.forward() }()
	c.readPump(ctx)
	c.stopClient()
	wg.Wait()

	if err := c.sess.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close session")
	}
}

// forward moves session updates onto the send queue.
func (c *Client) forward() {
	for {
		select {
		case u := <-c.sess.Events():
			if !c.queue(updateFrame(u)) {
				c.stopClient()
				return
			}
		case <-c.sess.Done():
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			b, err := json.Marshal(f)
			if err != nil {
				c.log.Error().Err(err).Msg("serialize frame")
				continue
			}
			if !c.write(websocket.TextMessage, b) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.stop:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("ws read")
			}
			return
		}
		var f ClientFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.queue(errorFrame("", http.StatusBadRequest, "bad_request", "invalid frame"))
			continue
		}
		if !c.queue(c.handle(ctx, f)) {
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, f ClientFrame) *ServerFrame {
	switch f.Op {
	case OpSwitchRoom:
		if f.RoomID == "" {
			return errorFrame(f.ID, http.StatusBadRequest, "bad_request", "room_id is required")
		}
		msgs, err := c.sess.SwitchRoom(ctx, f.RoomID)
		if err != nil {
			return c.fail(f.ID, err)
		}
		return responseFrame(f.ID, http.StatusOK, map[string]any{"room_id": f.RoomID, "messages": msgs})
	case OpLeaveRoom:
		c.sess.LeaveRoom()
		return responseFrame(f.ID, http.StatusOK, nil)
	case OpSend:
		m, replayed, err := c.sess.Send(ctx, f.Content, f.IdempotencyKey)
		if err != nil {
			return c.fail(f.ID, err)
		}
		status := http.StatusCreated
		if replayed {
			status = http.StatusOK
		}
		return responseFrame(f.ID, status, m)
	case OpDelete:
		if f.MessageID == "" {
			return errorFrame(f.ID, http.StatusBadRequest, "bad_request", "message_id is required")
		}
		if err := c.sess.Delete(ctx, f.MessageID); err != nil {
			return c.fail(f.ID, err)
		}
		return responseFrame(f.ID, http.StatusOK, map[string]string{"message_id": f.MessageID})
	default:
		return errorFrame(f.ID, http.StatusBadRequest, "unknown_op", "unknown op "+f.Op)
	}
}

func (c *Client) fail(id string, err error) *ServerFrame {
	status, code := c.classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		c.log.Error().Err(err).Str("frame_id", id).Msg("ws operation failed")
		msg = "internal error"
	}
	return errorFrame(id, status, code, msg)
}

// queue enqueues f without blocking and reports whether it fit.
func (c *Client) queue(f *ServerFrame) bool {
	select {
	case c.send <- f:
		return true
	default:
		c.log.Warn().Msg("send buffer full; dropping client")
		return false
	}
}

func (c *Client) write(kind int, b []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(kind, b); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("ws write")
		}
		return false
	}
	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// NewUpgrader returns an upgrader accepting the given origins. "*" or an
// empty list accepts any origin.
func NewUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return slices.ContainsFunc(origins, func(o string) bool {
				return strings.EqualFold(strings.TrimRight(o, "/"), u.Scheme+"://"+u.Host)
			})
		},
	}
}
