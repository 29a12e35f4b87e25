package realtime

import (
	"time"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/services"
)

// Client operations.
const (
	OpSwitchRoom = "switch_room"
	OpLeaveRoom  = "leave_room"
	OpSend       = "send"
	OpDelete     = "delete"
)

// Server frame types.
const (
	FrameEvent    = "event"
	FrameResponse = "response"
	FrameSnapshot = "snapshot"
)

// ClientFrame is a request sent by the browser. ID is echoed on the
// matching response frame.
type ClientFrame struct {
	ID             string `json:"id"`
	Op             string `json:"op"`
	RoomID         string `json:"room_id,omitempty"`
	Content        string `json:"content,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// ServerFrame is anything the server pushes: a bus event, a response to a
// client frame, or a full snapshot of the session view.
type ServerFrame struct {
	Type     string             `json:"type"`
	ID       string             `json:"id,omitempty"`
	Status   int                `json:"status,omitempty"`
	Code     string             `json:"code,omitempty"`
	Message  string             `json:"message,omitempty"`
	Data     any                `json:"data,omitempty"`
	Event    *bus.Event         `json:"event,omitempty"`
	Snapshot *services.Snapshot `json:"snapshot,omitempty"`
	At       time.Time          `json:"at"`
}

func now() time.Time { return time.Now().UTC() }

func updateFrame(u services.Update) *ServerFrame {
	if u.Type == services.UpdateSnapshot {
		return &ServerFrame{Type: FrameSnapshot, Snapshot: u.Snapshot, At: now()}
	}
	return &ServerFrame{Type: FrameEvent, Event: u.Event, At: now()}
}

func responseFrame(id string, status int, data any) *ServerFrame {
	return &ServerFrame{Type: FrameResponse, ID: id, Status: status, Data: data, At: now()}
}

func errorFrame(id string, status int, code, msg string) *ServerFrame {
	return &ServerFrame{Type: FrameResponse, ID: id, Status: status, Code: code, Message: msg, At: now()}
}
