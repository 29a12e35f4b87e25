package domain

import (
	"encoding/json"
	"time"
)

// Broker types.
const (
	BrokerTradovate = "tradovate"
	BrokerSettrade  = "settrade"
	BrokerMT5       = "mt5"
)

// Forward actions.
const (
	ActionBuy   = "buy"
	ActionSell  = "sell"
	ActionClose = "close"
)

// Forward log statuses. A log is created pending by the bridge and moved to
// completed or failed only by the external execution agent.
const (
	ForwardPending   = "pending"
	ForwardCompleted = "completed"
	ForwardFailed    = "failed"
)

// BrokerConnection binds a user's broker account to a room. Credentials are
// stored as the broker-specific JSON document validated by the broker
// package. One row per (room, user, broker type).
type BrokerConnection struct {
	ID               string          `json:"id"                 gorm:"type:char(36);primaryKey"`
	RoomID           string          `json:"room_id"            gorm:"type:char(36);not null;uniqueIndex:ux_broker_conn,priority:1"`
	UserID           string          `json:"user_id"            gorm:"type:varchar(64);not null;uniqueIndex:ux_broker_conn,priority:2;index"`
	BrokerType       string          `json:"broker_type"        gorm:"type:varchar(16);not null;uniqueIndex:ux_broker_conn,priority:3;check:broker_type IN ('tradovate','settrade','mt5')"`
	Credentials      json.RawMessage `json:"-"                  gorm:"type:text;not null"`
	IsConnected      bool            `json:"is_connected"       gorm:"not null;default:false"`
	AutoForward      bool            `json:"auto_forward"       gorm:"not null;default:false"`
	TotalOrdersSent  int64           `json:"total_orders_sent"  gorm:"not null;default:0"`
	SuccessfulOrders int64           `json:"successful_orders"  gorm:"not null;default:0"`
	FailedOrders     int64           `json:"failed_orders"      gorm:"not null;default:0"`
	AvgLatencyMs     float64         `json:"avg_latency_ms"     gorm:"not null;default:0"`
	LatencySamples   int64           `json:"-"                  gorm:"not null;default:0"`
	LastError        *string         `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`

	Room ChatRoom `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for BrokerConnection.
func (BrokerConnection) TableName() string { return "broker_connections" }

// ForwardResponseData is the JSON document attached to a forward log: the
// protective levels, where the instruction came from, and the original
// alert payload.
type ForwardResponseData struct {
	StopLoss   *float64       `json:"sl,omitempty"`
	TakeProfit *float64       `json:"tp,omitempty"`
	Source     string         `json:"source"`
	Original   map[string]any `json:"original,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// ForwardLog is a queued broker instruction and its execution outcome. The
// unique MessageID guarantees at most one forward per alert.
type ForwardLog struct {
	ID            string               `json:"id"             gorm:"type:char(36);primaryKey"`
	ConnectionID  string               `json:"connection_id"  gorm:"type:char(36);not null;index:idx_forward_conn_status,priority:1"`
	RoomID        string               `json:"room_id"        gorm:"type:char(36);not null;index"`
	MessageID     string               `json:"message_id"     gorm:"type:char(36);not null;uniqueIndex:ux_forward_message"`
	Action        string               `json:"action"         gorm:"type:varchar(8);not null;check:action IN ('buy','sell','close')"`
	Symbol        string               `json:"symbol"         gorm:"type:varchar(64);not null"`
	Quantity      float64              `json:"quantity"       gorm:"not null"`
	Price         *float64             `json:"price,omitempty"`
	Status        string               `json:"status"         gorm:"type:varchar(16);not null;default:'pending';index:idx_forward_conn_status,priority:2;check:status IN ('pending','completed','failed')"`
	ResponseData  *ForwardResponseData `json:"response_data,omitempty" gorm:"type:text;serializer:json"`
	TicketID      *string              `json:"ticket_id,omitempty"      gorm:"type:varchar(64)"`
	ExecutedPrice *float64             `json:"executed_price,omitempty"`
	ErrorCode     *string              `json:"error_code,omitempty"     gorm:"type:varchar(64)"`
	ErrorMessage  *string              `json:"error_message,omitempty"  gorm:"type:text"`
	Attempts      int                  `json:"attempts"       gorm:"not null;default:0"`
	ClaimedAt     *time.Time           `json:"claimed_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"     gorm:"index:idx_forward_conn_status,priority:3"`
	ExecutedAt    *time.Time           `json:"executed_at,omitempty"`

	Connection BrokerConnection `json:"-" gorm:"foreignKey:ConnectionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	Message    Message          `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ForwardLog.
func (ForwardLog) TableName() string { return "api_forward_logs" }
