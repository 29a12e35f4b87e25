package domain

import "time"

// Delivery log statuses.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
	DeliveryRetry   = "retry"
)

// ParsedTrade is the normalized trade instruction extracted from an inbound
// alert. Quantity serializes as lotSize for compatibility with stored payloads.
type ParsedTrade struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Price      *float64 `json:"price,omitempty"`
	Quantity   *float64 `json:"lotSize,omitempty"`
	StopLoss   *float64 `json:"sl,omitempty"`
	TakeProfit *float64 `json:"tp,omitempty"`
}

// WebhookData is the JSON column stored on webhook messages: the raw payload
// as received plus the normalized trade.
type WebhookData struct {
	Source      string         `json:"source,omitempty"`
	Payload     map[string]any `json:"payload"`
	ParsedTrade ParsedTrade    `json:"parsed_trade"`
	ReceivedAt  time.Time      `json:"received_at"`
}

// WebhookDeliveryLog is the append-only audit record of one inbound webhook
// call. RequestID is unique, giving at-most-once recording per delivery.
// RoomID has no foreign key because failed lookups may reference rooms that
// do not exist.
type WebhookDeliveryLog struct {
	ID              string         `json:"id"               gorm:"type:char(36);primaryKey"`
	RequestID       string         `json:"request_id"       gorm:"type:varchar(200);not null;uniqueIndex:ux_delivery_request"`
	RoomID          string         `json:"room_id"          gorm:"type:varchar(64);not null;index:idx_delivery_room,priority:1"`
	WebhookID       *string        `json:"webhook_id,omitempty" gorm:"type:char(36)"`
	MessageID       *string        `json:"message_id,omitempty" gorm:"type:char(36)"`
	Payload         map[string]any `json:"payload"          gorm:"type:text;serializer:json"`
	Status          string         `json:"status"           gorm:"type:varchar(16);not null;check:status IN ('success','failed','retry')"`
	ErrorMessage    *string        `json:"error_message,omitempty" gorm:"type:text"`
	ErrorStack      *string        `json:"error_stack,omitempty"   gorm:"type:text"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
	RetryCount      int            `json:"retry_count"      gorm:"not null;default:0"`
	CreatedAt       time.Time      `json:"created_at"       gorm:"index;index:idx_delivery_room,priority:2"`
}

// TableName returns the database table name for WebhookDeliveryLog.
func (WebhookDeliveryLog) TableName() string { return "webhook_delivery_logs" }
