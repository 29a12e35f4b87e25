// Package domain defines the persistence models for users, rooms, messages,
// webhooks and broker forwarding. These types are mapped with GORM and form
// the core data layer of the alert desk.
package domain

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// Room types.
const (
	RoomPrivate = "private"
	RoomGroup   = "group"
	RoomWebhook = "webhook"
)

// Message types.
const (
	MessageText    = "text"
	MessageImage   = "image"
	MessageFile    = "file"
	MessageWebhook = "webhook"
)

// Sentinel authors for messages not written by a real user.
const (
	SystemUserID      = "system"
	TradingViewUserID = "tradingview"
)

// User presence values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User is a chat participant. Users are created on first authentication and
// never hard-deleted, since historical messages keep referencing them.
//
// Fields:
//   - ID: identifier issued by the identity provider.
//   - Username: display name, unique case-insensitively via UsernameKey.
//   - Color: display color assigned at creation.
//   - AvatarURL: optional uploaded avatar.
//   - Status / LastSeen: presence, maintained by sessions.
type User struct {
	ID          string     `json:"id"           gorm:"type:varchar(64);primaryKey"`
	Username    string     `json:"username"     gorm:"type:varchar(64);not null"`
	UsernameKey string     `json:"-"            gorm:"type:varchar(64);not null;uniqueIndex:ux_users_username_key"`
	Color       string     `json:"color"        gorm:"type:varchar(16);not null"`
	AvatarURL   *string    `json:"avatar_url,omitempty"`
	Status      string     `json:"status"       gorm:"type:varchar(16);not null;default:'offline';check:status IN ('online','offline')"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// Friendship is one direction of a symmetric friend relation. Adding a
// friend writes both (a,b) and (b,a).
type Friendship struct {
	ID        string    `json:"id"        gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_friendship_pair,priority:1"`
	FriendID  string    `json:"friend_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_friendship_pair,priority:2"`
	Status    string    `json:"status"    gorm:"type:varchar(16);not null;default:'accepted'"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Friendship.
func (Friendship) TableName() string { return "friendships" }

// ChatRoom is a messaging scope. A private room has exactly two members; a
// webhook room owns one or more Webhook rows.
type ChatRoom struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Type      string    `json:"type"       gorm:"type:varchar(16);not null;index;check:type IN ('private','group','webhook')"`
	Name      *string   `json:"name,omitempty" gorm:"type:varchar(255)"`
	CreatedBy string    `json:"created_by" gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for ChatRoom.
func (ChatRoom) TableName() string { return "chat_rooms" }

// RoomMember is the membership join row. Membership is the only
// authorization for reading and writing a room's messages.
type RoomMember struct {
	ID       string    `json:"id"        gorm:"type:char(36);primaryKey"`
	RoomID   string    `json:"room_id"   gorm:"type:char(36);not null;uniqueIndex:ux_room_member,priority:1"`
	UserID   string    `json:"user_id"   gorm:"type:varchar(64);not null;uniqueIndex:ux_room_member,priority:2;index"`
	JoinedAt time.Time `json:"joined_at"`

	Room ChatRoom `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for RoomMember.
func (RoomMember) TableName() string { return "room_members" }

// Message is a single entry in a room. It is immutable once written except
// for deletion by its author. Messages of type webhook always carry
// WebhookData; all other types never do.
//
// UserID may hold a sentinel (SystemUserID, TradingViewUserID), so there is
// no foreign key to users.
type Message struct {
	ID          string       `json:"id"          gorm:"type:char(36);primaryKey"`
	RoomID      string       `json:"room_id"     gorm:"type:char(36);not null;index:idx_room_msgs,priority:1"`
	UserID      string       `json:"user_id"     gorm:"type:varchar(64);not null;index"`
	Username    string       `json:"username"    gorm:"type:varchar(64);not null"`
	Color       string       `json:"color"       gorm:"type:varchar(16);not null"`
	Content     string       `json:"content"     gorm:"type:text;not null"`
	MessageType string       `json:"message_type" gorm:"type:varchar(16);not null;default:'text';check:message_type IN ('text','image','file','webhook')"`
	FileURL     *string      `json:"file_url,omitempty"`
	FileName    *string      `json:"file_name,omitempty"`
	FileType    *string      `json:"file_type,omitempty"`
	FileSize    *int64       `json:"file_size,omitempty"`
	WebhookData *WebhookData `json:"webhook_data,omitempty" gorm:"type:text;serializer:json"`
	CreatedAt   time.Time    `json:"created_at"  gorm:"index:idx_room_msgs,priority:2"`

	Room ChatRoom `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// ErrWebhookDataMismatch is returned when a message's type and the presence
// of webhook data disagree.
var ErrWebhookDataMismatch = errors.New("webhook_data must be set exactly for webhook messages")

// BeforeCreate enforces that only webhook messages carry webhook data.
func (m *Message) BeforeCreate(*gorm.DB) error {
	if m.IsWebhook() != (m.WebhookData != nil) {
		return ErrWebhookDataMismatch
	}
	return nil
}

// IsWebhook reports whether the message came through webhook ingestion.
func (m *Message) IsWebhook() bool { return m.MessageType == MessageWebhook }

// Webhook is an inbound endpoint bound to a webhook room. Possession of
// WebhookSecret is the sole authentication factor for inbound posts.
type Webhook struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	RoomID        string    `json:"room_id"        gorm:"type:char(36);not null;index"`
	WebhookURL    string    `json:"webhook_url"    gorm:"type:varchar(512);not null"`
	WebhookSecret string    `json:"webhook_secret" gorm:"type:varchar(128);not null"`
	CreatedBy     string    `json:"created_by"     gorm:"type:varchar(64);not null"`
	CreatedAt     time.Time `json:"created_at"`

	Room ChatRoom `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Webhook.
func (Webhook) TableName() string { return "webhooks" }
