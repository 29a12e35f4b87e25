// Package services defines the business logic for chat, webhook ingestion,
// health monitoring and broker forwarding. This file centralizes the
// service-level error values so that callers can match them with errors.Is.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import "errors"

// Identity and social errors.
var (
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrInvalidUsername is returned for usernames outside 3..32 letters,
	// digits, dot, dash or underscore.
	ErrInvalidUsername = errors.New("invalid username")

	// ErrUsernameTaken is returned when the case-folded username is in use.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrInvalidColor is returned for colors that are not #RRGGBB.
	ErrInvalidColor = errors.New("invalid color")

	// ErrSelfFriend is returned when a user tries to befriend themselves.
	ErrSelfFriend = errors.New("cannot add yourself as a friend")

	// ErrNotFriends is returned when a room or invite requires friendship.
	ErrNotFriends = errors.New("users are not friends")
)

// Room and message errors.
var (
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("room not found")

	// ErrForbidden is returned when the caller is not allowed to act on the
	// room or message (not a member, not the author, not the creator).
	ErrForbidden = errors.New("forbidden")

	// ErrNotGroupRoom is returned when inviting into a non-group room.
	ErrNotGroupRoom = errors.New("room is not a group")

	// ErrNotWebhookRoom is returned when webhook operations target another
	// room type.
	ErrNotWebhookRoom = errors.New("room is not a webhook room")

	// ErrReadOnlyRoom is returned when a user posts into a webhook room.
	ErrReadOnlyRoom = errors.New("webhook rooms only accept webhook deliveries")

	// ErrAlreadyMember is returned when inviting an existing member.
	ErrAlreadyMember = errors.New("user is already a member")

	// ErrInvalidRoomName is returned for empty or overlong room names.
	ErrInvalidRoomName = errors.New("invalid room name")

	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyMessage is returned for blank message content.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrTooLong is returned when message content exceeds the limit.
	ErrTooLong = errors.New("message too long")

	// ErrInvalidForwardTarget is returned when forwarding into a webhook
	// room or back into the source room.
	ErrInvalidForwardTarget = errors.New("invalid forward target")

	// ErrFileTooLarge is returned when an upload exceeds its size ceiling.
	ErrFileTooLarge = errors.New("file too large")

	// ErrEmptyFile is returned for zero-byte uploads.
	ErrEmptyFile = errors.New("file is empty")

	// ErrUnsupportedFileType is returned when the sniffed content type is
	// not allowed for the upload kind.
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

// Webhook ingestion errors.
var (
	// ErrWebhookNotConfigured is returned when a webhook room has no
	// Webhook rows.
	ErrWebhookNotConfigured = errors.New("room has no webhook configured")

	// ErrInvalidSecret is returned when the supplied secret matches none of
	// the room's webhooks.
	ErrInvalidSecret = errors.New("invalid webhook secret")

	// ErrStoreUnavailable is returned when a delivery could not be persisted
	// and was recorded for retry.
	ErrStoreUnavailable = errors.New("store unavailable, delivery recorded for retry")

	// ErrIngestTimeout is returned when processing exceeded its bound; the
	// delivery is recorded for retry.
	ErrIngestTimeout = errors.New("processing timed out, delivery recorded for retry")
)

// Broker forwarding errors.
var (
	// ErrConnectionNotFound indicates the broker connection does not exist
	// or belongs to another user.
	ErrConnectionNotFound = errors.New("broker connection not found")

	// ErrNotWebhookMessage is returned when forwarding a non-webhook message.
	ErrNotWebhookMessage = errors.New("only webhook messages can be forwarded to a broker")

	// ErrBrokerNotConnected is returned when no connected MT5 connection
	// exists for the room and user.
	ErrBrokerNotConnected = errors.New("no connected MT5 broker for this room")

	// ErrAlreadyForwarded is returned when the message already has a
	// forward log.
	ErrAlreadyForwarded = errors.New("message already forwarded")

	// ErrUnsupportedBroker is returned when auto-forward is enabled on a
	// connection whose broker has no execution agent.
	ErrUnsupportedBroker = errors.New("auto-forward requires an MT5 connection")

	// ErrTradeIncomplete is returned when the alert lacks a symbol or a
	// buy/sell/close action.
	ErrTradeIncomplete = errors.New("alert does not describe a tradable instruction")

	// ErrForwardNotFound indicates the forward log does not exist.
	ErrForwardNotFound = errors.New("forward log not found")

	// ErrForwardFinalized is returned when a different terminal outcome is
	// applied to an already finished forward.
	ErrForwardFinalized = errors.New("forward already finalized with a different outcome")
)

// Session errors.
var (
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrNoActiveRoom is returned when a room operation needs an active room.
	ErrNoActiveRoom = errors.New("no active room")

	// ErrSessionOpen is returned when Open is called twice.
	ErrSessionOpen = errors.New("session already open")
)
