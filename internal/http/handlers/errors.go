// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them. Generic
// codes mirror HTTP status semantics; domain codes name the business rule
// that failed when the status alone is ambiguous.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "already_forwarded",
//	  "message": "message already forwarded"
//	}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/tbourn/alertdesk/internal/broker"
	"github.com/tbourn/alertdesk/internal/services"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTimeout          = "timeout"
	ErrCodeTooLarge         = "payload_too_large"

	// Domain-specific:
	ErrCodeValidation        = "validation_failed"
	ErrCodeUsernameTaken     = "username_taken"
	ErrCodeNotFriends        = "not_friends"
	ErrCodeReadOnlyRoom      = "read_only_room"
	ErrCodeWrongRoomType     = "wrong_room_type"
	ErrCodeAlreadyMember     = "already_member"
	ErrCodeFileTooLarge      = "file_too_large"
	ErrCodeUnsupportedMedia  = "unsupported_media_type"
	ErrCodeInvalidSecret     = "invalid_secret"
	ErrCodeStoreUnavailable  = "store_unavailable"
	ErrCodeNotWebhookMessage = "not_webhook_message"
	ErrCodeTradeIncomplete   = "trade_incomplete"
	ErrCodeBrokerNotReady    = "broker_not_connected"
	ErrCodeAlreadyForwarded  = "already_forwarded"
	ErrCodeForwardFinalized  = "forward_finalized"
	ErrCodeInvalidCreds      = "invalid_credentials"
	ErrCodeUnsupportedBroker = "unsupported_broker"
	ErrCodeBrokerUnavailable = "broker_unavailable"
	ErrCodeNoActiveRoom      = "no_active_room"
	ErrCodeSessionClosed     = "session_closed"
)

type mapping struct {
	err    error
	status int
	code   string
}

// classes is checked in order with errors.Is; the first hit wins.
var classes = []mapping{
	{services.ErrUserNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrRoomNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrMessageNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrConnectionNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrForwardNotFound, http.StatusNotFound, ErrCodeNotFound},
	{services.ErrWebhookNotConfigured, http.StatusNotFound, ErrCodeNotFound},

	{services.ErrForbidden, http.StatusForbidden, ErrCodeForbidden},
	{services.ErrReadOnlyRoom, http.StatusForbidden, ErrCodeReadOnlyRoom},
	{services.ErrNotFriends, http.StatusForbidden, ErrCodeNotFriends},
	{services.ErrInvalidSecret, http.StatusUnauthorized, ErrCodeInvalidSecret},

	{services.ErrInvalidUsername, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrInvalidColor, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrSelfFriend, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrInvalidRoomName, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrEmptyMessage, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrTooLong, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrEmptyFile, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrInvalidForwardTarget, http.StatusBadRequest, ErrCodeValidation},
	{services.ErrNotGroupRoom, http.StatusBadRequest, ErrCodeWrongRoomType},
	{services.ErrNotWebhookRoom, http.StatusBadRequest, ErrCodeWrongRoomType},
	{services.ErrNotWebhookMessage, http.StatusBadRequest, ErrCodeNotWebhookMessage},
	{services.ErrUnsupportedBroker, http.StatusBadRequest, ErrCodeUnsupportedBroker},
	{broker.ErrUnknownBroker, http.StatusBadRequest, ErrCodeUnsupportedBroker},
	{broker.ErrInvalidCredentials, http.StatusBadRequest, ErrCodeInvalidCreds},
	{services.ErrTradeIncomplete, http.StatusUnprocessableEntity, ErrCodeTradeIncomplete},

	{services.ErrFileTooLarge, http.StatusRequestEntityTooLarge, ErrCodeFileTooLarge},
	{services.ErrUnsupportedFileType, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMedia},

	{services.ErrUsernameTaken, http.StatusConflict, ErrCodeUsernameTaken},
	{services.ErrAlreadyMember, http.StatusConflict, ErrCodeAlreadyMember},
	{services.ErrAlreadyForwarded, http.StatusConflict, ErrCodeAlreadyForwarded},
	{services.ErrForwardFinalized, http.StatusConflict, ErrCodeForwardFinalized},
	{services.ErrBrokerNotConnected, http.StatusConflict, ErrCodeBrokerNotReady},
	{services.ErrNoActiveRoom, http.StatusConflict, ErrCodeNoActiveRoom},
	{services.ErrSessionOpen, http.StatusConflict, ErrCodeConflict},
	{services.ErrSessionClosed, http.StatusGone, ErrCodeSessionClosed},

	{services.ErrStoreUnavailable, http.StatusServiceUnavailable, ErrCodeStoreUnavailable},
	{services.ErrIngestTimeout, http.StatusAccepted, ErrCodeTimeout},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, ErrCodeTimeout},
}

// Classify maps a service error onto an HTTP status and error code. Broker
// proxy failures surface as 502; anything unknown is a 500.
func Classify(err error) (int, string) {
	for _, m := range classes {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	var be *broker.BrokerError
	if errors.As(err, &be) {
		return http.StatusBadGateway, ErrCodeBrokerUnavailable
	}
	return http.StatusInternalServerError, ErrCodeInternal
}
