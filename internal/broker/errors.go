// Package broker talks to the external broker proxy (connect, status,
// disconnect) and validates the broker-specific credential documents.
// Order execution itself happens out of process; see services.ForwardService.
package broker

import (
	"errors"
	"fmt"
)

// Common broker errors.
var (
	ErrUnknownBroker      = errors.New("unknown broker type")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrConnectRejected    = errors.New("broker rejected connection")
	ErrNotFound           = errors.New("connection not known to proxy")
	ErrUnauthorized       = errors.New("proxy rejected credentials")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrNetworkError       = errors.New("network error")
	ErrTimeout            = errors.New("request timeout")
	ErrServerError        = errors.New("proxy server error")
)

// Error codes carried by BrokerError.
const (
	CodeRateLimit      = "RATE_LIMIT"
	CodeNetwork        = "NETWORK_ERROR"
	CodeTimeout        = "TIMEOUT"
	CodeServer         = "SERVER_ERROR"
	CodeRejected       = "CONNECT_REJECTED"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeBadCredentials = "INVALID_CREDENTIALS"
)

// BrokerError represents a broker-specific error.
type BrokerError struct {
	Broker  string `json:"broker"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Broker, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Broker, e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new broker error.
func NewBrokerError(broker, code, message string, err error) *BrokerError {
	return &BrokerError{
		Broker:  broker,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTemporaryError checks if an error is temporary (network, rate limit, etc.)
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimitExceeded) ||
		errors.Is(err, ErrNetworkError) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServerError) {
		return true
	}

	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		switch brokerErr.Code {
		case CodeRateLimit, CodeNetwork, CodeTimeout, CodeServer:
			return true
		}
	}

	return false
}

// Code extracts the BrokerError code from err, or "" when there is none.
func Code(err error) string {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return ""
}
