package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// Proxy is the contract of the external broker proxy.
type Proxy interface {
	Connect(ctx context.Context, connectionID, brokerType string, creds json.RawMessage) (*ConnectResult, error)
	Status(ctx context.Context, connectionID string) (*Status, error)
	Disconnect(ctx context.Context, connectionID string) error
}

// ConnectResult is the proxy's answer to a connect call.
type ConnectResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Status is the ephemeral connection snapshot returned by the proxy. The
// account snapshot is passed through to callers and never persisted.
type Status struct {
	Connected bool           `json:"connected"`
	LatencyMs *float64       `json:"latency,omitempty"`
	Account   map[string]any `json:"account,omitempty"`
}

// Client is a resty-backed Proxy.
type Client struct {
	http       *resty.Client
	MaxRetries int
	RetryDelay time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every call.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.http.SetAuthToken(token)
		}
	}
}

// WithRetries overrides the retry budget for temporary failures.
func WithRetries(n int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.MaxRetries = n
		c.RetryDelay = delay
	}
}

// NewClient returns a client for the proxy at baseURL.
func NewClient(baseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		MaxRetries: 2,
		RetryDelay: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type connectRequest struct {
	ConnectionID string          `json:"connection_id"`
	BrokerType   string          `json:"broker_type"`
	Credentials  json.RawMessage `json:"credentials"`
}

// Connect asks the proxy to open a session. A proxy answer with
// success=false is returned as ErrConnectRejected carrying the provider
// message.
func (c *Client) Connect(ctx context.Context, connectionID, brokerType string, creds json.RawMessage) (*ConnectResult, error) {
	var out ConnectResult
	err := RetryWithBackoff(ctx, c.MaxRetries, c.RetryDelay, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(connectRequest{ConnectionID: connectionID, BrokerType: brokerType, Credentials: creds}).
			SetResult(&out).
			Post("/connect")
		return classify(brokerType, resp, err)
	})
	if err != nil {
		return nil, err
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "connection refused by broker"
		}
		return &out, NewBrokerError(brokerType, CodeRejected, msg, ErrConnectRejected)
	}
	return &out, nil
}

// Status pulls the live connection snapshot.
func (c *Client) Status(ctx context.Context, connectionID string) (*Status, error) {
	var out Status
	err := RetryWithBackoff(ctx, c.MaxRetries, c.RetryDelay, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/status/" + url.PathEscape(connectionID))
		return classify("", resp, err)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Disconnect closes the proxy session. Unknown connections are treated as
// already disconnected.
func (c *Client) Disconnect(ctx context.Context, connectionID string) error {
	err := RetryWithBackoff(ctx, c.MaxRetries, c.RetryDelay, func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(map[string]string{"connection_id": connectionID}).
			Post("/disconnect")
		return classify("", resp, err)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// classify maps a transport error or HTTP status onto BrokerError codes.
func classify(brokerType string, resp *resty.Response, err error) error {
	if err != nil {
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return NewBrokerError(brokerType, CodeTimeout, "broker proxy timed out", ErrTimeout)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return NewBrokerError(brokerType, CodeNetwork, err.Error(), ErrNetworkError)
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return NewBrokerError(brokerType, CodeRateLimit, resp.String(), ErrRateLimitExceeded)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return NewBrokerError(brokerType, CodeUnauthorized, resp.String(), ErrUnauthorized)
	case code == http.StatusNotFound:
		return NewBrokerError(brokerType, CodeNotFound, resp.String(), ErrNotFound)
	case code >= 500:
		return NewBrokerError(brokerType, CodeServer, fmt.Sprintf("proxy returned %d", code), ErrServerError)
	default:
		return NewBrokerError(brokerType, fmt.Sprintf("HTTP_%d", code), resp.String(), nil)
	}
}
