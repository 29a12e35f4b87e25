// Package services – IngestService
//
// IngestService turns an inbound webhook call into a webhook Message plus a
// WebhookDeliveryLog row. The delivery log's unique request_id makes the
// endpoint idempotent: a request_id already recorded as success or failed
// is answered from the log without side effects, while one recorded as
// retry is processed again on the same row.
//
// Secret lookup order: X-Webhook-Secret header, ?secret= query, body
// "secret". request_id lookup order: body "request_id", Idempotency-Key
// header, ?request_id= query, then a generated UUID.
package services

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/alert"
	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
	"github.com/tbourn/alertdesk/internal/sysutil"
)

// Alert author shown for webhook messages.
const (
	AlertUsername = "TradingView"
	AlertColor    = "#2962ff"
)

// Delivery sources.
const (
	SourceWebhook     = "webhook"
	SourceTradingView = "tradingview"
)

// Delivery is one inbound webhook call as seen by the transport.
type Delivery struct {
	RoomID          string
	Body            []byte
	Source          string
	HeaderSecret    string
	QuerySecret     string
	HeaderRequestID string
	QueryRequestID  string
}

// DeliveryResult is the response body of the ingestion endpoint. A replayed
// request_id yields the same body as the first call.
type DeliveryResult struct {
	RequestID     string `json:"request_id"`
	Status        string `json:"status"`
	MessageID     string `json:"message_id,omitempty"`
	DeliveryLogID string `json:"delivery_log_id"`
	Error         string `json:"error,omitempty"`

	Replayed bool `json:"-"`
}

// IngestService handles webhook deliveries.
type IngestService struct {
	DB      *gorm.DB
	Bus     bus.Publisher
	Log     zerolog.Logger
	Timeout time.Duration
}

// NewIngestService returns an IngestService with a 5s processing bound.
func NewIngestService(db *gorm.DB, pub bus.Publisher, log zerolog.Logger) *IngestService {
	return &IngestService{DB: db, Bus: pub, Log: log, Timeout: 5 * time.Second}
}

// rejections are the failures recorded as status=failed. Their text is what
// the log stores, so replays map back to the same error.
var rejections = []error{ErrRoomNotFound, ErrNotWebhookRoom, ErrWebhookNotConfigured, ErrInvalidSecret}

// errDeliveryResolved aborts a reprocess whose retry row another attempt
// resolved first.
var errDeliveryResolved = errors.New("delivery already resolved")

// Ingest processes d. The returned result is always non-nil; the error is
// one of the rejection sentinels, ErrStoreUnavailable or ErrIngestTimeout,
// or nil on success (including replays of a success).
func (s *IngestService) Ingest(ctx context.Context, d Delivery) (*DeliveryResult, error) {
	tr := otel.Tracer("services/IngestService")
	ctx, span := tr.Start(ctx, "Ingest", trace.WithAttributes(
		attribute.String("room.id", d.RoomID),
		attribute.String("source", d.Source),
	))
	defer span.End()

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	a := alert.Parse(d.Body)
	requestID := nonBlank(a.RequestID, d.HeaderRequestID, d.QueryRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("request.id", requestID))

	prior, err := repo.GetDeliveryLog(ctx, s.DB, requestID)
	switch {
	case err == nil && prior.Status != domain.DeliveryRetry:
		webhookDeliveries.WithLabelValues("replayed").Inc()
		return replayResult(prior)
	case err == nil:
		prior.RetryCount++
	case errors.Is(err, repo.ErrNotFound):
		prior = nil
	default:
		return s.retry(ctx, requestID, d.RoomID, a, nil, err)
	}

	hook, err := s.authorize(ctx, d, a)
	if err != nil {
		if isRejection(err) {
			return s.reject(ctx, requestID, d.RoomID, a, prior, err)
		}
		return s.retry(ctx, requestID, d.RoomID, a, prior, err)
	}

	source := d.Source
	if source == "" {
		source = SourceWebhook
	}
	logRow := prior
	if logRow == nil {
		logRow = &domain.WebhookDeliveryLog{ID: uuid.NewString(), RequestID: requestID}
	}
	logRow.RoomID = d.RoomID
	logRow.WebhookID = &hook.ID
	logRow.Payload = a.Raw
	logRow.Status = domain.DeliverySuccess
	logRow.ErrorMessage, logRow.ErrorStack = nil, nil

	started := time.Now()
	msgs, err := commitMessages(ctx, s.DB, s.Bus, d.RoomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		m := &domain.Message{
			RoomID:      d.RoomID,
			UserID:      domain.TradingViewUserID,
			Username:    AlertUsername,
			Color:       AlertColor,
			Content:     a.Content,
			MessageType: domain.MessageWebhook,
			WebhookData: &domain.WebhookData{
				Source:      source,
				Payload:     a.Raw,
				ParsedTrade: a.Trade,
				ReceivedAt:  started.UTC(),
			},
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return nil, err
		}
		elapsed := time.Since(started).Milliseconds()
		logRow.MessageID = &m.ID
		logRow.ExecutionTimeMs = &elapsed
		if prior != nil {
			ok, err := repo.UpdateRetriedDeliveryLog(ctx, tx, logRow)
			if err == nil && !ok {
				err = errDeliveryResolved
			}
			return []*domain.Message{m}, err
		}
		return []*domain.Message{m}, repo.CreateDeliveryLog(ctx, tx, logRow)
	})
	if errors.Is(err, repo.ErrDuplicate) || errors.Is(err, errDeliveryResolved) {
		// A concurrent call with the same request_id committed first.
		if won, gerr := repo.GetDeliveryLog(ctx, s.DB, requestID); gerr == nil {
			webhookDeliveries.WithLabelValues("replayed").Inc()
			return replayResult(won)
		}
	}
	if err != nil {
		return s.retry(ctx, requestID, d.RoomID, a, prior, err)
	}

	webhookDeliveries.WithLabelValues(domain.DeliverySuccess).Inc()
	return &DeliveryResult{
		RequestID:     requestID,
		Status:        domain.DeliverySuccess,
		MessageID:     msgs[0].ID,
		DeliveryLogID: logRow.ID,
	}, nil
}

// authorize resolves the webhook matching the presented secret.
func (s *IngestService) authorize(ctx context.Context, d Delivery, a alert.Alert) (*domain.Webhook, error) {
	room, err := repo.GetRoom(ctx, s.DB, d.RoomID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, fmt.Errorf("room %s: %w", d.RoomID, ErrRoomNotFound)
	}
	if err != nil {
		return nil, err
	}
	if room.Type != domain.RoomWebhook {
		return nil, fmt.Errorf("room %s is %s: %w", d.RoomID, room.Type, ErrNotWebhookRoom)
	}
	hooks, err := repo.ListWebhooks(ctx, s.DB, d.RoomID)
	if err != nil {
		return nil, err
	}
	if len(hooks) == 0 {
		return nil, fmt.Errorf("room %s: %w", d.RoomID, ErrWebhookNotConfigured)
	}

	secret := nonBlank(d.HeaderSecret, d.QuerySecret, a.Secret)
	if secret == "" {
		return nil, fmt.Errorf("no secret presented: %w", ErrInvalidSecret)
	}
	var match *domain.Webhook
	for i := range hooks {
		// Compare against every row so timing does not reveal which matched.
		if subtle.ConstantTimeCompare([]byte(secret), []byte(hooks[i].WebhookSecret)) == 1 && match == nil {
			match = &hooks[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("secret mismatch for room %s: %w", d.RoomID, ErrInvalidSecret)
	}
	return match, nil
}

func (s *IngestService) reject(ctx context.Context, requestID, roomID string, a alert.Alert, prior *domain.WebhookDeliveryLog, cause error) (*DeliveryResult, error) {
	sentinel := rejectionOf(cause)
	row, err := s.record(ctx, requestID, roomID, a, prior, domain.DeliveryFailed, sentinel, cause)
	if err != nil {
		s.Log.Error().Err(err).Str("request_id", requestID).Msg("record failed delivery")
	} else if row.Status != domain.DeliveryFailed {
		webhookDeliveries.WithLabelValues("replayed").Inc()
		return replayResult(row)
	}
	webhookDeliveries.WithLabelValues(domain.DeliveryFailed).Inc()
	return &DeliveryResult{
		RequestID:     requestID,
		Status:        domain.DeliveryFailed,
		DeliveryLogID: row.ID,
		Error:         sentinel.Error(),
	}, sentinel
}

// retry records a transient failure. A timeout is answered as accepted so
// the sender does not hang; any other store error surfaces as unavailable.
func (s *IngestService) retry(ctx context.Context, requestID, roomID string, a alert.Alert, prior *domain.WebhookDeliveryLog, cause error) (*DeliveryResult, error) {
	sentinel := ErrStoreUnavailable
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		sentinel = ErrIngestTimeout
	}
	s.Log.Warn().Err(cause).Str("request_id", requestID).Str("room_id", roomID).Msg("webhook delivery deferred")

	// The request context may be spent; record with a short detached bound.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	row, err := s.record(rctx, requestID, roomID, a, prior, domain.DeliveryRetry, sentinel, cause)
	if err != nil {
		s.Log.Error().Err(err).Str("request_id", requestID).Msg("record retry delivery")
	} else if row.Status != domain.DeliveryRetry {
		webhookDeliveries.WithLabelValues("replayed").Inc()
		return replayResult(row)
	}
	webhookDeliveries.WithLabelValues(domain.DeliveryRetry).Inc()
	return &DeliveryResult{
		RequestID:     requestID,
		Status:        domain.DeliveryRetry,
		DeliveryLogID: row.ID,
		Error:         sentinel.Error(),
	}, sentinel
}

// record writes a failed or retry log row; it returns the row even when the
// write fails so the caller can still answer with its id. When a concurrent
// attempt already resolved the request_id, the winning row is returned.
func (s *IngestService) record(ctx context.Context, requestID, roomID string, a alert.Alert, prior *domain.WebhookDeliveryLog, status string, sentinel, cause error) (*domain.WebhookDeliveryLog, error) {
	row := prior
	if row == nil {
		row = &domain.WebhookDeliveryLog{ID: uuid.NewString(), RequestID: requestID}
	}
	msg := sentinel.Error()
	stack := errorChain(cause)
	row.RoomID = roomID
	row.Payload = a.Raw
	row.Status = status
	row.ErrorMessage = &msg
	row.ErrorStack = &stack
	row.MessageID = nil

	if prior != nil {
		ok, err := repo.UpdateRetriedDeliveryLog(ctx, s.DB, row)
		if err == nil && !ok {
			if won, gerr := repo.GetDeliveryLog(ctx, s.DB, requestID); gerr == nil {
				return won, nil
			}
		}
		return row, err
	}
	err := repo.CreateDeliveryLog(ctx, s.DB, row)
	if errors.Is(err, repo.ErrDuplicate) {
		if won, gerr := repo.GetDeliveryLog(ctx, s.DB, requestID); gerr == nil {
			return won, nil
		}
	}
	return row, err
}

func replayResult(l *domain.WebhookDeliveryLog) (*DeliveryResult, error) {
	res := &DeliveryResult{
		RequestID:     l.RequestID,
		Status:        l.Status,
		DeliveryLogID: l.ID,
		Replayed:      true,
	}
	if l.MessageID != nil {
		res.MessageID = *l.MessageID
	}
	if l.Status == domain.DeliveryFailed && l.ErrorMessage != nil {
		res.Error = *l.ErrorMessage
		for _, r := range rejections {
			if r.Error() == *l.ErrorMessage {
				return res, r
			}
		}
		return res, ErrInvalidSecret
	}
	return res, nil
}

func isRejection(err error) bool { return rejectionOf(err) != nil }

func rejectionOf(err error) error {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return r
		}
	}
	return nil
}

// errorChain renders err and each wrapped cause, outermost first.
func errorChain(err error) string {
	var parts []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		parts = append(parts, e.Error())
	}
	return strings.Join(parts, "\n  caused by: ")
}

// nonBlank returns the first non-blank value, trimmed.
func nonBlank(vals ...string) string { return strings.TrimSpace(sysutil.FirstNonEmpty(vals...)) }
