package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/repo"
)

// DefaultDeliveryLogRetention is how long delivery logs are kept.
const DefaultDeliveryLogRetention = 720 * time.Hour

// CleanupService removes expired rows: delivery logs past retention and
// idempotency records past their TTL.
type CleanupService struct {
	DB        *gorm.DB
	Log       zerolog.Logger
	Retention time.Duration
	now       func() time.Time
}

// CleanupReport counts the rows one run removed.
type CleanupReport struct {
	DeliveryLogs int64 `json:"delivery_logs"`
	Idempotency  int64 `json:"idempotency"`
}

// NewCleanupService returns a CleanupService with the default retention.
func NewCleanupService(db *gorm.DB, log zerolog.Logger) *CleanupService {
	return &CleanupService{DB: db, Log: log, Retention: DefaultDeliveryLogRetention, now: time.Now}
}

func (s *CleanupService) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// PurgeDeliveryLogs deletes delivery logs older than the retention.
func (s *CleanupService) PurgeDeliveryLogs(ctx context.Context) (int64, error) {
	retention := s.Retention
	if retention <= 0 {
		retention = DefaultDeliveryLogRetention
	}
	cutoff := s.clock().Add(-retention)
	ctx, span := otel.Tracer("services/CleanupService").Start(ctx, "PurgeDeliveryLogs",
		trace.WithAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339))))
	defer span.End()
	return repo.PurgeDeliveryLogs(ctx, s.DB, cutoff)
}

// PurgeIdempotency deletes idempotency records whose TTL has elapsed.
func (s *CleanupService) PurgeIdempotency(ctx context.Context) (int64, error) {
	ctx, span := otel.Tracer("services/CleanupService").Start(ctx, "PurgeIdempotency")
	defer span.End()
	return repo.DeleteExpiredIdempotency(ctx, s.DB, s.clock())
}

// Run performs both purges. The report is filled as far as it got.
func (s *CleanupService) Run(ctx context.Context) (CleanupReport, error) {
	var rep CleanupReport
	var err error
	if rep.DeliveryLogs, err = s.PurgeDeliveryLogs(ctx); err != nil {
		return rep, err
	}
	if rep.Idempotency, err = s.PurgeIdempotency(ctx); err != nil {
		return rep, err
	}
	s.Log.Info().
		Int64("delivery_logs", rep.DeliveryLogs).
		Int64("idempotency", rep.Idempotency).
		Msg("cleanup finished")
	return rep, nil
}
