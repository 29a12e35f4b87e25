// Package services – HealthMonitor
//
// HealthMonitor derives a webhook health signal per room from the trailing
// window of webhook messages and delivery logs. Snapshots are cached; a
// watched room is recomputed when a webhook message lands in it and on the
// periodic RefreshWatched sweep. The sweep drops rooms nobody has read for
// IdleTTL.
package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
)

// Health classifications.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
	HealthIdle      = "idle"
)

// Health is a point-in-time snapshot for one room.
type Health struct {
	RoomID             string     `json:"room_id"`
	TotalWebhooks      int64      `json:"totalWebhooks"`
	SuccessfulWebhooks int64      `json:"successfulWebhooks"`
	LastWebhookTime    *time.Time `json:"lastWebhookTime,omitempty"`
	DeliveryAttempts   int64      `json:"deliveryAttempts"`
	FailedDeliveries   int64      `json:"failedDeliveries"`
	SuccessRate        float64    `json:"successRate"`
	Status             string     `json:"status"`
	WindowStart        time.Time  `json:"window_start"`
	ComputedAt         time.Time  `json:"computed_at"`
}

// Classify maps a success rate onto a status: >=95 healthy, <80 unhealthy,
// otherwise degraded.
func Classify(rate float64) string {
	switch {
	case rate >= 95:
		return HealthHealthy
	case rate < 80:
		return HealthUnhealthy
	default:
		return HealthDegraded
	}
}

// HealthMonitor computes and caches room health.
type HealthMonitor struct {
	DB     *gorm.DB
	Bus    bus.Subscriber
	Log    zerolog.Logger
	Window time.Duration
	// IdleTTL is how long a watched room survives without a Get. Zero
	// disables expiry.
	IdleTTL time.Duration

	now     func() time.Time
	mu      sync.RWMutex
	cache   map[string]*Health
	watched map[string]context.CancelFunc
	seen    map[string]time.Time
	wg      sync.WaitGroup
}

// NewHealthMonitor returns a monitor over a 24h window whose watchers
// expire after an hour without readers.
func NewHealthMonitor(db *gorm.DB, sub bus.Subscriber, log zerolog.Logger) *HealthMonitor {
	return &HealthMonitor{
		DB:      db,
		Bus:     sub,
		Log:     log,
		Window:  24 * time.Hour,
		IdleTTL: time.Hour,
		now:     time.Now,
		cache:   make(map[string]*Health),
		watched: make(map[string]context.CancelFunc),
		seen:    make(map[string]time.Time),
	}
}

// Compute reads the window for roomID without touching the cache.
func (h *HealthMonitor) Compute(ctx context.Context, roomID string) (*Health, error) {
	tr := otel.Tracer("services/HealthMonitor")
	ctx, span := tr.Start(ctx, "Compute", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	now := time.Now().UTC()
	since := now.Add(-h.Window)
	total, last, err := repo.WebhookMessageStats(ctx, h.DB, roomID, since)
	if err != nil {
		return nil, err
	}
	counts, err := repo.DeliveryCounts(ctx, h.DB, roomID, since)
	if err != nil {
		return nil, err
	}

	out := &Health{
		RoomID:             roomID,
		TotalWebhooks:      total,
		SuccessfulWebhooks: total,
		LastWebhookTime:    last,
		FailedDeliveries:   counts[domain.DeliveryFailed],
		WindowStart:        since,
		ComputedAt:         now,
	}
	for _, n := range counts {
		out.DeliveryAttempts += n
	}

	switch {
	case out.DeliveryAttempts > 0:
		out.SuccessRate = float64(counts[domain.DeliverySuccess]) * 100 / float64(out.DeliveryAttempts)
		out.Status = Classify(out.SuccessRate)
	case total > 0:
		out.SuccessRate = 100
		out.Status = HealthHealthy
	default:
		out.Status = HealthIdle
	}
	return out, nil
}

// Get returns the cached snapshot for roomID, computing it on first use,
// and starts watching the room. Every call renews the room's idle timer.
func (h *HealthMonitor) Get(ctx context.Context, roomID string) (*Health, error) {
	h.mu.Lock()
	h.seen[roomID] = h.now()
	snap := h.cache[roomID]
	h.mu.Unlock()
	if snap != nil {
		return snap, nil
	}
	snap, err := h.Refresh(ctx, roomID)
	if err != nil {
		return nil, err
	}
	h.Watch(roomID)
	return snap, nil
}

// Refresh recomputes and caches the snapshot for roomID.
func (h *HealthMonitor) Refresh(ctx context.Context, roomID string) (*Health, error) {
	snap, err := h.Compute(ctx, roomID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.cache[roomID] = snap
	h.mu.Unlock()
	return snap, nil
}

// RefreshWatched recomputes every watched room and unwatches rooms idle
// for longer than IdleTTL. It is the periodic job.
func (h *HealthMonitor) RefreshWatched(ctx context.Context) error {
	now := h.now()
	h.mu.RLock()
	ids := make([]string, 0, len(h.watched))
	var idle []string
	for id := range h.watched {
		if h.IdleTTL > 0 && now.Sub(h.seen[id]) > h.IdleTTL {
			idle = append(idle, id)
			continue
		}
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.Log.Debug().Str("room_id", id).Msg("health watcher idle; stopped")
		h.forget(id)
	}

	var firstErr error
	for _, id := range ids {
		if _, err := h.Refresh(ctx, id); err != nil {
			h.Log.Warn().Err(err).Str("room_id", id).Msg("health refresh failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Watch recomputes roomID whenever a webhook message is inserted into it.
// Watching an already watched room is a no-op.
func (h *HealthMonitor) Watch(roomID string) {
	if h.Bus == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.watched[roomID]; ok {
		h.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.watched[roomID] = cancel
	if _, ok := h.seen[roomID]; !ok {
		h.seen[roomID] = h.now()
	}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		refresh := func() {
			if _, err := h.Refresh(ctx, roomID); err != nil && ctx.Err() == nil {
				h.Log.Warn().Err(err).Str("room_id", roomID).Msg("health refresh failed")
			}
		}
		_ = follow(ctx, h.Bus, bus.RoomTopic(roomID), func(ev bus.Event) bool {
			switch {
			case ev.Table == bus.TableRooms && ev.Op == bus.OpDelete:
				h.forget(roomID)
				return false
			case ev.Table == bus.TableMessages && ev.Op == bus.OpInsert && isWebhookEvent(ev):
				refresh()
			}
			return true
		}, refresh)
	}()
}

// Unwatch stops watching roomID and drops its snapshot.
func (h *HealthMonitor) Unwatch(roomID string) { h.forget(roomID) }

// Watched reports whether roomID is being watched.
func (h *HealthMonitor) Watched(roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.watched[roomID]
	return ok
}

// Close stops all watchers and waits for them.
func (h *HealthMonitor) Close() {
	h.mu.Lock()
	for id, cancel := range h.watched {
		cancel()
		delete(h.watched, id)
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *HealthMonitor) forget(roomID string) {
	h.mu.Lock()
	cancel := h.watched[roomID]
	delete(h.watched, roomID)
	delete(h.cache, roomID)
	delete(h.seen, roomID)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func isWebhookEvent(ev bus.Event) bool {
	var m struct {
		MessageType string `json:"message_type"`
	}
	return json.Unmarshal(ev.Data, &m) == nil && m.MessageType == domain.MessageWebhook
}
