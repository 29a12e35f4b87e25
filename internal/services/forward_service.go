// Package services – ForwardService
//
// ForwardService is the broker forwarding bridge. It manages broker
// connections through the external proxy and turns webhook alerts into
// pending ForwardLog rows. The rows are a queue consumed by an external
// execution agent: PendingForwards hands rows out at-least-once, and the
// agent reports the outcome through CompleteForward or FailForward, which
// only move a row out of pending. Re-reporting the outcome a row already
// has is a no-op, so the agent may retry freely.
//
// A unique index on ForwardLog.message_id caps every alert at one forward,
// whether triggered manually or by an auto-forward subscription.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/alert"
	"github.com/tbourn/alertdesk/internal/broker"
	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/queue"
	"github.com/tbourn/alertdesk/internal/repo"
)

// DefaultLot is used when an alert names no quantity.
const DefaultLot = 0.01

// Forward triggers, used as a metric label and in response_data.source.
const (
	TriggerManual = "manual"
	TriggerAuto   = "auto_forward"
)

// ForwardService implements the broker forwarding bridge.
type ForwardService struct {
	DB     *gorm.DB
	Bus    bus.Publisher
	Events bus.Subscriber
	Proxy  broker.Proxy
	// Queue is optional; when set every queued forward is also published.
	Queue queue.Publisher
	Log   zerolog.Logger

	mu   sync.Mutex
	auto map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// NewForwardService wires a ForwardService.
func NewForwardService(db *gorm.DB, b *bus.Bus, proxy broker.Proxy, log zerolog.Logger) *ForwardService {
	s := &ForwardService{DB: db, Proxy: proxy, Log: log, auto: make(map[string]context.CancelFunc)}
	if b != nil {
		s.Bus, s.Events = b, b
	}
	return s
}

// ConnectionStatus is a connection together with the live proxy snapshot.
type ConnectionStatus struct {
	Connection *domain.BrokerConnection `json:"connection"`
	Connected  bool                     `json:"connected"`
	LatencyMs  *float64                 `json:"latency,omitempty"`
	Account    map[string]any           `json:"account,omitempty"`
}

func fwdTracer() trace.Tracer { return otel.Tracer("services/ForwardService") }

// Connect validates credentials, stores the connection for (room, user,
// broker type) and opens it at the proxy. The stored connection is returned
// even when the proxy refuses, with is_connected=false and last_error set.
func (s *ForwardService) Connect(ctx context.Context, userID, roomID, brokerType string, raw json.RawMessage) (*domain.BrokerConnection, error) {
	ctx, span := fwdTracer().Start(ctx, "Connect", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.String("room.id", roomID),
		attribute.String("broker.type", brokerType),
	))
	defer span.End()

	if err := s.requireMember(ctx, userID, roomID); err != nil {
		return nil, err
	}
	creds, err := broker.ParseCredentials(brokerType, raw)
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	conn, err := repo.UpsertConnection(ctx, s.DB, roomID, userID, brokerType, doc)
	if err != nil {
		return nil, err
	}

	_, perr := s.Proxy.Connect(ctx, conn.ID, brokerType, doc)
	fields := map[string]any{"is_connected": perr == nil, "last_error": nil}
	if perr != nil {
		fields["last_error"] = perr.Error()
	}
	conn, err = s.updateConnection(ctx, conn.ID, fields)
	if err != nil {
		return nil, err
	}
	return conn, perr
}

// ListConnections returns the caller's broker connections.
func (s *ForwardService) ListConnections(ctx context.Context, userID string) ([]domain.BrokerConnection, error) {
	return repo.ListConnections(ctx, s.DB, userID)
}

// Status pulls the live state from the proxy, folds the latency sample into
// the rolling mean and records is_connected. The account snapshot is
// returned but not stored.
func (s *ForwardService) Status(ctx context.Context, userID, connectionID string) (*ConnectionStatus, error) {
	ctx, span := fwdTracer().Start(ctx, "Status", trace.WithAttributes(attribute.String("connection.id", connectionID)))
	defer span.End()

	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	st, perr := s.Proxy.Status(ctx, conn.ID)
	if perr != nil {
		msg := perr.Error()
		if _, err := s.updateConnection(ctx, conn.ID, map[string]any{"last_error": msg}); err != nil {
			return nil, err
		}
		return nil, perr
	}
	if st.LatencyMs != nil {
		if err := repo.RecordLatency(ctx, s.DB, conn.ID, *st.LatencyMs); err != nil {
			return nil, err
		}
	}
	conn, err = s.updateConnection(ctx, conn.ID, map[string]any{"is_connected": st.Connected})
	if err != nil {
		return nil, err
	}
	return &ConnectionStatus{Connection: conn, Connected: st.Connected, LatencyMs: st.LatencyMs, Account: st.Account}, nil
}

// Disconnect closes the proxy session and marks the connection down.
func (s *ForwardService) Disconnect(ctx context.Context, userID, connectionID string) (*domain.BrokerConnection, error) {
	ctx, span := fwdTracer().Start(ctx, "Disconnect", trace.WithAttributes(attribute.String("connection.id", connectionID)))
	defer span.End()

	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := s.Proxy.Disconnect(ctx, conn.ID); err != nil {
		return nil, err
	}
	return s.updateConnection(ctx, conn.ID, map[string]any{"is_connected": false})
}

// ForwardToBroker queues the webhook alert messageID for the caller's
// connected MT5 connection in the alert's room. A second call for the same
// message returns ErrAlreadyForwarded together with the existing log when
// the caller owns it, and with a nil log when another member forwarded first.
func (s *ForwardService) ForwardToBroker(ctx context.Context, userID, messageID string) (*domain.ForwardLog, error) {
	ctx, span := fwdTracer().Start(ctx, "ForwardToBroker", trace.WithAttributes(
		attribute.String("user.id", userID), attribute.String("message.id", messageID)))
	defer span.End()

	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if !msg.IsWebhook() || msg.WebhookData == nil {
		return nil, ErrNotWebhookMessage
	}
	if err := s.requireMember(ctx, userID, msg.RoomID); err != nil {
		return nil, err
	}
	conn, err := repo.FindConnection(ctx, s.DB, msg.RoomID, userID, domain.BrokerMT5)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !conn.IsConnected) {
		return nil, ErrBrokerNotConnected
	}
	if err != nil {
		return nil, err
	}
	return s.enqueue(ctx, conn, msg, TriggerManual)
}

// TradeFor extracts the instruction from a webhook message, filling gaps
// from the raw payload.
func TradeFor(m *domain.Message) domain.ParsedTrade {
	t := m.WebhookData.ParsedTrade
	if t.Symbol == "" || t.Action == "" || t.Price == nil || t.Quantity == nil {
		raw := alert.FromMap(m.WebhookData.Payload).Trade
		if t.Symbol == "" {
			t.Symbol = raw.Symbol
		}
		if t.Action == "" {
			t.Action = raw.Action
		}
		if t.Price == nil {
			t.Price = raw.Price
		}
		if t.Quantity == nil {
			t.Quantity = raw.Quantity
		}
		if t.StopLoss == nil {
			t.StopLoss = raw.StopLoss
		}
		if t.TakeProfit == nil {
			t.TakeProfit = raw.TakeProfit
		}
	}
	t.Action = alert.NormalizeAction(t.Action)
	return t
}

func (s *ForwardService) enqueue(ctx context.Context, conn *domain.BrokerConnection, msg *domain.Message, trigger string) (*domain.ForwardLog, error) {
	trade := TradeFor(msg)
	if !alert.Tradable(trade) {
		return nil, ErrTradeIncomplete
	}
	qty := DefaultLot
	if trade.Quantity != nil && *trade.Quantity > 0 {
		qty = *trade.Quantity
	}
	log := &domain.ForwardLog{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		RoomID:       msg.RoomID,
		MessageID:    msg.ID,
		Action:       trade.Action,
		Symbol:       trade.Symbol,
		Quantity:     qty,
		Price:        trade.Price,
		Status:       domain.ForwardPending,
		ResponseData: &domain.ForwardResponseData{
			StopLoss:   trade.StopLoss,
			TakeProfit: trade.TakeProfit,
			Source:     trigger,
			Original:   msg.WebhookData.Payload,
		},
	}

	_, err := commitMessages(ctx, s.DB, s.Bus, msg.RoomID, func(tx *gorm.DB) ([]*domain.Message, error) {
		if err := repo.CreateForwardLog(ctx, tx, log); err != nil {
			return nil, err
		}
		if err := repo.IncrementConnectionCounter(ctx, tx, conn.ID, "total_orders_sent"); err != nil {
			return nil, err
		}
		note := systemMessage(msg.RoomID, confirmation(conn.BrokerType, log))
		if err := repo.CreateMessage(ctx, tx, note); err != nil {
			return nil, err
		}
		return []*domain.Message{note}, nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		existing, gerr := repo.GetForwardLogByMessage(ctx, s.DB, msg.ID)
		if gerr != nil {
			return nil, gerr
		}
		if existing.ConnectionID != conn.ID {
			return nil, ErrAlreadyForwarded
		}
		return existing, ErrAlreadyForwarded
	}
	if err != nil {
		return nil, err
	}

	forwardsQueued.WithLabelValues(trigger).Inc()
	publish(s.Bus, forwardChanged(conn.UserID, bus.OpInsert, log))
	if fresh, err := repo.GetConnection(ctx, s.DB, conn.ID); err == nil {
		publish(s.Bus, connectionUpdated(fresh))
	}
	if s.Queue != nil {
		if err := s.Queue.Publish(ctx, instructionFor(conn, log)); err != nil {
			// The row stays pending and remains pollable.
			s.Log.Warn().Err(err).Str("forward_id", log.ID).Msg("publish forward instruction")
		}
	}
	return log, nil
}

func instructionFor(conn *domain.BrokerConnection, l *domain.ForwardLog) queue.Instruction {
	in := queue.Instruction{
		ForwardLogID: l.ID,
		ConnectionID: l.ConnectionID,
		RoomID:       l.RoomID,
		MessageID:    l.MessageID,
		BrokerType:   conn.BrokerType,
		Action:       l.Action,
		Symbol:       l.Symbol,
		Quantity:     l.Quantity,
		Price:        l.Price,
		CreatedAt:    l.CreatedAt,
	}
	if rd := l.ResponseData; rd != nil {
		in.StopLoss, in.TakeProfit = rd.StopLoss, rd.TakeProfit
	}
	return in
}

func confirmation(brokerType string, l *domain.ForwardLog) string {
	price := "market"
	if l.Price != nil {
		price = strconv.FormatFloat(*l.Price, 'f', -1, 64)
	}
	return fmt.Sprintf("📤 Sent to %s: %s %s %s lot @ %s\nForward ID: %s",
		strings.ToUpper(brokerType), strings.ToUpper(l.Action), l.Symbol,
		strconv.FormatFloat(l.Quantity, 'f', -1, 64), price, l.ID)
}

// ListForwards returns the newest forward logs of a connection.
func (s *ForwardService) ListForwards(ctx context.Context, userID, connectionID string, limit int) ([]domain.ForwardLog, error) {
	if _, err := s.owned(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return repo.ListForwardLogs(ctx, s.DB, connectionID, limit)
}

// PendingForwards hands the agent up to limit pending rows in creation
// order. Rows stay pending until an outcome is reported, so a row may be
// returned again on a later poll.
func (s *ForwardService) PendingForwards(ctx context.Context, connectionID string, limit int) ([]domain.ForwardLog, error) {
	ctx, span := fwdTracer().Start(ctx, "PendingForwards", trace.WithAttributes(attribute.String("connection.id", connectionID)))
	defer span.End()

	if _, err := repo.GetConnection(ctx, s.DB, connectionID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return repo.ClaimPendingForwards(ctx, s.DB, connectionID, limit, time.Now().UTC())
}

// CompleteForward records a successful execution.
func (s *ForwardService) CompleteForward(ctx context.Context, id, ticketID string, executedPrice *float64) (*domain.ForwardLog, error) {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":         domain.ForwardCompleted,
		"ticket_id":      ticketID,
		"executed_price": executedPrice,
		"executed_at":    now,
	}
	same := func(l *domain.ForwardLog) bool {
		return l.Status == domain.ForwardCompleted && l.TicketID != nil && *l.TicketID == ticketID
	}
	return s.finish(ctx, id, domain.ForwardCompleted, "successful_orders", fields, same)
}

// FailForward records a rejected execution.
func (s *ForwardService) FailForward(ctx context.Context, id, code, message string) (*domain.ForwardLog, error) {
	now := time.Now().UTC()
	fields := map[string]any{
		"status":        domain.ForwardFailed,
		"error_code":    code,
		"error_message": message,
		"executed_at":   now,
	}
	same := func(l *domain.ForwardLog) bool {
		return l.Status == domain.ForwardFailed && l.ErrorCode != nil && *l.ErrorCode == code
	}
	return s.finish(ctx, id, domain.ForwardFailed, "failed_orders", fields, same)
}

func (s *ForwardService) finish(ctx context.Context, id, status, counter string, fields map[string]any, same func(*domain.ForwardLog) bool) (*domain.ForwardLog, error) {
	ctx, span := fwdTracer().Start(ctx, "Finish", trace.WithAttributes(
		attribute.String("forward.id", id), attribute.String("status", status)))
	defer span.End()

	var moved bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		l, err := repo.GetForwardLog(ctx, tx, id)
		if err != nil {
			return err
		}
		moved, err = repo.FinishForward(ctx, tx, id, fields)
		if err != nil || !moved {
			return err
		}
		return repo.IncrementConnectionCounter(ctx, tx, l.ConnectionID, counter)
	})
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrForwardNotFound
	}
	if err != nil {
		return nil, err
	}

	l, err := repo.GetForwardLog(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		if same(l) {
			return l, nil
		}
		return l, ErrForwardFinalized
	}

	forwardOutcomes.WithLabelValues(status).Inc()
	if conn, err := repo.GetConnection(ctx, s.DB, l.ConnectionID); err == nil {
		publish(s.Bus, forwardChanged(conn.UserID, bus.OpUpdate, l))
		publish(s.Bus, connectionUpdated(conn))
	}
	return l, nil
}

// SetAutoForward persists the flag and starts or stops the standing
// subscription that forwards every new webhook alert in the room.
func (s *ForwardService) SetAutoForward(ctx context.Context, userID, connectionID string, enabled bool) (*domain.BrokerConnection, error) {
	ctx, span := fwdTracer().Start(ctx, "SetAutoForward", trace.WithAttributes(
		attribute.String("connection.id", connectionID), attribute.Bool("enabled", enabled)))
	defer span.End()

	conn, err := s.owned(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if enabled && conn.BrokerType != domain.BrokerMT5 {
		return nil, ErrUnsupportedBroker
	}
	conn, err = s.updateConnection(ctx, conn.ID, map[string]any{"auto_forward": enabled})
	if err != nil {
		return nil, err
	}
	if enabled {
		s.arm(conn)
	} else {
		s.disarm(conn.ID)
	}
	return conn, nil
}

// RestoreAutoForward re-arms every connection flagged for auto-forward.
// Call it once at startup.
func (s *ForwardService) RestoreAutoForward(ctx context.Context) (int, error) {
	conns, err := repo.ListAutoForwardConnections(ctx, s.DB)
	if err != nil {
		return 0, err
	}
	for i := range conns {
		s.arm(&conns[i])
	}
	return len(conns), nil
}

// AutoForwarding reports whether connectionID has a live subscription.
func (s *ForwardService) AutoForwarding(connectionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.auto[connectionID]
	return ok
}

// Close stops every auto-forward subscription.
func (s *ForwardService) Close() {
	s.mu.Lock()
	for id, cancel := range s.auto {
		cancel()
		delete(s.auto, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *ForwardService) arm(conn *domain.BrokerConnection) {
	if s.Events == nil {
		return
	}
	s.mu.Lock()
	if s.auto == nil {
		s.auto = make(map[string]context.CancelFunc)
	}
	if _, ok := s.auto[conn.ID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.auto[conn.ID] = cancel
	s.mu.Unlock()

	connID, roomID := conn.ID, conn.RoomID
	armedAt := time.Now().UTC()
	lg := s.Log.With().Str("connection_id", connID).Str("room_id", roomID).Logger()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		handle := func(ev bus.Event) bool {
			switch {
			case ev.Table == bus.TableRooms && ev.Op == bus.OpDelete:
				s.disarm(connID)
				return false
			case ev.Table == bus.TableMessages && ev.Op == bus.OpInsert && isWebhookEvent(ev):
				var m domain.Message
				if err := ev.Decode(&m); err != nil {
					lg.Warn().Err(err).Msg("decode auto-forward event")
					return true
				}
				s.autoForward(ctx, connID, &m, lg)
			}
			return true
		}
		catchUp := func() {
			msgs, err := repo.ListRecentMessages(ctx, s.DB, roomID, 100)
			if err != nil {
				lg.Warn().Err(err).Msg("auto-forward catch-up")
				return
			}
			for i := range msgs {
				if msgs[i].IsWebhook() && !msgs[i].CreatedAt.Before(armedAt) {
					s.autoForward(ctx, connID, &msgs[i], lg)
				}
			}
		}
		if err := follow(ctx, s.Events, bus.RoomTopic(roomID), handle, catchUp); err != nil && ctx.Err() == nil {
			lg.Warn().Err(err).Msg("auto-forward subscription ended")
		}
	}()
}

func (s *ForwardService) disarm(connectionID string) {
	s.mu.Lock()
	cancel := s.auto[connectionID]
	delete(s.auto, connectionID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// autoForward re-checks the connection on every alert, so disconnecting or
// clearing the flag takes effect immediately.
func (s *ForwardService) autoForward(ctx context.Context, connectionID string, m *domain.Message, lg zerolog.Logger) {
	conn, err := repo.GetConnection(ctx, s.DB, connectionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.disarm(connectionID)
		}
		return
	}
	if !conn.AutoForward || !conn.IsConnected {
		return
	}
	if m.WebhookData == nil {
		full, err := repo.GetMessage(ctx, s.DB, m.ID)
		if err != nil {
			return
		}
		m = full
	}
	_, err = s.enqueue(ctx, conn, m, TriggerAuto)
	switch {
	case err == nil, errors.Is(err, ErrAlreadyForwarded):
	case errors.Is(err, ErrTradeIncomplete):
		lg.Debug().Str("message_id", m.ID).Msg("alert not tradable; skipped")
	default:
		lg.Warn().Err(err).Str("message_id", m.ID).Msg("auto-forward failed")
	}
}

func (s *ForwardService) owned(ctx context.Context, userID, connectionID string) (*domain.BrokerConnection, error) {
	conn, err := repo.GetConnection(ctx, s.DB, connectionID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, ErrConnectionNotFound
	}
	return conn, nil
}

func (s *ForwardService) requireMember(ctx context.Context, userID, roomID string) error {
	if _, err := repo.GetRoom(ctx, s.DB, roomID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	ok, err := repo.IsMember(ctx, s.DB, roomID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

func (s *ForwardService) updateConnection(ctx context.Context, id string, fields map[string]any) (*domain.BrokerConnection, error) {
	if err := repo.UpdateConnection(ctx, s.DB, id, fields); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConnectionNotFound
		}
		return nil, err
	}
	conn, err := repo.GetConnection(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	publish(s.Bus, connectionUpdated(conn))
	return conn, nil
}
