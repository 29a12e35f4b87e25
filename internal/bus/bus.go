// Package bus is the real-time delivery bus: an in-process topic fan-out of
// row-level change events, optionally mirrored across nodes through Redis.
//
// Delivery is at-least-once while a subscriber keeps up. A subscriber whose
// buffer fills is closed with ErrLagged and must resubscribe and reconcile
// from the store.
package bus

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Op is a row-level change kind.
type Op string

// Change kinds.
const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
)

// Table names carried on events.
const (
	TableMessages    = "messages"
	TableUsers       = "users"
	TableRooms       = "chat_rooms"
	TableMembers     = "room_members"
	TableConnections = "broker_connections"
	TableForwards    = "api_forward_logs"
)

// UsersTopic carries User UPDATE events to every session.
const UsersTopic = "users"

// RoomTopic is the topic for a room's message and membership events.
func RoomTopic(roomID string) string { return "room:" + roomID }

// UserTopic is the per-user topic for broker and room-list events.
func UserTopic(userID string) string { return "user:" + userID }

// Errors reported by Subscription.Err once its channel is closed.
var (
	ErrLagged = errors.New("bus: subscriber lagged behind")
	ErrClosed = errors.New("bus: closed")
	ErrResync = errors.New("bus: upstream reset, resync required")
)

// Event is one change notification.
type Event struct {
	ID     string          `json:"id"`
	Topic  string          `json:"topic"`
	Table  string          `json:"table"`
	Op     Op              `json:"op"`
	RoomID string          `json:"room_id,omitempty"`
	UserID string          `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	At     time.Time       `json:"at"`
	Origin string          `json:"origin,omitempty"`
}

// NewEvent builds an event with data marshaled to JSON.
func NewEvent(topic, table string, op Op, data any) Event {
	ev := Event{Topic: topic, Table: table, Op: op}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error { return json.Unmarshal(e.Data, v) }

// Publisher is the write side used by services.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber is the read side used by sessions.
type Subscriber interface {
	Subscribe(topic string) *Subscription
}

var (
	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bus_events_published_total",
			Help: "Events published on the real-time bus by table and op.",
		},
		[]string{"table", "op"},
	)
	busDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bus_subscribers_dropped_total",
			Help: "Subscribers closed because their buffer overflowed.",
		},
	)
)

func init() {
	prometheus.MustRegister(busPublished, busDropped)
}

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 256

// Bus fans events out to topic subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	closed  bool
	buffer  int
	nodeID  string
	log     zerolog.Logger
	outMu   sync.RWMutex
	forward func(Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscription buffer size.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets the logger used for drop notices.
func WithLogger(l zerolog.Logger) Option { return func(b *Bus) { b.log = l } }

// WithNodeID overrides the generated node id stamped on local events.
func WithNodeID(id string) Option { return func(b *Bus) { b.nodeID = id } }

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: DefaultBuffer,
		nodeID: uuid.NewString(),
		log:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// NodeID identifies this process to relays.
func (b *Bus) NodeID() string { return b.nodeID }

// Subscribe registers a new subscription on topic. Subscribing to a closed
// bus returns an already closed subscription.
func (b *Bus) Subscribe(topic string) *Subscription {
	s := &Subscription{topic: topic, bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.shut(ErrClosed)
		return s
	}
	set := b.subs[topic]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[topic] = set
	}
	set[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish stamps and delivers a locally produced event, then hands it to the
// relay when one is attached.
func (b *Bus) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.Origin = b.nodeID
	busPublished.WithLabelValues(ev.Table, string(ev.Op)).Inc()
	b.deliver(ev)

	b.outMu.RLock()
	fwd := b.forward
	b.outMu.RUnlock()
	if fwd != nil {
		fwd(ev)
	}
}

// Inject delivers an event received from another node. Events that carry
// this node's id are ignored.
func (b *Bus) Inject(ev Event) {
	if ev.Origin == b.nodeID {
		return
	}
	b.deliver(ev)
}

// SetForwarder installs the outbound hook for locally published events.
func (b *Bus) SetForwarder(fn func(Event)) {
	b.outMu.Lock()
	b.forward = fn
	b.outMu.Unlock()
}

// Reset closes every subscription with err so holders resubscribe and
// reconcile.
func (b *Bus) Reset(err error) {
	b.mu.Lock()
	var all []*Subscription
	for topic, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	for _, s := range all {
		s.shut(err)
	}
}

// Close shuts down the bus and every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Reset(ErrClosed)
}

// SubscriberCount returns the number of live subscriptions on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) deliver(ev Event) {
	var lagged []*Subscription
	b.mu.RLock()
	for s := range b.subs[ev.Topic] {
		if !s.offer(ev) {
			lagged = append(lagged, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range lagged {
		busDropped.Inc()
		b.log.Warn().Str("topic", s.topic).Msg("bus subscriber lagged; dropping")
		b.remove(s)
		s.shut(ErrLagged)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	if set := b.subs[s.topic]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
	b.mu.Unlock()
}

// Subscription is a single topic registration.
type Subscription struct {
	topic string
	bus   *Bus
	ch    chan Event

	mu     sync.Mutex
	closed bool
	err    error
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Err reports why the channel was closed: nil after Close, otherwise
// ErrLagged, ErrResync or ErrClosed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.shut(nil)
}

func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) shut(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
