package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "alertdesk:bus"

// Relay mirrors local bus events to Redis and injects events published by
// other nodes.
type Relay struct {
	Bus     *Bus
	Client  *redis.Client
	Channel string
	Log     zerolog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	out chan Event
}

// NewRelay wires a relay between b and client. Call Run to start it.
func NewRelay(b *Bus, client *redis.Client, channel string, log zerolog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Relay{
		Bus:        b,
		Client:     client,
		Channel:    channel,
		Log:        log,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
		out:        make(chan Event, 1024),
	}
}

// Run pumps events both ways until ctx is cancelled. Subscribe failures are
// retried with exponential backoff; every reconnection after the first
// resets local subscribers since remote events may have been missed.
func (r *Relay) Run(ctx context.Context) error {
	r.Bus.SetForwarder(r.enqueue)
	defer r.Bus.SetForwarder(nil)

	go r.publishLoop(ctx)

	backoff := r.MinBackoff
	connected := false
	for {
		err := r.session(ctx, func() {
			if connected {
				r.Bus.Reset(ErrResync)
			}
			connected = true
			backoff = r.MinBackoff
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.Log.Warn().Err(err).Dur("backoff", backoff).Msg("bus relay disconnected; resubscribing")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, r.MaxBackoff)
	}
}

func (r *Relay) session(ctx context.Context, onReady func()) error {
	ps := r.Client.Subscribe(ctx, r.Channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	onReady()
	r.Log.Info().Str("channel", r.Channel).Msg("bus relay subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errRelayClosed
			}
			ev, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.Log.Warn().Err(err).Msg("bus relay: bad payload")
				continue
			}
			r.Bus.Inject(ev)
		}
	}
}

func (r *Relay) enqueue(ev Event) {
	select {
	case r.out <- ev:
	default:
		r.Log.Warn().Str("topic", ev.Topic).Msg("bus relay outbound queue full; event not mirrored")
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.out:
			payload, err := encodeEnvelope(ev)
			if err != nil {
				continue
			}
			if err := r.Client.Publish(ctx, r.Channel, payload).Err(); err != nil && ctx.Err() == nil {
				r.Log.Warn().Err(err).Str("topic", ev.Topic).Msg("bus relay publish failed")
			}
		}
	}
}

var errRelayClosed = errors.New("bus relay: channel closed")

func encodeEnvelope(ev Event) ([]byte, error) { return json.Marshal(ev) }

func decodeEnvelope(b []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(b, &ev)
	return ev, err
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	cur *= 2
	if cur > limit {
		return limit
	}
	return cur
}
