package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
)

// MessageRef is the payload of a message DELETE event.
type MessageRef struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
}

// MemberChange is the payload of a membership event on a room topic.
type MemberChange struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

func publish(pub bus.Publisher, ev bus.Event) {
	if pub != nil {
		pub.Publish(ev)
	}
}

func messageInserted(m *domain.Message) bus.Event {
	ev := bus.NewEvent(bus.RoomTopic(m.RoomID), bus.TableMessages, bus.OpInsert, m)
	ev.RoomID, ev.UserID = m.RoomID, m.UserID
	return ev
}

func messageDeleted(m *domain.Message) bus.Event {
	ev := bus.NewEvent(bus.RoomTopic(m.RoomID), bus.TableMessages, bus.OpDelete, MessageRef{ID: m.ID, RoomID: m.RoomID})
	ev.RoomID, ev.UserID = m.RoomID, m.UserID
	return ev
}

func userUpdated(u *domain.User) bus.Event {
	ev := bus.NewEvent(bus.UsersTopic, bus.TableUsers, bus.OpUpdate, u)
	ev.UserID = u.ID
	return ev
}

// roomListChanged notifies userID that a room joined or left their list.
func roomListChanged(userID string, op bus.Op, r *domain.ChatRoom) bus.Event {
	ev := bus.NewEvent(bus.UserTopic(userID), bus.TableRooms, op, r)
	ev.RoomID, ev.UserID = r.ID, userID
	return ev
}

func memberAdded(roomID, userID string) bus.Event {
	ev := bus.NewEvent(bus.RoomTopic(roomID), bus.TableMembers, bus.OpInsert, MemberChange{RoomID: roomID, UserID: userID})
	ev.RoomID, ev.UserID = roomID, userID
	return ev
}

func connectionUpdated(c *domain.BrokerConnection) bus.Event {
	ev := bus.NewEvent(bus.UserTopic(c.UserID), bus.TableConnections, bus.OpUpdate, c)
	ev.RoomID, ev.UserID = c.RoomID, c.UserID
	return ev
}

func forwardChanged(userID string, op bus.Op, l *domain.ForwardLog) bus.Event {
	ev := bus.NewEvent(bus.UserTopic(userID), bus.TableForwards, op, l)
	ev.RoomID, ev.UserID = l.RoomID, userID
	return ev
}

// commitMessages runs fn in a transaction while holding the room lock and
// publishes an INSERT for every returned message after commit.
func commitMessages(ctx context.Context, db *gorm.DB, pub bus.Publisher, roomID string, fn func(tx *gorm.DB) ([]*domain.Message, error)) ([]*domain.Message, error) {
	unlock := roomLocks.Lock(roomID)
	defer unlock()

	var out []*domain.Message
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = fn(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, m := range out {
		publish(pub, messageInserted(m))
	}
	return out, nil
}

// Resubscribe backoff bounds for follow.
var (
	followMinBackoff = 100 * time.Millisecond
	followMaxBackoff = 5 * time.Second
)

// follow delivers topic events to handle until handle returns false, ctx
// ends or the bus closes. A lost subscription is reopened with backoff and
// onGap runs after each reopen so the caller can reload what it missed.
func follow(ctx context.Context, b bus.Subscriber, topic string, handle func(bus.Event) bool, onGap func()) error {
	return followFrom(ctx, b, b.Subscribe(topic), handle, onGap)
}

// followFrom is follow starting from an already open subscription, for
// callers that load state after subscribing.
func followFrom(ctx context.Context, b bus.Subscriber, sub *bus.Subscription, handle func(bus.Event) bool, onGap func()) error {
	backoff := followMinBackoff
	for {
		err := drain(ctx, sub, handle)
		if err == nil || errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, followMaxBackoff)
		sub = b.Subscribe(sub.Topic())
		if onGap != nil {
			onGap()
		}
	}
}

func drain(ctx context.Context, sub *bus.Subscription, handle func(bus.Event) bool) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return bus.ErrClosed
			}
			if !handle(ev) {
				return nil
			}
		}
	}
}
