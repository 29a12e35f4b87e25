package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
)

// liveChat is pair() wired to a real bus.
func liveChat(t *testing.T) (*ChatService, *bus.Bus, *domain.User, *domain.User, *domain.ChatRoom) {
	t.Helper()
	s, _, a, b, room := pair(t)
	eb := bus.New()
	t.Cleanup(eb.Close)
	s.Bus = eb
	return s, eb, a, b, room
}

func openSession(t *testing.T, chat *ChatService, eb *bus.Bus, u *domain.User) *Session {
	t.Helper()
	sess := NewSession(chat, eb, zerolog.Nop())
	if _, err := sess.Open(context.Background(), u.ID, u.Username); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

// nextUpdate returns the first update matching match.
func nextUpdate(t *testing.T, sess *Session, match func(Update) bool) Update {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case u := <-sess.Events():
			if match(u) {
				return u
			}
		case <-timeout:
			t.Fatal("no matching update")
		}
	}
}

func isEvent(table string, op bus.Op) func(Update) bool {
	return func(u Update) bool {
		return u.Type == UpdateEvent && u.Event.Table == table && u.Event.Op == op
	}
}

func TestSession_OpenSetsPresenceAndLoadsDirectory(t *testing.T) {
	chat, eb, a, b, room := liveChat(t)
	watcher := eb.Subscribe(bus.UsersTopic)
	defer watcher.Close()

	sess := openSession(t, chat, eb, a)
	snap := sess.Snapshot()
	if snap.User == nil || snap.User.Status != domain.StatusOnline {
		t.Fatalf("user: %+v", snap.User)
	}
	if len(snap.Friends) != 1 || snap.Friends[0].ID != b.ID {
		t.Fatalf("friends: %+v", snap.Friends)
	}
	if len(snap.Rooms) != 1 || snap.Rooms[0].ID != room.ID {
		t.Fatalf("rooms: %+v", snap.Rooms)
	}
	select {
	case ev := <-watcher.C():
		if ev.Op != bus.OpUpdate || ev.UserID != a.ID {
			t.Fatalf("presence event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("presence UPDATE not broadcast")
	}
	if _, err := sess.Open(context.Background(), a.ID, a.Username); !errors.Is(err, ErrSessionOpen) {
		t.Fatalf("want ErrSessionOpen, got %v", err)
	}
}

func TestSession_SwitchRoomFollowsInsertsAndDeletes(t *testing.T) {
	chat, eb, a, b, room := liveChat(t)
	ctx := context.Background()
	if _, _, err := chat.SendMessage(ctx, b.ID, room.ID, "earlier", ""); err != nil {
		t.Fatal(err)
	}
	sess := openSession(t, chat, eb, a)

	msgs, err := sess.SwitchRoom(ctx, room.ID)
	if err != nil {
		t.Fatalf("SwitchRoom: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "earlier" {
		t.Fatalf("history: %+v", msgs)
	}

	m, _, err := chat.SendMessage(ctx, b.ID, room.ID, "live", "")
	if err != nil {
		t.Fatal(err)
	}
	nextUpdate(t, sess, isEvent(bus.TableMessages, bus.OpInsert))
	if got := sess.Snapshot().Messages; len(got) != 2 || got[1].ID != m.ID {
		t.Fatalf("view after insert: %+v", got)
	}

	if err := chat.DeleteMessage(ctx, b.ID, m.ID); err != nil {
		t.Fatal(err)
	}
	nextUpdate(t, sess, isEvent(bus.TableMessages, bus.OpDelete))
	if got := sess.Snapshot().Messages; len(got) != 1 {
		t.Fatalf("view after delete: %+v", got)
	}
}

func TestSession_SwitchRoomReleasesPreviousSubscription(t *testing.T) {
	chat, eb, a, b, room := liveChat(t)
	ctx := context.Background()
	group, err := chat.CreateGroup(ctx, a.ID, "desk")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := chat.InviteToGroup(ctx, a.ID, group.ID, b.ID); err != nil {
		t.Fatal(err)
	}
	sess := openSession(t, chat, eb, a)

	if _, err := sess.SwitchRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}
	msgs, err := sess.SwitchRoom(ctx, group.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].UserID != domain.SystemUserID {
		t.Fatalf("group history: %+v", msgs)
	}
	waitFor(t, func() bool { return eb.SubscriberCount(bus.RoomTopic(room.ID)) == 0 })
	if eb.SubscriberCount(bus.RoomTopic(group.ID)) != 1 {
		t.Fatal("active room must be subscribed exactly once")
	}

	if _, _, err := chat.SendMessage(ctx, b.ID, room.ID, "elsewhere", ""); err != nil {
		t.Fatal(err)
	}
	if got := sess.Snapshot().Messages; len(got) != 1 || got[0].RoomID != group.ID {
		t.Fatalf("inactive room leaked into view: %+v", got)
	}

	sess.LeaveRoom()
	if sess.ActiveRoom() != "" {
		t.Fatal("LeaveRoom must clear the active room")
	}
	waitFor(t, func() bool { return eb.SubscriberCount(bus.RoomTopic(group.ID)) == 0 })
}

func TestSession_SwitchRoomRequiresMembership(t *testing.T) {
	chat, eb, a, _, _ := liveChat(t)
	mallory := mustUser(t, chat, "u-m", "mallory")
	group, err := chat.CreateGroup(context.Background(), a.ID, "private desk")
	if err != nil {
		t.Fatal(err)
	}
	sess := openSession(t, chat, eb, mallory)
	if _, err := sess.SwitchRoom(context.Background(), group.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if _, _, err := sess.Send(context.Background(), "hi", ""); !errors.Is(err, ErrNoActiveRoom) {
		t.Fatalf("want ErrNoActiveRoom, got %v", err)
	}
}

func TestSession_SendUsesActiveRoom(t *testing.T) {
	chat, eb, a, _, room := liveChat(t)
	ctx := context.Background()
	sess := openSession(t, chat, eb, a)
	if _, err := sess.SwitchRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}

	m, replayed, err := sess.Send(ctx, "hello", "k1")
	if err != nil || replayed || m.RoomID != room.ID {
		t.Fatalf("send: %+v %v %v", m, replayed, err)
	}
	again, replayed, err := sess.Send(ctx, "hello", "k1")
	if err != nil || !replayed || again.ID != m.ID {
		t.Fatalf("retry: %+v %v %v", again, replayed, err)
	}
	waitFor(t, func() bool { return len(sess.Snapshot().Messages) == 1 })

	if err := sess.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(sess.Snapshot().Messages) == 0 })
}

func TestSession_RoomDeleteClearsActiveRoom(t *testing.T) {
	chat, eb, a, _, room := liveChat(t)
	ctx := context.Background()
	sess := openSession(t, chat, eb, a)
	if _, err := sess.SwitchRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}
	if err := chat.DeleteRoom(ctx, a.ID, room.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return sess.ActiveRoom() == "" && len(sess.Snapshot().Rooms) == 0 })
}

func TestSession_ResubscribesAndReconcilesAfterReset(t *testing.T) {
	chat, eb, a, b, room := liveChat(t)
	ctx := context.Background()
	sess := openSession(t, chat, eb, a)
	if _, err := sess.SwitchRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}

	// Written straight to the store, so only a reconcile can surface it.
	missed := &domain.Message{RoomID: room.ID, UserID: b.ID, Username: b.Username, Color: b.Color, Content: "missed", MessageType: domain.MessageText}
	if err := repo.CreateMessage(ctx, chat.DB, missed); err != nil {
		t.Fatal(err)
	}
	if n := len(sess.Snapshot().Messages); n != 0 {
		t.Fatalf("unpublished message visible: %d", n)
	}
	eb.Reset(bus.ErrResync)

	nextUpdate(t, sess, func(u Update) bool {
		return u.Type == UpdateSnapshot && u.Snapshot.ActiveRoom == room.ID && len(u.Snapshot.Messages) == 1
	})
	waitFor(t, func() bool { return eb.SubscriberCount(bus.RoomTopic(room.ID)) == 1 })
	if sess.Snapshot().Messages[0].ID != missed.ID {
		t.Fatal("reconcile must load the missed message")
	}
}

func TestSession_CloseMarksOfflineAndReleasesEverything(t *testing.T) {
	chat, eb, a, _, room := liveChat(t)
	ctx := context.Background()
	sess := NewSession(chat, eb, zerolog.Nop())
	if _, err := sess.Open(ctx, a.ID, a.Username); err != nil {
		t.Fatal(err)
	}
	if _, err := sess.SwitchRoom(ctx, room.ID); err != nil {
		t.Fatal(err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for _, topic := range []string{bus.UsersTopic, bus.UserTopic(a.ID), bus.RoomTopic(room.ID)} {
		if n := eb.SubscriberCount(topic); n != 0 {
			t.Fatalf("%s still has %d subscribers", topic, n)
		}
	}
	u, err := chat.GetUser(ctx, a.ID)
	if err != nil || u.Status != domain.StatusOffline || u.LastSeen == nil {
		t.Fatalf("presence after close: %+v %v", u, err)
	}
	if _, err := sess.SwitchRoom(ctx, room.ID); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed, got %v", err)
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("Done must be closed")
	}
}
