package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/alertdesk/internal/bus"
	"github.com/tbourn/alertdesk/internal/domain"
	"github.com/tbourn/alertdesk/internal/repo"
)

func TestEnsureUser_CreatesOnceWithPaletteColor(t *testing.T) {
	s, _ := newChat(t)
	ctx := context.Background()

	u := mustUser(t, s, "u-1", "alice")
	if u.Username != "alice" || u.Status != domain.StatusOffline {
		t.Fatalf("unexpected user: %+v", u)
	}
	found := false
	for _, c := range DefaultPalette {
		found = found || c == u.Color
	}
	if !found {
		t.Fatalf("color %q not from palette", u.Color)
	}

	again, err := s.EnsureUser(ctx, "u-1", "renamed")
	if err != nil {
		t.Fatalf("EnsureUser again: %v", err)
	}
	if again.Username != "alice" || again.Color != u.Color {
		t.Fatalf("second login must not change profile: %+v", again)
	}
}

func TestEnsureUser_TakenNameGetsSuffix(t *testing.T) {
	s, _ := newChat(t)
	mustUser(t, s, "abcdef123", "alice")

	u := mustUser(t, s, "zyxwvu987", "ALICE")
	if u.Username != "ALICE-zyxwvu" {
		t.Fatalf("want suffixed username, got %q", u.Username)
	}
}

func TestUpdateProfile_ValidatesAndBroadcasts(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	mustUser(t, s, "u-1", "alice")
	mustUser(t, s, "u-2", "bob")

	bad := "x"
	if _, err := s.UpdateProfile(ctx, "u-1", ProfileUpdate{Username: &bad}); !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("want ErrInvalidUsername, got %v", err)
	}
	color := "red"
	if _, err := s.UpdateProfile(ctx, "u-1", ProfileUpdate{Color: &color}); !errors.Is(err, ErrInvalidColor) {
		t.Fatalf("want ErrInvalidColor, got %v", err)
	}
	taken := "BOB"
	if _, err := s.UpdateProfile(ctx, "u-1", ProfileUpdate{Username: &taken}); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("want ErrUsernameTaken, got %v", err)
	}

	rec.reset()
	name, color := "alicia", "#A1B2C3"
	u, err := s.UpdateProfile(ctx, "u-1", ProfileUpdate{Username: &name, Color: &color})
	if err != nil {
		t.Fatalf("UpdateProfile: %v", err)
	}
	if u.Username != "alicia" || u.Color != "#a1b2c3" {
		t.Fatalf("unexpected profile: %+v", u)
	}
	evs := rec.find(bus.TableUsers, bus.OpUpdate)
	if len(evs) != 1 || evs[0].Topic != bus.UsersTopic {
		t.Fatalf("want one users UPDATE, got %+v", evs)
	}
}

func TestSetPresence_OfflineStampsLastSeen(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	mustUser(t, s, "u-1", "alice")

	u, err := s.SetPresence(ctx, "u-1", true)
	if err != nil || u.Status != domain.StatusOnline {
		t.Fatalf("online: %+v %v", u, err)
	}
	u, err = s.SetPresence(ctx, "u-1", false)
	if err != nil || u.Status != domain.StatusOffline || u.LastSeen == nil {
		t.Fatalf("offline: %+v %v", u, err)
	}
	if n := len(rec.find(bus.TableUsers, bus.OpUpdate)); n != 2 {
		t.Fatalf("want 2 presence events, got %d", n)
	}
	if _, err := s.SetPresence(ctx, "ghost", true); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestAddFriend_SymmetricWithSinglePrivateRoom(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	alice := mustUser(t, s, "u-a", "alice")
	bob := mustUser(t, s, "u-b", "bob")

	friend, room, err := s.AddFriend(ctx, alice.ID, "Bob")
	if err != nil {
		t.Fatalf("AddFriend: %v", err)
	}
	if friend.ID != bob.ID || room.Type != domain.RoomPrivate {
		t.Fatalf("unexpected result: %+v %+v", friend, room)
	}
	for _, id := range []string{alice.ID, bob.ID} {
		fs, err := s.ListFriends(ctx, id)
		if err != nil || len(fs) != 1 {
			t.Fatalf("friends of %s: %v %v", id, fs, err)
		}
	}

	// Either side resolves to the same room.
	r2, err := s.CreatePrivateRoom(ctx, bob.ID, alice.ID)
	if err != nil {
		t.Fatalf("CreatePrivateRoom: %v", err)
	}
	if r2.ID != room.ID {
		t.Fatalf("want same room %s, got %s", room.ID, r2.ID)
	}
	if n := countRows(t, s.DB, &domain.ChatRoom{}, "type = ?", domain.RoomPrivate); n != 1 {
		t.Fatalf("want 1 private room, got %d", n)
	}
	if n := len(rec.find(bus.TableRooms, bus.OpInsert)); n != 2 {
		t.Fatalf("want room INSERT for both users, got %d", n)
	}

	if _, _, err := s.AddFriend(ctx, alice.ID, "alice"); !errors.Is(err, ErrSelfFriend) {
		t.Fatalf("want ErrSelfFriend, got %v", err)
	}
	if _, _, err := s.AddFriend(ctx, alice.ID, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestCreatePrivateRoom_RequiresFriendship(t *testing.T) {
	s, _ := newChat(t)
	a := mustUser(t, s, "u-a", "alice")
	b := mustUser(t, s, "u-b", "bob")
	if _, err := s.CreatePrivateRoom(context.Background(), a.ID, b.ID); !errors.Is(err, ErrNotFriends) {
		t.Fatalf("want ErrNotFriends, got %v", err)
	}
}

func TestCreatePrivateRoom_ConcurrentCallsShareRoom(t *testing.T) {
	s, _ := newChat(t)
	a := mustUser(t, s, "u-a", "alice")
	b := mustUser(t, s, "u-b", "bob")
	if err := repo.CreateFriendship(context.Background(), s.DB, a.ID, b.ID); err != nil {
		t.Fatal(err)
	}

	ids := make(chan string, 8)
	for i := 0; i < 8; i++ {
		from, to := a.ID, b.ID
		if i%2 == 1 {
			from, to = to, from
		}
		go func() {
			r, err := s.CreatePrivateRoom(context.Background(), from, to)
			if err != nil {
				ids <- "err:" + err.Error()
				return
			}
			ids <- r.ID
		}()
	}
	first := <-ids
	for i := 1; i < 8; i++ {
		if got := <-ids; got != first {
			t.Fatalf("rooms diverged: %s vs %s", first, got)
		}
	}
}

func TestGroup_InviteRequiresMembershipAndFriendship(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	alice := mustUser(t, s, "u-a", "alice")
	bob := mustUser(t, s, "u-b", "bob")
	carol := mustUser(t, s, "u-c", "carol")
	befriend(t, s, alice, bob)

	if _, err := s.CreateGroup(ctx, alice.ID, "   "); !errors.Is(err, ErrInvalidRoomName) {
		t.Fatalf("want ErrInvalidRoomName, got %v", err)
	}
	g, err := s.CreateGroup(ctx, alice.ID, "  desk   team ")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g.Name == nil || *g.Name != "desk team" {
		t.Fatalf("name not normalized: %v", g.Name)
	}
	members, _ := repo.ListMemberIDs(ctx, s.DB, g.ID)
	if len(members) != 1 || members[0] != alice.ID {
		t.Fatalf("group must start with creator only: %v", members)
	}

	if _, err := s.InviteToGroup(ctx, alice.ID, g.ID, carol.ID); !errors.Is(err, ErrNotFriends) {
		t.Fatalf("want ErrNotFriends, got %v", err)
	}
	if _, err := s.InviteToGroup(ctx, carol.ID, g.ID, alice.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}

	rec.reset()
	m, err := s.InviteToGroup(ctx, alice.ID, g.ID, bob.ID)
	if err != nil {
		t.Fatalf("InviteToGroup: %v", err)
	}
	if m.UserID != domain.SystemUserID || m.Content != "bob joined the group" {
		t.Fatalf("unexpected system message: %+v", m)
	}
	if n := len(rec.find(bus.TableMessages, bus.OpInsert)); n != 1 {
		t.Fatalf("want 1 message INSERT, got %d", n)
	}
	if n := len(rec.find(bus.TableMembers, bus.OpInsert)); n != 1 {
		t.Fatalf("want 1 member INSERT, got %d", n)
	}
	if _, err := s.InviteToGroup(ctx, alice.ID, g.ID, bob.ID); !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("want ErrAlreadyMember, got %v", err)
	}
	if n := countRows(t, s.DB, &domain.Message{}, "room_id = ?", g.ID); n != 1 {
		t.Fatalf("failed invite must not post a message, got %d", n)
	}

	priv, _ := s.CreatePrivateRoom(ctx, alice.ID, bob.ID)
	if _, err := s.InviteToGroup(ctx, alice.ID, priv.ID, bob.ID); !errors.Is(err, ErrNotGroupRoom) {
		t.Fatalf("want ErrNotGroupRoom, got %v", err)
	}
}

func TestCreateWebhookRoom_SurfacesSecretOnce(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	alice := mustUser(t, s, "u-a", "alice")

	room, hook, err := s.CreateWebhookRoom(ctx, alice.ID, "Gold signals")
	if err != nil {
		t.Fatalf("CreateWebhookRoom: %v", err)
	}
	if room.Type != domain.RoomWebhook {
		t.Fatalf("type = %s", room.Type)
	}
	if want := "https://desk.test/webhook/" + room.ID; hook.WebhookURL != want {
		t.Fatalf("url = %s, want %s", hook.WebhookURL, want)
	}
	if len(hook.WebhookSecret) != 48 {
		t.Fatalf("secret length %d", len(hook.WebhookSecret))
	}
	msgs, _ := repo.ListMessages(ctx, s.DB, room.ID, 0)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, hook.WebhookSecret) || !strings.Contains(msgs[0].Content, hook.WebhookURL) {
		t.Fatalf("system message must carry url and secret: %+v", msgs)
	}
	if n := len(rec.find(bus.TableMessages, bus.OpInsert)); n != 1 {
		t.Fatalf("want 1 INSERT, got %d", n)
	}

	h2, err := s.CreateWebhookForRoom(ctx, alice.ID, room.ID)
	if err != nil {
		t.Fatalf("CreateWebhookForRoom: %v", err)
	}
	if h2.WebhookSecret == hook.WebhookSecret {
		t.Fatal("regenerated secret must differ")
	}
	hooks, _ := s.ListWebhooks(ctx, alice.ID, room.ID)
	if len(hooks) != 2 {
		t.Fatalf("want 2 webhooks, got %d", len(hooks))
	}

	g, _ := s.CreateGroup(ctx, alice.ID, "g")
	if _, err := s.CreateWebhookForRoom(ctx, alice.ID, g.ID); !errors.Is(err, ErrNotWebhookRoom) {
		t.Fatalf("want ErrNotWebhookRoom, got %v", err)
	}
}

func TestDeleteRoom_CreatorOnlyAndCascades(t *testing.T) {
	s, rec := newChat(t)
	ctx := context.Background()
	alice := mustUser(t, s, "u-a", "alice")
	bob := mustUser(t, s, "u-b", "bob")
	befriend(t, s, alice, bob)
	g, _ := s.CreateGroup(ctx, alice.ID, "g")
	if _, err := s.InviteToGroup(ctx, alice.ID, g.ID, bob.ID); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.SendMessage(ctx, bob.ID, g.ID, "hi", "k1"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteRoom(ctx, bob.ID, g.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	rec.reset()
	if err := s.DeleteRoom(ctx, alice.ID, g.ID); err != nil {
		t.Fatalf("DeleteRoom: %v", err)
	}
	for _, model := range []any{&domain.Message{}, &domain.RoomMember{}, &domain.Idempotency{}} {
		if n := countRows(t, s.DB, model, "room_id = ?", g.ID); n != 0 {
			t.Fatalf("%T rows remain: %d", model, n)
		}
	}
	if n := len(rec.find(bus.TableRooms, bus.OpDelete)); n != 3 {
		t.Fatalf("want room DELETE on room topic and both user topics, got %d", n)
	}
	if err := s.DeleteRoom(ctx, alice.ID, g.ID); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("want ErrRoomNotFound, got %v", err)
	}
}

func TestListRooms_IncludesMembers(t *testing.T) {
	s, _ := newChat(t)
	ctx := context.Background()
	alice := mustUser(t, s, "u-a", "alice")
	bob := mustUser(t, s, "u-b", "bob")
	befriend(t, s, alice, bob)
	if _, err := s.CreateGroup(ctx, alice.ID, "g"); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.ListRooms(ctx, alice.ID)
	if err != nil || len(rooms) != 2 {
		t.Fatalf("ListRooms: %v %v", rooms, err)
	}
	for _, r := range rooms {
		if r.Type == domain.RoomPrivate && len(r.Members) != 2 {
			t.Fatalf("private members: %v", r.Members)
		}
	}
	if rs, _ := s.ListRooms(ctx, bob.ID); len(rs) != 1 {
		t.Fatalf("bob should see only the private room, got %d", len(rs))
	}
}
