package memberlist

import (
	"testing"
	"time"

	"driftchat/internal/models"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

// fixture assembles a store with one room and helpers for shaping its state.
type fixture struct {
	t     *testing.T
	store *roomstate.Store
	feed  roomstate.Feed
	calc  *perm.Calculator
	room  models.Room
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	feed := roomstate.NewMemoryFeed(128)
	store := roomstate.NewStore(feed)
	owner, err := store.CreateUser("owner", "")
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	room, err := store.CreateRoom("hq", owner.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return &fixture{
		t:     t,
		store: store,
		feed:  feed,
		calc:  perm.NewCalculator(store),
		room:  room,
	}
}

// addOnlineMember creates a user, joins them to the room, and marks them
// online.
func (f *fixture) addOnlineMember(username string) models.User {
	f.t.Helper()
	user := f.addOfflineMember(username)
	if err := f.store.SetPresence(f.room.ID, user.ID, models.PresenceOnline); err != nil {
		f.t.Fatalf("set presence: %v", err)
	}
	return user
}

func (f *fixture) addOfflineMember(username string) models.User {
	f.t.Helper()
	user, err := f.store.CreateUser(username, "")
	if err != nil {
		f.t.Fatalf("create user: %v", err)
	}
	if _, err := f.store.AddMember(f.room.ID, user.ID); err != nil {
		f.t.Fatalf("add member: %v", err)
	}
	return user
}

func (f *fixture) addRole(name string, position int, hoisted bool, perms ...string) models.Role {
	f.t.Helper()
	role, err := f.store.CreateRole(models.Role{
		RoomID:      f.room.ID,
		Name:        name,
		Position:    position,
		Hoisted:     hoisted,
		Permissions: perms,
	})
	if err != nil {
		f.t.Fatalf("create role: %v", err)
	}
	return role
}

func (f *fixture) addChannel(name string, overwrites ...models.Overwrite) models.Channel {
	f.t.Helper()
	channel, err := f.store.CreateChannel(models.Channel{
		RoomID:     f.room.ID,
		Name:       name,
		Kind:       models.ChannelKindText,
		Overwrites: overwrites,
	})
	if err != nil {
		f.t.Fatalf("create channel: %v", err)
	}
	return channel
}

func (f *fixture) addThread(parent models.Channel, name string) models.Channel {
	f.t.Helper()
	thread, err := f.store.CreateChannel(models.Channel{
		RoomID:   f.room.ID,
		Name:     name,
		Kind:     models.ChannelKindThread,
		ParentID: parent.ID,
	})
	if err != nil {
		f.t.Fatalf("create thread: %v", err)
	}
	return thread
}

func (f *fixture) addDM(participants ...string) models.Channel {
	f.t.Helper()
	dm, err := f.store.CreateChannel(models.Channel{
		Kind:         models.ChannelKindDM,
		Participants: participants,
	})
	if err != nil {
		f.t.Fatalf("create dm: %v", err)
	}
	return dm
}

func denyRole(roleID string) models.Overwrite {
	return models.Overwrite{RoleID: roleID, Permission: perm.PermViewChannel, Allow: false}
}

func allowRole(roleID string) models.Overwrite {
	return models.Overwrite{RoleID: roleID, Permission: perm.PermViewChannel, Allow: true}
}

func allowUser(userID string) models.Overwrite {
	return models.Overwrite{UserID: userID, Permission: perm.PermViewChannel, Allow: true}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// receiveDelivery reads one delivery from an actor subscription or fails.
func receiveDelivery(t *testing.T, sub *ActorSubscription) Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.Deliveries():
		if !ok {
			t.Fatal("subscription closed while waiting for delivery")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

// snapshotItems flattens a snapshot's first slice for comparisons.
func snapshotItems(s Snapshot) []Item {
	var out []Item
	for _, slice := range s.Slices {
		out = append(out, slice.Items...)
	}
	return out
}
