package memberlist

import (
	"context"
	"errors"
	"testing"
	"time"

	"driftchat/internal/models"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

func newSyncerFixture(t *testing.T, f *fixture, userID string) (*Syncer, *Registry) {
	t.Helper()
	reg := NewRegistry(f.store, f.calc)
	t.Cleanup(reg.Close)
	s := NewSyncer("conn-1", userID, reg, NewResolver(f.store, f.calc), newTestCache(t, f))
	t.Cleanup(s.Close)
	return s, reg
}

func pollEvent(t *testing.T, s *Syncer) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := s.Poll(ctx)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	return ev
}

func TestSyncerSnapshotPrecedesOps(t *testing.T) {
	f := newFixture(t)
	alice := f.addOnlineMember("alice")
	s, reg := newSyncerFixture(t, f, alice.ID)
	target := Target{Kind: TargetRoom, RoomID: f.room.ID}

	if err := s.Subscribe(context.Background(), target, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ev := pollEvent(t, s)
	if ev.Type != EventSnapshot || ev.Snapshot == nil {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}
	if len(ev.Targets) != 1 || ev.Targets[0] != target {
		t.Fatalf("snapshot targets = %v", ev.Targets)
	}
	items := snapshotItems(*ev.Snapshot)

	bob := f.addOnlineMember("bob")
	reg.HandleEvent(roomstate.Event{Type: roomstate.EventMemberJoined, RoomID: f.room.ID, UserID: bob.ID})

	ev = pollEvent(t, s)
	if ev.Type != EventOps {
		t.Fatalf("second event = %+v, want ops", ev)
	}
	items = Apply(items, ev.Ops)
	want := []Item{
		{Group: &OnlineGroup},
		{Member: &ListMember{UserID: userIDOf(t, f, "alice"), DisplayName: "alice"}},
		{Member: &ListMember{UserID: bob.ID, DisplayName: "bob"}},
	}
	if !itemsEqual(items, want) {
		t.Fatalf("after ops:\n got %s\nwant %s", describeItems(items), describeItems(want))
	}
}

func TestSyncerAliasedTargetsShareOneActor(t *testing.T) {
	f := newFixture(t)
	mods := f.addRole("mods", 0, false)
	staffA := f.addChannel("staff-a", denyRole(mods.ID))
	staffB := f.addChannel("staff-b", denyRole(mods.ID))
	viewer := f.addOnlineMember("viewer")
	s, reg := newSyncerFixture(t, f, viewer.ID)
	targetA := Target{Kind: TargetChannel, RoomID: f.room.ID, ChannelID: staffA.ID}
	targetB := Target{Kind: TargetChannel, RoomID: f.room.ID, ChannelID: staffB.ID}
	ctx := context.Background()

	if err := s.Subscribe(ctx, targetA, nil); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if err := s.Subscribe(ctx, targetB, nil); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("aliased targets spawned %d actors, want 1", reg.Len())
	}

	// First snapshot from the fresh subscription, second delivered in-band
	// for the aliasing target.
	for i := 0; i < 2; i++ {
		if ev := pollEvent(t, s); ev.Type != EventSnapshot {
			t.Fatalf("event %d = %+v, want snapshot", i, ev)
		}
	}

	key, err := NewResolver(f.store, f.calc).Resolve(targetA)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	targets := s.TargetsFor(key)
	if len(targets) != 2 || !containsTarget(targets, targetA) || !containsTarget(targets, targetB) {
		t.Fatalf("targets for shared key = %v", targets)
	}

	// Dropping one alias keeps the subscription; dropping the last one
	// releases the actor.
	if err := s.Unsubscribe(targetA); err != nil {
		t.Fatalf("unsubscribe a: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatal("actor released while an alias remained")
	}
	if err := s.Unsubscribe(targetB); err != nil {
		t.Fatalf("unsubscribe b: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return reg.Len() == 0 })
}

// Unsubscribing must match the stored target even if overwrites changed in
// between and the target would now resolve to a different key.
func TestSyncerUnsubscribeSurvivesRekeying(t *testing.T) {
	f := newFixture(t)
	mods := f.addRole("mods", 0, false)
	staff := f.addChannel("staff", denyRole(mods.ID))
	viewer := f.addOnlineMember("viewer")
	s, reg := newSyncerFixture(t, f, viewer.ID)
	target := Target{Kind: TargetChannel, RoomID: f.room.ID, ChannelID: staff.ID}

	if err := s.Subscribe(context.Background(), target, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Change the chain without routing the event anywhere: the stored
	// subscription still matches the original target.
	if err := f.store.SetOverwrites(staff.ID, nil); err != nil {
		t.Fatalf("set overwrites: %v", err)
	}
	if err := s.Unsubscribe(target); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return reg.Len() == 0 })
}

func TestSyncerResyncAfterOverwriteChange(t *testing.T) {
	f := newFixture(t)
	mods := f.addRole("mods", 0, false)
	staff := f.addChannel("staff", denyRole(mods.ID))
	viewer := f.addOnlineMember("viewer")
	s, reg := newSyncerFixture(t, f, viewer.ID)
	target := Target{Kind: TargetChannel, RoomID: f.room.ID, ChannelID: staff.ID}

	if err := s.Subscribe(context.Background(), target, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := pollEvent(t, s); ev.Type != EventSnapshot {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}

	if err := f.store.SetOverwrites(staff.ID, nil); err != nil {
		t.Fatalf("set overwrites: %v", err)
	}
	reg.HandleEvent(roomstate.Event{Type: roomstate.EventOverwriteChanged, RoomID: f.room.ID, ChannelID: staff.ID})

	ev := pollEvent(t, s)
	if ev.Type != EventResync {
		t.Fatalf("got %+v, want resync", ev)
	}
	if len(ev.Targets) != 1 || ev.Targets[0] != target {
		t.Fatalf("resync targets = %v", ev.Targets)
	}
	// The key is forgotten; the client resubscribes from scratch.
	if err := s.Unsubscribe(target); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("unsubscribe after resync: %v", err)
	}
	if err := s.Subscribe(context.Background(), target, nil); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if ev := pollEvent(t, s); ev.Type != EventSnapshot {
		t.Fatalf("after resubscribe got %+v, want snapshot", ev)
	}
}

func TestSyncerFiltersOpsOutsideWatchedRanges(t *testing.T) {
	f := newFixture(t)
	bob := f.addOnlineMember("bob")
	for _, name := range []string{"carl", "dave", "erin"} {
		f.addOnlineMember(name)
	}
	s, reg := newSyncerFixture(t, f, bob.ID)
	target := Target{Kind: TargetRoom, RoomID: f.room.ID}

	// Watch the header plus the first two members only.
	if err := s.Subscribe(context.Background(), target, [][2]int{{0, 2}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := pollEvent(t, s); ev.Type != EventSnapshot {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}

	// zed sorts last (index 5), outside the window: filtered.
	zed := f.addOnlineMember("zed")
	reg.HandleEvent(roomstate.Event{Type: roomstate.EventMemberJoined, RoomID: f.room.ID, UserID: zed.ID})
	// abe sorts first (index 1), inside the window: forwarded.
	abe := f.addOnlineMember("abe")
	reg.HandleEvent(roomstate.Event{Type: roomstate.EventMemberJoined, RoomID: f.room.ID, UserID: abe.ID})

	ev := pollEvent(t, s)
	if ev.Type != EventOps {
		t.Fatalf("got %+v, want ops", ev)
	}
	if len(ev.Ops) != 1 || ev.Ops[0].Type != OpInsert || ev.Ops[0].Item.Member.UserID != abe.ID {
		t.Fatalf("expected only abe's insert, got %+v", ev.Ops)
	}
}

func TestSyncerRejectsUnknownTarget(t *testing.T) {
	f := newFixture(t)
	s, _ := newSyncerFixture(t, f, "u-nobody")
	target := Target{Kind: TargetRoom, RoomID: f.room.ID}

	if err := s.Unsubscribe(target); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := s.SetRanges(context.Background(), target, [][2]int{{0, 9}}); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("set ranges: %v", err)
	}
}

func TestSyncerCloseReleasesEverything(t *testing.T) {
	f := newFixture(t)
	viewer := f.addOnlineMember("viewer")
	s, reg := newSyncerFixture(t, f, viewer.ID)
	if err := s.Subscribe(context.Background(), Target{Kind: TargetRoom, RoomID: f.room.ID}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	s.Close()
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d actors after close", reg.Len())
	}
	if err := s.Subscribe(context.Background(), Target{Kind: TargetRoom, RoomID: f.room.ID}, nil); !errors.Is(err, ErrSyncerClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
	if _, err := s.Poll(context.Background()); !errors.Is(err, ErrSyncerClosed) {
		t.Fatalf("poll after close: %v", err)
	}
}

// End to end through the engine: store mutations reach subscribers via the
// feed with no manual event routing.
func TestEngineDeliversFeedEvents(t *testing.T) {
	f := newFixture(t)
	alice := f.addOnlineMember("alice")
	cache := newTestCache(t, f)
	engine := NewEngine(EngineConfig{Store: f.store, Calc: f.calc, Cache: cache, Feed: f.feed})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(runCtx)
	}()
	defer func() { cancel(); <-done }()

	s := engine.NewSyncer("conn-e2e", alice.ID)
	defer s.Close()
	if err := s.Subscribe(context.Background(), Target{Kind: TargetRoom, RoomID: f.room.ID}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := pollEvent(t, s); ev.Type != EventSnapshot {
		t.Fatalf("first event = %+v, want snapshot", ev)
	}

	bob := f.addOfflineMember("bob")
	// AddMember published EventMemberJoined to the feed; the engine loop
	// routes it into the room actor.
	ev := pollEvent(t, s)
	if ev.Type != EventOps {
		t.Fatalf("got %+v, want ops", ev)
	}
	found := false
	for _, op := range ev.Ops {
		if op.Item != nil && op.Item.Member != nil && op.Item.Member.UserID == bob.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("bob's join never reached the subscriber: %+v", ev.Ops)
	}
}

func newTestCache(t *testing.T, f *fixture) *perm.Cache {
	t.Helper()
	cache, err := perm.NewCache(f.calc, 128)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return cache
}

// SetPresence to the current value must not publish, so a no-op mutation
// produces no delivery while a real one right after does.
func TestSyncerIgnoresNoopMutations(t *testing.T) {
	f := newFixture(t)
	bob := f.addOfflineMember("bob")
	s, reg := newSyncerFixture(t, f, bob.ID)

	if err := s.Subscribe(context.Background(), Target{Kind: TargetRoom, RoomID: f.room.ID}, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if ev := pollEvent(t, s); ev.Type != EventSnapshot {
		t.Fatal("missing initial snapshot")
	}

	// Same presence again: the store rejects it as a no-op, nothing to
	// route.
	if err := f.store.SetPresence(f.room.ID, bob.ID, models.PresenceOffline); err != nil {
		t.Fatalf("noop presence: %v", err)
	}
	if err := f.store.SetPresence(f.room.ID, bob.ID, models.PresenceOnline); err != nil {
		t.Fatalf("presence: %v", err)
	}
	reg.HandleEvent(roomstate.Event{Type: roomstate.EventPresenceChanged, RoomID: f.room.ID, UserID: bob.ID})

	ev := pollEvent(t, s)
	if ev.Type != EventOps {
		t.Fatalf("got %+v, want ops", ev)
	}
}

// A member barred from a channel by a user overwrite must get the same
// answer as for a channel that does not exist, and no actor may be spawned
// on their behalf.
func TestSyncerDeniesHiddenChannel(t *testing.T) {
	f := newFixture(t)
	alice := f.addOnlineMember("alice")
	hidden := f.addChannel("war-room", models.Overwrite{
		UserID:     alice.ID,
		Permission: perm.PermViewChannel,
		Allow:      false,
	})
	s, reg := newSyncerFixture(t, f, alice.ID)
	target := Target{Kind: TargetChannel, RoomID: f.room.ID, ChannelID: hidden.ID}

	if err := s.Subscribe(context.Background(), target, nil); !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("hidden channel subscribe: got %v, want ErrNotFound", err)
	}
	if reg.Len() != 0 {
		t.Fatal("denied subscribe spawned an actor")
	}
}

func TestSyncerDeniesNonMemberRoom(t *testing.T) {
	f := newFixture(t)
	f.addOnlineMember("alice")
	outsider, err := f.store.CreateUser("mallory", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	s, _ := newSyncerFixture(t, f, outsider.ID)

	if err := s.Subscribe(context.Background(), Target{Kind: TargetRoom, RoomID: f.room.ID}, nil); !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("non-member subscribe: got %v, want ErrNotFound", err)
	}
}

func TestSyncerDeniesOutsiderDM(t *testing.T) {
	f := newFixture(t)
	bob := f.addOnlineMember("bob")
	carol := f.addOnlineMember("carol")
	dm := f.addDM(bob.ID, carol.ID)
	alice := f.addOnlineMember("alice")
	s, _ := newSyncerFixture(t, f, alice.ID)

	if err := s.Subscribe(context.Background(), Target{Kind: TargetDM, ChannelID: dm.ID}, nil); !errors.Is(err, perm.ErrNotFound) {
		t.Fatalf("outsider dm subscribe: got %v, want ErrNotFound", err)
	}
}

type countingStore struct {
	RoomStore
	roomReads int
}

func (c *countingStore) GetRoom(roomID string) (models.RoomSnapshot, bool) {
	c.roomReads++
	return c.RoomStore.GetRoom(roomID)
}

// Re-authorizing the same target must be answered by the permission cache;
// only the resolver's existence probe touches the store.
func TestSyncerAuthorizationUsesCache(t *testing.T) {
	f := newFixture(t)
	alice := f.addOnlineMember("alice")
	store := &countingStore{RoomStore: f.store}
	calc := perm.NewCalculator(store)
	cache, err := perm.NewCache(calc, 64)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	reg := NewRegistry(store, calc)
	t.Cleanup(reg.Close)
	s := NewSyncer("conn-1", alice.ID, reg, NewResolver(store, calc), cache)
	t.Cleanup(s.Close)
	target := Target{Kind: TargetRoom, RoomID: f.room.ID}

	if err := s.Subscribe(context.Background(), target, nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	reads := store.roomReads
	if err := s.Subscribe(context.Background(), target, [][2]int{{0, 9}}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if store.roomReads != reads+1 {
		t.Fatalf("re-authorization recomputed permissions: %d reads, was %d", store.roomReads, reads)
	}
}
