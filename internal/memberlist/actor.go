package memberlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"driftchat/internal/models"
	"driftchat/internal/observability/metrics"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

const (
	// MaxRanges bounds how many index ranges one request may name.
	MaxRanges = 4
	// MaxRangeSpan bounds the total number of items one request may cover.
	MaxRangeSpan = 400

	defaultSubscriberBuffer = 32
	commandBuffer           = 16
	eventBuffer             = 256
)

// ErrTooBig reports a ranged request exceeding the pagination limits.
var ErrTooBig = errors.New("member list request too big")

// ErrActorClosed reports a request against an actor that has been torn down.
// Callers should re-resolve their target and resubscribe.
var ErrActorClosed = errors.New("member list actor closed")

// Delivery is one unit received by a subscriber: either an op batch or an
// in-band snapshot answering a ranged request.
type Delivery struct {
	Ops      []Op
	Snapshot *Snapshot
}

// ActorSubscription is one subscriber's receive side of an actor's broadcast.
// The channel closing signals that the subscriber fell behind or the actor
// shut down; either way the holder must resynchronize from scratch.
type ActorSubscription struct {
	ConnID string
	ch     chan Delivery
}

// Deliveries returns the subscriber's receive channel.
func (s *ActorSubscription) Deliveries() <-chan Delivery {
	return s.ch
}

// ActorConfig assembles an actor's dependencies.
type ActorConfig struct {
	Key ListKey
	// SeedChannelID is a channel whose visibility chain encodes the key's
	// signature; any channel sharing the signature yields identical
	// eligibility, so the first resolved one serves for evaluation.
	SeedChannelID    string
	Store            RoomStore
	Calc             *perm.Calculator
	Logger           *slog.Logger
	SubscriberBuffer int
}

// Actor owns the canonical member list for one ListKey. All state mutation
// happens inside its single goroutine, fed by a command mailbox and a
// room-event mailbox; the list itself needs no lock by construction.
type Actor struct {
	key         ListKey
	seedChannel string
	store       RoomStore
	calc        *perm.Calculator
	logger      *slog.Logger
	buffer      int

	cmds   chan any
	events chan roomstate.Event
	done   chan struct{}

	// Owned exclusively by the run loop.
	list *memberList
	subs map[*ActorSubscription]struct{}
}

// NewActor builds the actor, performs the one-time synchronous rebuild that
// moves it from Uninitialized to Active, and starts its task. A missing
// room or channel yields perm.ErrNotFound and no goroutine.
func NewActor(cfg ActorConfig) (*Actor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	a := &Actor{
		key:         cfg.Key,
		seedChannel: cfg.SeedChannelID,
		store:       cfg.Store,
		calc:        cfg.Calc,
		logger:      logger.With("key", cfg.Key.String()),
		buffer:      buffer,
		cmds:        make(chan any, commandBuffer),
		events:      make(chan roomstate.Event, eventBuffer),
		done:        make(chan struct{}),
		list:        newMemberList(),
		subs:        make(map[*ActorSubscription]struct{}),
	}
	if err := a.rebuild(); err != nil {
		return nil, err
	}
	metrics.Default().ActorStarted()
	go a.run()
	return a, nil
}

// Key returns the actor's deduplication key.
func (a *Actor) Key() ListKey { return a.key }

// Deliver queues a room-state event for the actor. It blocks only while the
// event mailbox is full and the actor is alive, preserving per-sender FIFO
// ordering.
func (a *Actor) Deliver(event roomstate.Event) {
	select {
	case a.events <- event:
	case <-a.done:
	}
}

// Stop tears the actor down. Every subscriber channel is closed, which
// subscribers observe as a resync signal.
func (a *Actor) Stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}

type subscribeCmd struct {
	connID string
	ranges [][2]int
	reply  chan subscribeReply
}

type subscribeReply struct {
	sub      *ActorSubscription
	snapshot Snapshot
	err      error
}

type rangesCmd struct {
	sub    *ActorSubscription
	ranges [][2]int
	reply  chan error
}

type unsubscribeCmd struct {
	sub *ActorSubscription
}

// Subscribe atomically registers a subscriber and captures the initial
// snapshot for the requested ranges, guaranteeing that every later delivery
// applies on top of that snapshot.
func (a *Actor) Subscribe(ctx context.Context, connID string, ranges [][2]int) (*ActorSubscription, Snapshot, error) {
	reply := make(chan subscribeReply, 1)
	cmd := subscribeCmd{connID: connID, ranges: ranges, reply: reply}
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return nil, Snapshot{}, ErrActorClosed
	case <-ctx.Done():
		return nil, Snapshot{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.sub, r.snapshot, r.err
	case <-a.done:
		return nil, Snapshot{}, ErrActorClosed
	case <-ctx.Done():
		return nil, Snapshot{}, ctx.Err()
	}
}

// GetInitialRanges requests a fresh snapshot for new ranges on an existing
// subscription. The snapshot is delivered in-band on the subscription
// channel so it orders correctly against surrounding op batches.
func (a *Actor) GetInitialRanges(ctx context.Context, sub *ActorSubscription, ranges [][2]int) error {
	reply := make(chan error, 1)
	cmd := rangesCmd{sub: sub, ranges: ranges, reply: reply}
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-a.done:
		return ErrActorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe detaches a subscriber. The caller must have stopped consuming
// first; the channel is closed by the actor.
func (a *Actor) Unsubscribe(sub *ActorSubscription) {
	select {
	case a.cmds <- unsubscribeCmd{sub: sub}:
	case <-a.done:
	}
}

func (a *Actor) run() {
	defer metrics.Default().ActorStopped()
	for {
		select {
		case <-a.done:
			for sub := range a.subs {
				close(sub.ch)
			}
			a.subs = nil
			return
		case raw := <-a.cmds:
			a.handleCommand(raw)
		case event := <-a.events:
			a.handleEvent(event)
		}
	}
}

func (a *Actor) handleCommand(raw any) {
	switch cmd := raw.(type) {
	case subscribeCmd:
		snapshot, err := a.snapshot(cmd.ranges)
		r := subscribeReply{err: err}
		if err == nil {
			sub := &ActorSubscription{ConnID: cmd.connID, ch: make(chan Delivery, a.buffer)}
			a.subs[sub] = struct{}{}
			r.sub = sub
			r.snapshot = snapshot
		}
		// A caller that disconnected while waiting simply loses the
		// reply; that is not an error.
		select {
		case cmd.reply <- r:
		default:
		}
	case rangesCmd:
		if _, ok := a.subs[cmd.sub]; !ok {
			select {
			case cmd.reply <- ErrActorClosed:
			default:
			}
			return
		}
		snapshot, err := a.snapshot(cmd.ranges)
		if err == nil {
			a.deliver(cmd.sub, Delivery{Snapshot: &snapshot})
		}
		select {
		case cmd.reply <- err:
		default:
		}
	case unsubscribeCmd:
		if _, ok := a.subs[cmd.sub]; ok {
			delete(a.subs, cmd.sub)
			close(cmd.sub.ch)
		}
	}
}

func (a *Actor) snapshot(ranges [][2]int) (Snapshot, error) {
	if len(ranges) == 0 {
		ranges = [][2]int{{0, 99}}
	}
	if len(ranges) > MaxRanges {
		return Snapshot{}, fmt.Errorf("%d ranges requested: %w", len(ranges), ErrTooBig)
	}
	span := 0
	for _, r := range ranges {
		if r[1] < r[0] {
			return Snapshot{}, fmt.Errorf("range [%d,%d] is inverted: %w", r[0], r[1], ErrTooBig)
		}
		span += r[1] - r[0] + 1
	}
	if span > MaxRangeSpan {
		return Snapshot{}, fmt.Errorf("%d items requested: %w", span, ErrTooBig)
	}
	snapshot := Snapshot{Key: a.key, Total: a.list.size()}
	for _, r := range ranges {
		snapshot.Slices = append(snapshot.Slices, a.list.slice(r[0], r[1]))
	}
	return snapshot, nil
}

func (a *Actor) handleEvent(event roomstate.Event) {
	metrics.Default().ObserveRoomEvent(string(event.Type))
	var ops []Op
	var err error
	switch event.Type {
	case roomstate.EventMemberLeft:
		ops = a.list.remove(event.UserID)
	case roomstate.EventMemberJoined,
		roomstate.EventRoleGranted,
		roomstate.EventRoleRevoked,
		roomstate.EventPresenceChanged,
		roomstate.EventOverrideNameChanged:
		ops, err = a.reconcileUser(event.UserID)
	case roomstate.EventThreadMembersChanged:
		if a.key.UsesThreadMembers() && event.ChannelID == a.key.ChannelID {
			ops, err = a.reconcileUser(event.UserID)
		}
	case roomstate.EventRolePositionChanged, roomstate.EventFeedLagged:
		// Role positions reorder whole hoisted groups, and a lagged
		// feed means an unknown number of events were lost; either way
		// a rebuild with a resync marker is simpler and safer than
		// patching the list incrementally.
		err = a.rebuild()
		if err == nil {
			ops = []Op{{Type: OpSync}}
		}
	case roomstate.EventOverwriteChanged:
		// Signature changes re-key the actor entirely; the registry
		// tears stale actors down, nothing to do here.
	}
	if err != nil {
		// Skip this event; the user is reconciled again on their next
		// event rather than poisoning the actor.
		a.logger.Warn("event reconciliation failed", "event", string(event.Type), "user", event.UserID, "error", err)
		return
	}
	if len(ops) > 0 {
		a.broadcast(Batch{Key: a.key, Ops: ops})
	}
}

// reconcileUser recomputes one user's presence in the list from authoritative
// state: inserted when newly eligible, removed when no longer eligible, moved
// when their group or ordering position changed.
func (a *Actor) reconcileUser(userID string) ([]Op, error) {
	if a.key.Kind == KindDM {
		return a.reconcileDMUser(userID)
	}
	snapshot, ok := a.store.GetRoom(a.key.RoomID)
	if !ok {
		return nil, fmt.Errorf("room %s vanished", a.key.RoomID)
	}
	member, isMember := snapshot.FindMember(userID)
	eligible := isMember
	if eligible && a.key.UsesThreadMembers() {
		thread, ok := a.store.GetChannel(a.key.ChannelID)
		eligible = ok && thread.HasParticipant(userID)
	}
	if eligible && a.key.Kind != KindRoom {
		visible, err := a.calc.CanView(userID, a.seedChannel)
		if err != nil {
			return nil, err
		}
		eligible = visible
	}
	if !eligible {
		return a.list.remove(userID), nil
	}
	entry := ListMember{UserID: userID, DisplayName: member.DisplayName()}
	gid := memberGroup(member, rolesByID(snapshot.Roles))
	if a.list.contains(userID) {
		return a.list.move(entry, gid), nil
	}
	return a.list.insert(entry, gid), nil
}

func (a *Actor) reconcileDMUser(userID string) ([]Op, error) {
	channel, ok := a.store.GetChannel(a.key.ChannelID)
	if !ok {
		return nil, fmt.Errorf("dm channel %s vanished", a.key.ChannelID)
	}
	if !channel.HasParticipant(userID) {
		return a.list.remove(userID), nil
	}
	user, ok := a.store.GetUser(userID)
	if !ok {
		return nil, fmt.Errorf("user %s vanished", userID)
	}
	entry := ListMember{UserID: userID, DisplayName: user.Username}
	if a.list.contains(userID) {
		return a.list.move(entry, OnlineGroup), nil
	}
	return a.list.insert(entry, OnlineGroup), nil
}

// rebuild recomputes the entire list from a fresh store snapshot.
func (a *Actor) rebuild() error {
	if a.key.Kind == KindDM {
		channel, ok := a.store.GetChannel(a.key.ChannelID)
		if !ok || channel.Kind != models.ChannelKindDM {
			return perm.ErrNotFound
		}
		entries := make([]entry, 0, len(channel.Participants))
		for _, userID := range channel.Participants {
			user, ok := a.store.GetUser(userID)
			if !ok {
				continue
			}
			entries = append(entries, entry{
				Member: ListMember{UserID: userID, DisplayName: user.Username},
				Group:  OnlineGroup,
			})
		}
		a.list.build(entries)
		return nil
	}

	snapshot, ok := a.store.GetRoom(a.key.RoomID)
	if !ok {
		return perm.ErrNotFound
	}
	var thread models.Channel
	if a.key.UsesThreadMembers() {
		thread, ok = a.store.GetChannel(a.key.ChannelID)
		if !ok || !thread.IsThread() {
			return perm.ErrNotFound
		}
	}
	roles := rolesByID(snapshot.Roles)
	entries := make([]entry, 0, len(snapshot.Members))
	for _, member := range snapshot.Members {
		if a.key.UsesThreadMembers() && !thread.HasParticipant(member.UserID) {
			continue
		}
		if a.key.Kind != KindRoom {
			visible, err := a.calc.CanView(member.UserID, a.seedChannel)
			if err != nil {
				a.logger.Warn("visibility check failed during rebuild", "user", member.UserID, "error", err)
				continue
			}
			if !visible {
				continue
			}
		}
		entries = append(entries, entry{
			Member: ListMember{UserID: member.UserID, DisplayName: member.DisplayName()},
			Group:  memberGroup(member, roles),
		})
	}
	a.list.build(entries)
	return nil
}

func (a *Actor) broadcast(batch Batch) {
	recorder := metrics.Default()
	for _, op := range batch.Ops {
		recorder.ObserveListOp(string(op.Type))
	}
	for sub := range a.subs {
		a.deliver(sub, Delivery{Ops: batch.Ops})
	}
}

// deliver sends one unit to a subscriber without blocking. A full buffer
// means the subscriber fell behind; closing the channel forces a full resync
// instead of silently losing the delivery.
func (a *Actor) deliver(sub *ActorSubscription, d Delivery) {
	if _, ok := a.subs[sub]; !ok {
		return
	}
	select {
	case sub.ch <- d:
	default:
		close(sub.ch)
		delete(a.subs, sub)
		metrics.Default().ObserveResync()
		a.logger.Info("subscriber lagged, forcing resync", "conn", sub.ConnID)
	}
}

// memberGroup decides which group a member belongs to: offline members land
// in the offline tier regardless of roles, online members with a hoisted
// role land under their highest-precedence hoisted role, everyone else is
// plain online.
func memberGroup(member models.Member, roles map[string]models.Role) GroupID {
	if member.Presence != models.PresenceOnline {
		return OfflineGroup
	}
	best, found := models.Role{}, false
	for _, roleID := range member.RoleIDs {
		role, ok := roles[roleID]
		if !ok || !role.Hoisted {
			continue
		}
		if !found || role.Position < best.Position || (role.Position == best.Position && role.ID < best.ID) {
			best, found = role, true
		}
	}
	if found {
		return HoistedGroup(best.ID, best.Position)
	}
	return OnlineGroup
}

func rolesByID(roles []models.Role) map[string]models.Role {
	out := make(map[string]models.Role, len(roles))
	for _, role := range roles {
		out[role.ID] = role
	}
	return out
}
