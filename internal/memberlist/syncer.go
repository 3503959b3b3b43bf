package memberlist

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"driftchat/internal/perm"
)

// ErrSyncerClosed reports use of a syncer after Close.
var ErrSyncerClosed = errors.New("member list syncer closed")

// ErrNotSubscribed reports an operation on a target the connection never
// subscribed to.
var ErrNotSubscribed = errors.New("target not subscribed")

// EventType classifies syncer output events.
type EventType string

const (
	// EventSnapshot carries the authoritative items for requested ranges.
	EventSnapshot EventType = "snapshot"
	// EventOps carries an ordered op batch to apply on top of prior state.
	EventOps EventType = "ops"
	// EventResync tells the client its local copy for the named targets is
	// no longer trustworthy and must be rebuilt with a new subscription.
	EventResync EventType = "resync"
)

// Event is one unit a connection forwards to its client. Targets lists every
// subscribed target the event's key serves, since aliased targets share one
// underlying list.
type Event struct {
	Type     EventType
	Key      ListKey
	Targets  []Target
	Snapshot *Snapshot
	Ops      []Op
}

type keySub struct {
	key     ListKey
	lease   *Lease
	sub     *ActorSubscription
	targets []Target
	ranges  [][2]int
	stop    chan struct{}
}

// Syncer multiplexes one connection's member-list subscriptions. Each
// distinct ListKey is held once no matter how many targets alias it; ops
// arrive once per key and TargetsFor maps them back to targets.
type Syncer struct {
	connID   string
	userID   string
	registry *Registry
	resolver *Resolver
	cache    *perm.Cache
	logger   *slog.Logger

	mu     sync.Mutex
	keys   map[ListKey]*keySub
	outbox []Event
	closed bool

	merged chan Event
	wake   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// SyncerOption customizes a Syncer.
type SyncerOption func(*Syncer)

// WithSyncerLogger sets the syncer's logger.
func WithSyncerLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) { s.logger = logger }
}

// NewSyncer builds a syncer for one connection, acting on behalf of userID.
// Every subscribe is authorized against that user's view permissions through
// the cache before it reaches an actor.
func NewSyncer(connID, userID string, registry *Registry, resolver *Resolver, cache *perm.Cache, opts ...SyncerOption) *Syncer {
	s := &Syncer{
		connID:   connID,
		userID:   userID,
		registry: registry,
		resolver: resolver,
		cache:    cache,
		logger:   slog.Default(),
		keys:     make(map[ListKey]*keySub),
		merged:   make(chan Event, 64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("conn", connID, "user", userID)
	return s
}

// Subscribe attaches the connection to a target's member list. The initial
// snapshot for the requested ranges is queued for Poll before any op batch
// for the same key, so clients can apply everything in arrival order.
func (s *Syncer) Subscribe(ctx context.Context, target Target, ranges [][2]int) error {
	if len(ranges) == 0 {
		ranges = [][2]int{{0, 99}}
	}
	if err := s.authorize(target); err != nil {
		return err
	}
	key, err := s.resolver.Resolve(target)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSyncerClosed
	}
	if ks, ok := s.keys[key]; ok {
		// An aliased target joined an existing key. The fresh snapshot
		// is delivered in-band so it orders against ops already queued.
		if !containsTarget(ks.targets, target) {
			ks.targets = append(ks.targets, target)
		}
		ks.ranges = mergeRanges(ks.ranges, ranges)
		actor := ks.lease.Actor()
		sub := ks.sub
		s.mu.Unlock()
		return actor.GetInitialRanges(ctx, sub, ranges)
	}
	s.mu.Unlock()

	lease, err := s.registry.Acquire(key, target.ChannelID)
	if err != nil {
		return err
	}
	sub, snapshot, err := lease.Actor().Subscribe(ctx, s.connID, ranges)
	if err != nil {
		s.registry.Release(lease)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		lease.Actor().Unsubscribe(sub)
		s.registry.Release(lease)
		return ErrSyncerClosed
	}
	ks := &keySub{
		key:     key,
		lease:   lease,
		sub:     sub,
		targets: []Target{target},
		ranges:  ranges,
		stop:    make(chan struct{}),
	}
	s.keys[key] = ks
	s.outbox = append(s.outbox, Event{
		Type:     EventSnapshot,
		Key:      key,
		Targets:  []Target{target},
		Snapshot: &snapshot,
	})
	s.wg.Add(1)
	go s.pump(ks)
	s.mu.Unlock()
	s.notify()
	return nil
}

// authorize verifies the connection's user may view the target before any
// actor is touched. A denied target answers perm.ErrNotFound, exactly like a
// missing one, so a client cannot probe for hidden channels.
func (s *Syncer) authorize(target Target) error {
	switch target.Kind {
	case TargetRoom:
		perms, err := s.cache.RoomPermissions(s.userID, target.RoomID)
		if err != nil {
			return err
		}
		return perms.EnsureView()
	case TargetChannel:
		channel, ok := s.resolver.store.GetChannel(target.ChannelID)
		if !ok || channel.RoomID != target.RoomID {
			return perm.ErrNotFound
		}
		if channel.IsThread() {
			if _, err := s.cache.ThreadPermissions(s.userID, target.ChannelID); err != nil {
				return err
			}
		} else if _, err := s.cache.RoomPermissions(s.userID, target.RoomID); err != nil {
			return err
		}
		visible, err := s.resolver.calc.CanView(s.userID, target.ChannelID)
		if err != nil {
			return err
		}
		if !visible {
			return perm.ErrNotFound
		}
		return nil
	case TargetDM:
		visible, err := s.resolver.calc.CanView(s.userID, target.ChannelID)
		if err != nil {
			return err
		}
		if !visible {
			return perm.ErrNotFound
		}
		return nil
	default:
		return perm.ErrNotFound
	}
}

// SetRanges replaces the watched ranges for a target's key. The snapshot for
// the new ranges arrives in-band on Poll.
func (s *Syncer) SetRanges(ctx context.Context, target Target, ranges [][2]int) error {
	if len(ranges) == 0 {
		ranges = [][2]int{{0, 99}}
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSyncerClosed
	}
	ks := s.findByTarget(target)
	if ks == nil {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	ks.ranges = ranges
	actor := ks.lease.Actor()
	sub := ks.sub
	s.mu.Unlock()
	return actor.GetInitialRanges(ctx, sub, ranges)
}

// Unsubscribe detaches one target. The underlying key subscription survives
// while other targets still alias it; targets are matched against what was
// subscribed, not re-resolved, so a signature change between subscribe and
// unsubscribe cannot strand a reference.
func (s *Syncer) Unsubscribe(target Target) error {
	s.mu.Lock()
	ks := s.findByTarget(target)
	if ks == nil {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	ks.targets = removeTarget(ks.targets, target)
	if len(ks.targets) > 0 {
		s.mu.Unlock()
		return nil
	}
	delete(s.keys, ks.key)
	close(ks.stop)
	s.mu.Unlock()

	ks.lease.Actor().Unsubscribe(ks.sub)
	s.registry.Release(ks.lease)
	return nil
}

// TargetsFor lists the subscribed targets served by a key.
func (s *Syncer) TargetsFor(key ListKey) []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[key]
	if !ok {
		return nil
	}
	out := make([]Target, len(ks.targets))
	copy(out, ks.targets)
	return out
}

// Poll returns the next event for the connection, blocking until one is
// available, the context ends, or the syncer closes.
func (s *Syncer) Poll(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.outbox) > 0 {
			ev := s.outbox[0]
			s.outbox = s.outbox[1:]
			s.mu.Unlock()
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSyncerClosed
		}
		select {
		case ev := <-s.merged:
			return ev, nil
		case <-s.wake:
		case <-s.done:
			return Event{}, ErrSyncerClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Close releases every key subscription exactly once and stops all pumps.
func (s *Syncer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	subs := make([]*keySub, 0, len(s.keys))
	for key, ks := range s.keys {
		subs = append(subs, ks)
		delete(s.keys, key)
	}
	s.mu.Unlock()

	for _, ks := range subs {
		close(ks.stop)
		ks.lease.Actor().Unsubscribe(ks.sub)
		s.registry.Release(ks.lease)
	}
	s.wg.Wait()
}

func (s *Syncer) pump(ks *keySub) {
	defer s.wg.Done()
	for {
		select {
		case <-ks.stop:
			return
		case <-s.done:
			return
		case d, ok := <-ks.sub.Deliveries():
			if !ok {
				select {
				case <-ks.stop:
					// Clean unsubscribe closed the channel, not lag.
					return
				default:
				}
				s.handleResync(ks)
				return
			}
			if d.Snapshot != nil {
				s.emit(ks, Event{Type: EventSnapshot, Key: ks.key, Snapshot: d.Snapshot})
				continue
			}
			if !s.opsRelevant(ks, d.Ops) {
				continue
			}
			s.emit(ks, Event{Type: EventOps, Key: ks.key, Ops: d.Ops})
		}
	}
}

func (s *Syncer) emit(ks *keySub, ev Event) {
	ev.Targets = s.TargetsFor(ks.key)
	select {
	case s.merged <- ev:
	case <-ks.stop:
	case <-s.done:
	}
}

// handleResync runs when the actor force-closed the subscription or was torn
// down. The key's state is discarded and the client told to start over.
func (s *Syncer) handleResync(ks *keySub) {
	s.mu.Lock()
	if s.closed || s.keys[ks.key] != ks {
		s.mu.Unlock()
		return
	}
	delete(s.keys, ks.key)
	targets := make([]Target, len(ks.targets))
	copy(targets, ks.targets)
	s.outbox = append(s.outbox, Event{Type: EventResync, Key: ks.key, Targets: targets})
	s.mu.Unlock()

	s.registry.Release(ks.lease)
	s.notify()
	s.logger.Info("forced resync", "key", ks.key.String())
}

// opsRelevant reports whether a batch can affect the watched ranges. Any op
// at or before the highest watched index shifts or mutates visible items;
// ops strictly past the window cannot.
func (s *Syncer) opsRelevant(ks *keySub, ops []Op) bool {
	s.mu.Lock()
	maxEnd := -1
	for _, r := range ks.ranges {
		if r[1] > maxEnd {
			maxEnd = r[1]
		}
	}
	s.mu.Unlock()
	for _, op := range ops {
		if op.Type == OpSync {
			return true
		}
		min := op.Index
		if op.Type == OpMove && op.From < min {
			min = op.From
		}
		if min <= maxEnd {
			return true
		}
	}
	return false
}

func (s *Syncer) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Syncer) findByTarget(target Target) *keySub {
	for _, ks := range s.keys {
		if containsTarget(ks.targets, target) {
			return ks
		}
	}
	return nil
}

func containsTarget(targets []Target, t Target) bool {
	for _, have := range targets {
		if have == t {
			return true
		}
	}
	return false
}

func removeTarget(targets []Target, t Target) []Target {
	out := targets[:0]
	for _, have := range targets {
		if have != t {
			out = append(out, have)
		}
	}
	return out
}

func mergeRanges(have, extra [][2]int) [][2]int {
	for _, r := range extra {
		dup := false
		for _, h := range have {
			if h == r {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, r)
		}
	}
	return have
}
