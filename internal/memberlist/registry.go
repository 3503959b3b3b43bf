package memberlist

import (
	"log/slog"
	"sync"

	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

// Lease is a counted reference to a shared actor. Leases carry the
// generation of the handle they were taken from so a release that arrives
// after a forced teardown cannot decrement a successor actor under the same
// key.
type Lease struct {
	Key   ListKey
	actor *Actor
	gen   uint64
}

// Actor returns the leased actor.
func (l *Lease) Actor() *Actor { return l.actor }

type handle struct {
	actor *Actor
	refs  int
	gen   uint64
}

// Registry owns the live actors, one per ListKey. Connections whose targets
// resolve to the same key share one actor; the last release tears it down.
type Registry struct {
	store  RoomStore
	calc   *perm.Calculator
	logger *slog.Logger

	mu     sync.Mutex
	actors map[ListKey]*handle
	gen    uint64
	closed bool
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to spawned actors.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// NewRegistry builds an empty registry.
func NewRegistry(store RoomStore, calc *perm.Calculator, opts ...RegistryOption) *Registry {
	r := &Registry{
		store:  store,
		calc:   calc,
		logger: slog.Default(),
		actors: make(map[ListKey]*handle),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire returns a lease on the actor for key, spawning it on first use.
// seedChannelID names a channel carrying the key's visibility signature and
// is only consulted when a new actor must be built.
func (r *Registry) Acquire(key ListKey, seedChannelID string) (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrActorClosed
	}
	if h, ok := r.actors[key]; ok {
		h.refs++
		return &Lease{Key: key, actor: h.actor, gen: h.gen}, nil
	}
	actor, err := NewActor(ActorConfig{
		Key:           key,
		SeedChannelID: seedChannelID,
		Store:         r.store,
		Calc:          r.calc,
		Logger:        r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.gen++
	h := &handle{actor: actor, refs: 1, gen: r.gen}
	r.actors[key] = h
	return &Lease{Key: key, actor: actor, gen: h.gen}, nil
}

// Release returns a lease. When the last lease on a key is released the
// actor stops immediately; the next subscriber pays a fresh rebuild.
func (r *Registry) Release(lease *Lease) {
	if lease == nil {
		return
	}
	r.mu.Lock()
	h, ok := r.actors[lease.Key]
	if !ok || h.gen != lease.gen {
		// The actor was already torn down (overwrite change or room
		// deletion); a stale release must not touch its successor.
		r.mu.Unlock()
		return
	}
	h.refs--
	if h.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.actors, lease.Key)
	r.mu.Unlock()
	h.actor.Stop()
}

// Len reports how many actors are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// HandleEvent routes one room-state event. Most events fan out to the
// room's actors; overwrite changes instead tear down every channel and
// thread actor of the room, because their visibility signatures may have
// been re-keyed and subscribers must re-resolve. A feed-lag marker does the
// same across all rooms.
func (r *Registry) HandleEvent(event roomstate.Event) {
	if event.Type == roomstate.EventFeedLagged {
		// Events were lost, possibly overwrite changes, so channel and
		// thread actors can no longer trust their signature keys.
		// Room and DM actors keep their keys and rebuild in place.
		r.mu.Lock()
		var stale []*Actor
		survivors := make([]*Actor, 0, len(r.actors))
		for key, h := range r.actors {
			if key.Kind == KindChannel || key.Kind == KindThread {
				stale = append(stale, h.actor)
				delete(r.actors, key)
			} else {
				survivors = append(survivors, h.actor)
			}
		}
		r.mu.Unlock()
		for _, actor := range stale {
			actor.Stop()
		}
		for _, actor := range survivors {
			actor.Deliver(event)
		}
		return
	}
	if event.Type == roomstate.EventOverwriteChanged {
		r.mu.Lock()
		var stale []*Actor
		for key, h := range r.actors {
			if key.RoomID != event.RoomID {
				continue
			}
			if key.Kind == KindChannel || key.Kind == KindThread {
				stale = append(stale, h.actor)
				delete(r.actors, key)
			}
		}
		r.mu.Unlock()
		for _, actor := range stale {
			actor.Stop()
		}
		return
	}
	r.mu.Lock()
	targets := make([]*Actor, 0, 4)
	for key, h := range r.actors {
		if key.RoomID == event.RoomID {
			targets = append(targets, h.actor)
		}
	}
	r.mu.Unlock()
	for _, actor := range targets {
		actor.Deliver(event)
	}
}

// Close stops every actor. Later acquires fail with ErrActorClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*Actor, 0, len(r.actors))
	for key, h := range r.actors {
		actors = append(actors, h.actor)
		delete(r.actors, key)
	}
	r.mu.Unlock()
	for _, actor := range actors {
		actor.Stop()
	}
}
