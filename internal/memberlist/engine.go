package memberlist

import (
	"context"
	"log/slog"

	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

// Engine bundles the shared member-list machinery behind one constructor:
// the permission cache, key resolver, and actor registry, plus the event
// loop that keeps all three consistent with the room-state feed.
type Engine struct {
	store    RoomStore
	cache    *perm.Cache
	resolver *Resolver
	registry *Registry
	feed     roomstate.Feed
	logger   *slog.Logger
}

// EngineConfig assembles an Engine.
type EngineConfig struct {
	Store  RoomStore
	Calc   *perm.Calculator
	Cache  *perm.Cache
	Feed   roomstate.Feed
	Logger *slog.Logger
}

// NewEngine wires resolver and registry around the given store and
// calculator.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		cache:    cfg.Cache,
		resolver: NewResolver(cfg.Store, cfg.Calc),
		registry: NewRegistry(cfg.Store, cfg.Calc, WithRegistryLogger(logger)),
		feed:     cfg.Feed,
		logger:   logger.With("component", "memberlist"),
	}
}

// Registry exposes the actor registry, mainly for tests and diagnostics.
func (e *Engine) Registry() *Registry { return e.registry }

// NewSyncer builds a per-connection syncer over the shared registry, scoped
// to the authenticated user's visibility.
func (e *Engine) NewSyncer(connID, userID string) *Syncer {
	return NewSyncer(connID, userID, e.registry, e.resolver, e.cache, WithSyncerLogger(e.logger))
}

// Run consumes the room-state feed until the context ends. Cache
// invalidation runs before actor delivery so actors reconciling a user
// never read permissions staler than the event they are handling.
func (e *Engine) Run(ctx context.Context) error {
	sub := e.feed.Subscribe()
	defer sub.Close()
	defer e.registry.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.Events():
			if !ok {
				e.logger.Warn("room-state feed closed")
				return nil
			}
			e.cache.HandleEvent(event)
			e.resolver.HandleEvent(event)
			e.registry.HandleEvent(event)
		}
	}
}
