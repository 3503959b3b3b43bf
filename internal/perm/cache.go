package perm

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"driftchat/internal/observability/metrics"
	"driftchat/internal/roomstate"
)

// DefaultCacheCapacity bounds each of the two memoization caches.
const DefaultCacheCapacity = 100_000

type roomKey struct {
	UserID string
	RoomID string
}

type threadKey struct {
	UserID   string
	RoomID   string
	ThreadID string
}

// Cache memoizes the calculator's room and thread permission sets with
// bounded LRU storage and at-most-one-in-flight-per-key computation.
// Invalidation sweeps may run concurrently with lookups; a lookup racing a
// sweep can observe the pre-sweep value once, which is an accepted staleness
// window, not a correctness violation.
type Cache struct {
	calc    *Calculator
	rooms   *lru.Cache[roomKey, Permissions]
	threads *lru.Cache[threadKey, Permissions]
	flight  singleflight.Group
}

// NewCache wraps the calculator with memoization. A non-positive capacity
// falls back to DefaultCacheCapacity.
func NewCache(calc *Calculator, capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	rooms, err := lru.New[roomKey, Permissions](capacity)
	if err != nil {
		return nil, fmt.Errorf("init room permission cache: %w", err)
	}
	threads, err := lru.New[threadKey, Permissions](capacity)
	if err != nil {
		return nil, fmt.Errorf("init thread permission cache: %w", err)
	}
	return &Cache{calc: calc, rooms: rooms, threads: threads}, nil
}

// RoomPermissions returns the cached effective permission set for the user in
// the room, computing it at most once per key even under concurrent misses.
// Callers receive independent clones.
func (c *Cache) RoomPermissions(userID, roomID string) (Permissions, error) {
	key := roomKey{UserID: userID, RoomID: roomID}
	if perms, ok := c.rooms.Get(key); ok {
		metrics.Default().ObservePermissionCache("room_hit")
		return perms.Clone(), nil
	}
	metrics.Default().ObservePermissionCache("room_miss")
	result, err, _ := c.flight.Do("room\x00"+userID+"\x00"+roomID, func() (any, error) {
		perms, err := c.calc.RoomPermissions(userID, roomID)
		if err != nil {
			return nil, shareableError("room permissions", err)
		}
		c.rooms.Add(key, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Permissions).Clone(), nil
}

// ThreadPermissions returns the cached effective permission set for the user
// in the thread.
func (c *Cache) ThreadPermissions(userID, threadID string) (Permissions, error) {
	channel, ok := c.calc.store.GetChannel(threadID)
	if !ok || !channel.IsThread() {
		return nil, ErrNotFound
	}
	key := threadKey{UserID: userID, RoomID: channel.RoomID, ThreadID: threadID}
	if perms, ok := c.threads.Get(key); ok {
		metrics.Default().ObservePermissionCache("thread_hit")
		return perms.Clone(), nil
	}
	metrics.Default().ObservePermissionCache("thread_miss")
	result, err, _ := c.flight.Do("thread\x00"+userID+"\x00"+threadID, func() (any, error) {
		perms, err := c.calc.ThreadPermissions(userID, threadID)
		if err != nil {
			return nil, shareableError("thread permissions", err)
		}
		c.threads.Add(key, perms)
		return perms, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(Permissions).Clone(), nil
}

// shareableError normalizes a computation failure into something every
// coalesced waiter can hold independently. The sentinel errors already are
// plain values; anything else gets wrapped as a StoreError so the failure
// propagates without re-running the underlying query.
func shareableError(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMissingPermissions) {
		return err
	}
	return WrapStoreError(op, err)
}

// Reset drops every cached entry on both caches.
func (c *Cache) Reset() {
	c.rooms.Purge()
	c.threads.Purge()
}

// InvalidateRoomAll drops every user's entries for the room. Used when a role
// or overwrite edit can change many members' permissions at once.
func (c *Cache) InvalidateRoomAll(roomID string) {
	for _, key := range c.rooms.Keys() {
		if key.RoomID == roomID {
			c.rooms.Remove(key)
		}
	}
	for _, key := range c.threads.Keys() {
		if key.RoomID == roomID {
			c.threads.Remove(key)
		}
	}
}

// InvalidateRoom drops one user's room entry plus all of that user's thread
// entries under the room. Used when a single member's roles or state change.
func (c *Cache) InvalidateRoom(userID, roomID string) {
	c.rooms.Remove(roomKey{UserID: userID, RoomID: roomID})
	for _, key := range c.threads.Keys() {
		if key.UserID == userID && key.RoomID == roomID {
			c.threads.Remove(key)
		}
	}
}

// InvalidateThread drops one user's entry for one thread.
func (c *Cache) InvalidateThread(userID, threadID string) {
	channel, ok := c.calc.store.GetChannel(threadID)
	if !ok {
		return
	}
	c.threads.Remove(threadKey{UserID: userID, RoomID: channel.RoomID, ThreadID: threadID})
}

// HandleEvent translates a room-state change into the matching invalidation.
func (c *Cache) HandleEvent(event roomstate.Event) {
	switch event.Type {
	case roomstate.EventRoleGranted, roomstate.EventRoleRevoked:
		c.InvalidateRoom(event.UserID, event.RoomID)
	case roomstate.EventMemberJoined, roomstate.EventMemberLeft:
		c.InvalidateRoom(event.UserID, event.RoomID)
	case roomstate.EventRolePositionChanged, roomstate.EventOverwriteChanged:
		c.InvalidateRoomAll(event.RoomID)
	case roomstate.EventThreadMembersChanged:
		c.InvalidateThread(event.UserID, event.ChannelID)
	case roomstate.EventFeedLagged:
		// Invalidation events may have been lost with the lag; nothing
		// cached can be trusted.
		c.Reset()
	}
}
