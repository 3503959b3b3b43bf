package memberlist

import (
	"sync"

	"driftchat/internal/models"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

// Resolver maps client-facing targets onto canonical ListKeys. Resolution is
// read-only against the room store and never creates actors; it memoizes
// visibility signatures per channel since they only change when an overwrite
// in the chain changes.
type Resolver struct {
	store RoomStore
	calc  *perm.Calculator

	mu   sync.RWMutex
	sigs map[string]perm.Signature
}

// NewResolver builds a resolver over the given store and calculator.
func NewResolver(store RoomStore, calc *perm.Calculator) *Resolver {
	return &Resolver{
		store: store,
		calc:  calc,
		sigs:  make(map[string]perm.Signature),
	}
}

// Resolve canonicalizes a target. A channel whose visibility chain restricts
// nothing resolves to the room's full roster key; a thread resolves to a
// thread-scoped key so its actor only considers joined members. Unknown
// targets yield perm.ErrNotFound.
func (r *Resolver) Resolve(target Target) (ListKey, error) {
	switch target.Kind {
	case TargetRoom:
		if _, ok := r.store.GetRoom(target.RoomID); !ok {
			return ListKey{}, perm.ErrNotFound
		}
		return RoomKey(target.RoomID), nil
	case TargetChannel:
		channel, ok := r.store.GetChannel(target.ChannelID)
		if !ok || channel.RoomID != target.RoomID {
			return ListKey{}, perm.ErrNotFound
		}
		sig, err := r.signature(target.ChannelID)
		if err != nil {
			return ListKey{}, err
		}
		if channel.IsThread() {
			return ThreadKey(channel.RoomID, sig, channel.ID), nil
		}
		if sig.Empty() {
			return RoomKey(channel.RoomID), nil
		}
		return ChannelKey(channel.RoomID, sig), nil
	case TargetDM:
		channel, ok := r.store.GetChannel(target.ChannelID)
		if !ok || channel.Kind != models.ChannelKindDM {
			return ListKey{}, perm.ErrNotFound
		}
		return DMKey(channel.ID), nil
	default:
		return ListKey{}, perm.ErrNotFound
	}
}

func (r *Resolver) signature(channelID string) (perm.Signature, error) {
	r.mu.RLock()
	sig, ok := r.sigs[channelID]
	r.mu.RUnlock()
	if ok {
		return sig, nil
	}
	sig, err := r.calc.VisibilitySignature(channelID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.sigs[channelID] = sig
	r.mu.Unlock()
	return sig, nil
}

// HandleEvent drops memoized signatures invalidated by an overwrite change.
// The whole room is swept because a category edit changes the chain of every
// descendant channel. A feed-lag marker may hide an overwrite change, so it
// sweeps everything.
func (r *Resolver) HandleEvent(event roomstate.Event) {
	if event.Type == roomstate.EventFeedLagged {
		r.mu.Lock()
		r.sigs = make(map[string]perm.Signature)
		r.mu.Unlock()
		return
	}
	if event.Type != roomstate.EventOverwriteChanged {
		return
	}
	snapshot, ok := r.store.GetRoom(event.RoomID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if !ok {
		r.sigs = make(map[string]perm.Signature)
		return
	}
	for _, channel := range snapshot.Channels {
		delete(r.sigs, channel.ID)
	}
}
