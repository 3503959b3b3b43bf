// Package memberlist implements the member-list synchronization engine: one
// actor per distinct visibility class owning the canonical ordered list,
// per-connection syncers multiplexing actor broadcasts into a single event
// stream, and the resolver that maps client-facing targets onto deduplicated
// list keys.
package memberlist

import (
	"fmt"

	"driftchat/internal/models"
	"driftchat/internal/perm"
)

// Kind enumerates the member-list key variants in increasing specificity.
type Kind string

const (
	// KindRoom is a room's full roster, used when no visibility
	// restriction narrows it.
	KindRoom Kind = "room"
	// KindChannel is the list of members visible to holders of one exact
	// visibility signature in some non-thread channel of the room.
	KindChannel Kind = "channel"
	// KindThread is like KindChannel but restricted to users who joined a
	// specific thread.
	KindThread Kind = "thread"
	// KindDM is a direct-message channel's fixed participant list.
	KindDM Kind = "dm"
)

// ListKey is the deduplication key for member lists. Two channels in the same
// room with byte-identical visibility signatures resolve to the same key and
// therefore share one actor and one broadcast stream.
type ListKey struct {
	Kind      Kind
	RoomID    string
	Signature perm.Signature
	ChannelID string
}

// RoomKey addresses a room's full roster.
func RoomKey(roomID string) ListKey {
	return ListKey{Kind: KindRoom, RoomID: roomID}
}

// ChannelKey addresses the members visible under one visibility signature.
func ChannelKey(roomID string, sig perm.Signature) ListKey {
	return ListKey{Kind: KindChannel, RoomID: roomID, Signature: sig}
}

// ThreadKey addresses the joined members of one thread under one signature.
func ThreadKey(roomID string, sig perm.Signature, threadID string) ListKey {
	return ListKey{Kind: KindThread, RoomID: roomID, Signature: sig, ChannelID: threadID}
}

// DMKey addresses a DM channel's participant list.
func DMKey(channelID string) ListKey {
	return ListKey{Kind: KindDM, ChannelID: channelID}
}

// UsesThreadMembers reports whether lists under this key draw from thread or
// DM participants instead of room-wide membership.
func (k ListKey) UsesThreadMembers() bool {
	return k.Kind == KindThread || k.Kind == KindDM
}

// String renders the key for logging.
func (k ListKey) String() string {
	switch k.Kind {
	case KindRoom:
		return fmt.Sprintf("room(%s)", k.RoomID)
	case KindChannel:
		return fmt.Sprintf("channel(%s,%s)", k.RoomID, k.Signature)
	case KindThread:
		return fmt.Sprintf("thread(%s,%s,%s)", k.RoomID, k.Signature, k.ChannelID)
	case KindDM:
		return fmt.Sprintf("dm(%s)", k.ChannelID)
	default:
		return fmt.Sprintf("invalid(%s)", string(k.Kind))
	}
}

// TargetKind enumerates the client-facing subscription target shapes.
type TargetKind string

const (
	// TargetRoom subscribes to a room's full roster.
	TargetRoom TargetKind = "room"
	// TargetChannel subscribes to the members visible in a channel or
	// thread.
	TargetChannel TargetKind = "channel"
	// TargetDM subscribes to a DM channel's participants.
	TargetDM TargetKind = "dm"
)

// Target is what a client names when subscribing. Distinct targets may
// resolve to the same ListKey.
type Target struct {
	Kind      TargetKind `json:"kind"`
	RoomID    string     `json:"roomId,omitempty"`
	ChannelID string     `json:"channelId,omitempty"`
}

// String renders the target for logging and error messages.
func (t Target) String() string {
	switch t.Kind {
	case TargetRoom:
		return fmt.Sprintf("room(%s)", t.RoomID)
	case TargetChannel:
		return fmt.Sprintf("channel(%s/%s)", t.RoomID, t.ChannelID)
	case TargetDM:
		return fmt.Sprintf("dm(%s)", t.ChannelID)
	default:
		return fmt.Sprintf("invalid(%s)", string(t.Kind))
	}
}

// RoomStore is the slice of the room store the engine reads from.
type RoomStore interface {
	GetRoom(roomID string) (models.RoomSnapshot, bool)
	GetChannel(channelID string) (models.Channel, bool)
	GetUser(userID string) (models.User, bool)
}
