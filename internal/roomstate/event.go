package roomstate

import "time"

// EventType enumerates the room-state changes flowing through the change feed.
type EventType string

const (
	// EventMemberJoined fires when a user becomes a room member.
	EventMemberJoined EventType = "member_joined"
	// EventMemberLeft fires when a user leaves or is removed from a room.
	EventMemberLeft EventType = "member_left"
	// EventRoleGranted fires when a member gains a role.
	EventRoleGranted EventType = "role_granted"
	// EventRoleRevoked fires when a member loses a role.
	EventRoleRevoked EventType = "role_revoked"
	// EventRolePositionChanged fires when a role moves in the room's role
	// ordering.
	EventRolePositionChanged EventType = "role_position_changed"
	// EventOverwriteChanged fires when a channel's permission overwrites
	// change. Signatures derived from the channel are stale afterwards.
	EventOverwriteChanged EventType = "overwrite_changed"
	// EventPresenceChanged fires when a member flips between online and
	// offline.
	EventPresenceChanged EventType = "presence_changed"
	// EventOverrideNameChanged fires when a member's per-room display name
	// override changes.
	EventOverrideNameChanged EventType = "override_name_changed"
	// EventThreadMembersChanged fires when a user joins or leaves a thread.
	EventThreadMembersChanged EventType = "thread_members_changed"
	// EventFeedLagged is synthesized locally when a subscriber's buffer
	// overflowed and events were discarded. Consumers must treat every
	// room as stale and rebuild from the store.
	EventFeedLagged EventType = "feed_lagged"
)

// Event is one room-state change. RoomID is set on every type except
// EventFeedLagged; the remaining fields are populated according to Type.
type Event struct {
	Type       EventType `json:"type"`
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId,omitempty"`
	RoleID     string    `json:"roleId,omitempty"`
	ChannelID  string    `json:"channelId,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}
