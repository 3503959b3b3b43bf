package models

import (
	"strings"
	"time"
)

// Presence enumerates the connectivity states tracked for room members.
type Presence string

const (
	// PresenceOnline marks a member with at least one active session.
	PresenceOnline Presence = "online"
	// PresenceOffline marks a member with no active sessions.
	PresenceOffline Presence = "offline"
)

// User is the account-level identity shared across rooms.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	TokenHash    string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt,omitempty"`
}

// Role is a named permission bundle inside a room. Position orders roles:
// lower values take precedence. Hoisted roles appear as their own group in
// member lists.
type Role struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	Name        string   `json:"name"`
	Position    int      `json:"position"`
	Hoisted     bool     `json:"hoisted"`
	Permissions []string `json:"permissions"`
}

// Member is a user's per-room state.
type Member struct {
	UserID       string    `json:"userId"`
	RoomID       string    `json:"roomId"`
	Username     string    `json:"username"`
	OverrideName string    `json:"overrideName,omitempty"`
	RoleIDs      []string  `json:"roleIds"`
	Presence     Presence  `json:"presence"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// DisplayName returns the name shown in member lists: the per-room override
// when set, otherwise the account username.
func (m Member) DisplayName() string {
	if name := strings.TrimSpace(m.OverrideName); name != "" {
		return name
	}
	return m.Username
}

// HasRole reports whether the member holds the given role.
func (m Member) HasRole(roleID string) bool {
	for _, id := range m.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

// ChannelKind distinguishes the channel shapes a room can contain.
type ChannelKind string

const (
	// ChannelKindText is an ordinary text channel.
	ChannelKindText ChannelKind = "text"
	// ChannelKindCategory groups channels and contributes its overwrites to
	// every child channel's visibility chain.
	ChannelKindCategory ChannelKind = "category"
	// ChannelKindThread is a thread hanging off a text channel. Thread
	// member lists only ever contain users who joined the thread.
	ChannelKindThread ChannelKind = "thread"
	// ChannelKindDM is a direct-message or group-DM channel with a fixed
	// participant set and no room.
	ChannelKindDM ChannelKind = "dm"
)

// Overwrite adjusts a permission on a channel for a single role or user.
// Exactly one of RoleID and UserID is set.
type Overwrite struct {
	RoleID     string `json:"roleId,omitempty"`
	UserID     string `json:"userId,omitempty"`
	Permission string `json:"permission"`
	Allow      bool   `json:"allow"`
}

// Channel is a text channel, category, thread, or DM.
type Channel struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"roomId,omitempty"`
	ParentID   string      `json:"parentId,omitempty"`
	Name       string      `json:"name"`
	Kind       ChannelKind `json:"kind"`
	Overwrites []Overwrite `json:"overwrites,omitempty"`
	// Participants is populated for threads (joined users) and DMs only.
	Participants []string  `json:"participants,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// IsThread reports whether the channel is a thread.
func (c Channel) IsThread() bool { return c.Kind == ChannelKindThread }

// HasParticipant reports whether the given user joined the thread or DM.
func (c Channel) HasParticipant(userID string) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

// Room is a named collection of channels, roles, and members.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// RoomSnapshot is the consistent read model the member-list engine consumes:
// the room plus every member, role, and channel known at the time of the
// snapshot. Slices are copies owned by the caller.
type RoomSnapshot struct {
	Room     Room
	Members  []Member
	Roles    []Role
	Channels []Channel
}

// FindRole returns the role with the given id, if present.
func (s RoomSnapshot) FindRole(roleID string) (Role, bool) {
	for _, role := range s.Roles {
		if role.ID == roleID {
			return role, true
		}
	}
	return Role{}, false
}

// FindChannel returns the channel with the given id, if present.
func (s RoomSnapshot) FindChannel(channelID string) (Channel, bool) {
	for _, channel := range s.Channels {
		if channel.ID == channelID {
			return channel, true
		}
	}
	return Channel{}, false
}

// FindMember returns the member entry for the given user, if present.
func (s RoomSnapshot) FindMember(userID string) (Member, bool) {
	for _, member := range s.Members {
		if member.UserID == userID {
			return member, true
		}
	}
	return Member{}, false
}
