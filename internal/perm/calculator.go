package perm

import (
	"strings"

	"driftchat/internal/models"
)

// RoomReader is the slice of the room store the calculator depends on.
type RoomReader interface {
	GetRoom(roomID string) (models.RoomSnapshot, bool)
	GetChannel(channelID string) (models.Channel, bool)
}

// Signature is the canonical encoding of the ordered chain of view-affecting
// permission overwrites for a channel, topmost parent first. Two channels
// whose chains are byte-for-byte identical encode to equal Signatures, which
// is what lets their member lists share one actor.
type Signature string

// Empty reports whether no overwrite in the chain touches visibility.
func (s Signature) Empty() bool { return s == "" }

// Calculator derives effective permissions and visibility signatures from
// authoritative room state. It performs no caching; wrap it in a Cache for
// hot paths.
type Calculator struct {
	store RoomReader
}

// NewCalculator builds a calculator reading from store.
func NewCalculator(store RoomReader) *Calculator {
	return &Calculator{store: store}
}

// RoomPermissions computes the effective permission set for a user in a
// room: the implicit view permission granted to every member plus the union
// of all held roles' permissions. Non-members (and missing rooms) yield
// ErrNotFound.
func (c *Calculator) RoomPermissions(userID, roomID string) (Permissions, error) {
	snapshot, ok := c.store.GetRoom(roomID)
	if !ok {
		return nil, ErrNotFound
	}
	member, ok := snapshot.FindMember(userID)
	if !ok {
		return nil, ErrNotFound
	}
	perms := NewPermissions(PermViewChannel)
	for _, roleID := range member.RoleIDs {
		role, ok := snapshot.FindRole(roleID)
		if !ok {
			continue
		}
		for _, name := range role.Permissions {
			perms[name] = struct{}{}
		}
	}
	return perms, nil
}

// ThreadPermissions computes the effective permission set for a user in a
// thread. Threads carry no overwrites of their own, so the result is the
// owning room's permission set unmodified.
func (c *Calculator) ThreadPermissions(userID, threadID string) (Permissions, error) {
	channel, ok := c.store.GetChannel(threadID)
	if !ok || !channel.IsThread() {
		return nil, ErrNotFound
	}
	return c.RoomPermissions(userID, channel.RoomID)
}

// VisibilitySignature walks the channel's overwrite chain from the room root
// down to the leaf and encodes every overwrite that mentions the view
// permission. The result is cheap to compare and safe to use as a map key.
func (c *Calculator) VisibilitySignature(channelID string) (Signature, error) {
	channel, ok := c.store.GetChannel(channelID)
	if !ok {
		return "", ErrNotFound
	}
	chain := []models.Channel{channel}
	for parentID := channel.ParentID; parentID != ""; {
		parent, ok := c.store.GetChannel(parentID)
		if !ok {
			break
		}
		chain = append(chain, parent)
		parentID = parent.ParentID
	}

	var builder strings.Builder
	for i := len(chain) - 1; i >= 0; i-- {
		builder.WriteByte('[')
		for _, overwrite := range chain[i].Overwrites {
			if overwrite.Permission != PermViewChannel {
				continue
			}
			if overwrite.RoleID != "" {
				builder.WriteString("r:")
				builder.WriteString(overwrite.RoleID)
			} else {
				builder.WriteString("u:")
				builder.WriteString(overwrite.UserID)
			}
			if overwrite.Allow {
				builder.WriteString("=+;")
			} else {
				builder.WriteString("=-;")
			}
		}
		builder.WriteByte(']')
	}
	sig := builder.String()
	if strings.Trim(sig, "[]") == "" {
		// No hop restricts visibility: the channel shares the room's
		// unrestricted list.
		return "", nil
	}
	return Signature(sig), nil
}

// CanView reports whether the user may see the given channel, applying the
// room permission set and then the channel's visibility overwrite chain from
// root to leaf (later hops win; user overwrites win over role overwrites
// within one hop).
func (c *Calculator) CanView(userID, channelID string) (bool, error) {
	channel, ok := c.store.GetChannel(channelID)
	if !ok {
		return false, ErrNotFound
	}
	if channel.Kind == models.ChannelKindDM {
		return channel.HasParticipant(userID), nil
	}
	snapshot, ok := c.store.GetRoom(channel.RoomID)
	if !ok {
		return false, ErrNotFound
	}
	member, ok := snapshot.FindMember(userID)
	if !ok {
		return false, nil
	}

	chain := []models.Channel{channel}
	for parentID := channel.ParentID; parentID != ""; {
		parent, ok := snapshot.FindChannel(parentID)
		if !ok {
			break
		}
		chain = append(chain, parent)
		parentID = parent.ParentID
	}

	visible := true
	for i := len(chain) - 1; i >= 0; i-- {
		roleVerdict, roleSet := false, false
		userVerdict, userSet := false, false
		for _, overwrite := range chain[i].Overwrites {
			if overwrite.Permission != PermViewChannel {
				continue
			}
			switch {
			case overwrite.UserID == userID:
				userVerdict, userSet = overwrite.Allow, true
			case overwrite.RoleID != "" && member.HasRole(overwrite.RoleID):
				// Any allowing role overwrite wins over denying
				// ones at the same hop.
				if !roleSet || overwrite.Allow {
					roleVerdict, roleSet = overwrite.Allow, true
				}
			}
		}
		if roleSet {
			visible = roleVerdict
		}
		if userSet {
			visible = userVerdict
		}
	}
	return visible, nil
}
