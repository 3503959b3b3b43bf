package memberlist

// OpType enumerates the incremental list operations broadcast to clients.
type OpType string

const (
	// OpSync marks a full resynchronization: the client must discard its
	// cached list state and request fresh ranges.
	OpSync OpType = "SYNC"
	// OpInsert inserts a member item at Index.
	OpInsert OpType = "INSERT"
	// OpDelete removes the member item at Index.
	OpDelete OpType = "DELETE"
	// OpMove removes the member item at From and reinserts it at Index,
	// where Index is evaluated after the removal.
	OpMove OpType = "MOVE"
	// OpGroupInsert inserts a group header item at Index.
	OpGroupInsert OpType = "GROUP_INSERT"
	// OpGroupDelete removes the group header item at Index.
	OpGroupDelete OpType = "GROUP_DELETE"
)

// GroupKind orders the group tiers of a member list.
type GroupKind uint8

const (
	// GroupHoisted groups holders of a hoisted role, one group per role.
	GroupHoisted GroupKind = iota
	// GroupOnline collects online members without a hoisted role.
	GroupOnline
	// GroupOffline collects every offline member.
	GroupOffline
)

// String names the kind for wire encoding and logs.
func (k GroupKind) String() string {
	switch k {
	case GroupHoisted:
		return "hoisted"
	case GroupOnline:
		return "online"
	default:
		return "offline"
	}
}

// GroupID identifies one group in a member list. Hoisted groups order by
// ascending role position (lowest position first), with the role id breaking
// ties deterministically; the online and offline tiers follow.
type GroupID struct {
	Kind     GroupKind `json:"kind"`
	RoleID   string    `json:"roleId,omitempty"`
	Position int       `json:"position,omitempty"`
}

// OnlineGroup is the base group for online members without a hoisted role.
var OnlineGroup = GroupID{Kind: GroupOnline}

// OfflineGroup is the base group for offline members.
var OfflineGroup = GroupID{Kind: GroupOffline}

// HoistedGroup builds the group id for a hoisted role.
func HoistedGroup(roleID string, position int) GroupID {
	return GroupID{Kind: GroupHoisted, RoleID: roleID, Position: position}
}

// Before reports whether g precedes other in list order.
func (g GroupID) Before(other GroupID) bool {
	if g.Kind != other.Kind {
		return g.Kind < other.Kind
	}
	if g.Position != other.Position {
		return g.Position < other.Position
	}
	return g.RoleID < other.RoleID
}

// ListMember is one member entry as rendered into a list.
type ListMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// before orders members within a group: display name in ascending byte
// order, user id breaking ties.
func (m ListMember) before(other ListMember) bool {
	if m.DisplayName != other.DisplayName {
		return m.DisplayName < other.DisplayName
	}
	return m.UserID < other.UserID
}

// Item is one element of the flattened list: either a group header or a
// member. Exactly one field is set.
type Item struct {
	Group  *GroupID    `json:"group,omitempty"`
	Member *ListMember `json:"member,omitempty"`
}

// Op is one incremental mutation. Indices address the flattened item
// sequence as it stands when the op is applied; ops within a batch must be
// applied in order.
type Op struct {
	Type  OpType `json:"type"`
	Index int    `json:"index,omitempty"`
	From  int    `json:"from,omitempty"`
	Item  *Item  `json:"item,omitempty"`
}

// Batch is an ordered op sequence emitted by one actor for one key.
type Batch struct {
	Key ListKey `json:"-"`
	Ops []Op    `json:"ops"`
}

// RangeSlice is the contiguous run of items covering one requested range.
type RangeSlice struct {
	Start int    `json:"start"`
	Items []Item `json:"items"`
}

// Snapshot answers a ranged initial-state request.
type Snapshot struct {
	Key    ListKey      `json:"-"`
	Total  int          `json:"total"`
	Slices []RangeSlice `json:"slices"`
}
