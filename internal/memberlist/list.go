package memberlist

import "sort"

// location is the reverse-index entry for one member: its owning group and
// the exact rendered entry, which is what ordered lookups binary-search by.
type location struct {
	Group  GroupID
	Member ListMember
}

type group struct {
	id      GroupID
	members []ListMember
}

// memberList is the canonical grouped, ordered list state owned by exactly
// one actor. The groups slice and the reverse index mutate together inside
// the actor's single-writer loop and are never exposed independently.
type memberList struct {
	groups []*group
	index  map[string]location
}

func newMemberList() *memberList {
	return &memberList{index: make(map[string]location)}
}

// entry pairs a member with its computed group, used for full rebuilds.
type entry struct {
	Member ListMember
	Group  GroupID
}

// build replaces the list contents wholesale. Used for the initial
// Uninitialized to Active transition and for structural resets.
func (l *memberList) build(entries []entry) {
	l.groups = nil
	l.index = make(map[string]location, len(entries))
	byGroup := make(map[GroupID][]ListMember)
	for _, e := range entries {
		byGroup[e.Group] = append(byGroup[e.Group], e.Member)
		l.index[e.Member.UserID] = location{Group: e.Group, Member: e.Member}
	}
	for id, members := range byGroup {
		sort.Slice(members, func(i, j int) bool { return members[i].before(members[j]) })
		l.groups = append(l.groups, &group{id: id, members: members})
	}
	sort.Slice(l.groups, func(i, j int) bool { return l.groups[i].id.Before(l.groups[j].id) })
}

// size is the total flattened item count: one header per group plus its
// members.
func (l *memberList) size() int {
	total := 0
	for _, g := range l.groups {
		total += 1 + len(g.members)
	}
	return total
}

// groupStart returns the flat index of group gi's header item.
func (l *memberList) groupStart(gi int) int {
	start := 0
	for i := 0; i < gi; i++ {
		start += 1 + len(l.groups[i].members)
	}
	return start
}

func (l *memberList) findGroup(id GroupID) (int, bool) {
	for i, g := range l.groups {
		if g.id == id {
			return i, true
		}
	}
	return 0, false
}

// memberPos binary-searches for member within group gi. The member must be
// the exact stored entry (same display name and user id).
func (l *memberList) memberPos(gi int, member ListMember) (int, bool) {
	members := l.groups[gi].members
	pos := sort.Search(len(members), func(i int) bool { return !members[i].before(member) })
	if pos < len(members) && members[pos] == member {
		return pos, true
	}
	return 0, false
}

// contains reports whether the user is present in the list.
func (l *memberList) contains(userID string) bool {
	_, ok := l.index[userID]
	return ok
}

// items renders the flattened item sequence.
func (l *memberList) items() []Item {
	out := make([]Item, 0, l.size())
	for _, g := range l.groups {
		id := g.id
		out = append(out, Item{Group: &id})
		for _, member := range g.members {
			m := member
			out = append(out, Item{Member: &m})
		}
	}
	return out
}

// slice renders the items covering [start, end] inclusive, clamped to the
// list bounds.
func (l *memberList) slice(start, end int) RangeSlice {
	if start < 0 {
		start = 0
	}
	total := l.size()
	if end >= total {
		end = total - 1
	}
	if start > end {
		return RangeSlice{Start: start}
	}
	// Lists are small relative to ranges; rendering and slicing keeps the
	// hot path obvious.
	items := l.items()
	return RangeSlice{Start: start, Items: items[start : end+1]}
}

// insert places a member into the given group, creating the group when
// absent, and returns the ops describing the mutation in application order.
// The caller must ensure the user is not already present.
func (l *memberList) insert(member ListMember, gid GroupID) []Op {
	var ops []Op
	gi, ok := l.findGroup(gid)
	if !ok {
		gi = l.insertGroup(gid)
		id := gid
		ops = append(ops, Op{Type: OpGroupInsert, Index: l.groupStart(gi), Item: &Item{Group: &id}})
	}
	members := l.groups[gi].members
	pos := sort.Search(len(members), func(i int) bool { return !members[i].before(member) })
	members = append(members, ListMember{})
	copy(members[pos+1:], members[pos:])
	members[pos] = member
	l.groups[gi].members = members
	l.index[member.UserID] = location{Group: gid, Member: member}
	m := member
	ops = append(ops, Op{Type: OpInsert, Index: l.groupStart(gi) + 1 + pos, Item: &Item{Member: &m}})
	return ops
}

// remove drops the user from the list, deleting their group when it empties,
// and returns the ops in application order. Unknown users yield no ops.
func (l *memberList) remove(userID string) []Op {
	loc, ok := l.index[userID]
	if !ok {
		return nil
	}
	gi, ok := l.findGroup(loc.Group)
	if !ok {
		delete(l.index, userID)
		return nil
	}
	pos, ok := l.memberPos(gi, loc.Member)
	if !ok {
		delete(l.index, userID)
		return nil
	}
	ops := []Op{{Type: OpDelete, Index: l.groupStart(gi) + 1 + pos}}
	l.groups[gi].members = append(l.groups[gi].members[:pos], l.groups[gi].members[pos+1:]...)
	delete(l.index, userID)
	if len(l.groups[gi].members) == 0 {
		ops = append(ops, Op{Type: OpGroupDelete, Index: l.groupStart(gi)})
		l.groups = append(l.groups[:gi], l.groups[gi+1:]...)
	}
	return ops
}

// move relocates an existing member to a (possibly new) group and position,
// emitting a single MOVE plus the group housekeeping around it. A no-op
// relocation returns nil.
func (l *memberList) move(member ListMember, gid GroupID) []Op {
	loc, ok := l.index[member.UserID]
	if !ok {
		return l.insert(member, gid)
	}
	if loc.Group == gid && loc.Member == member {
		return nil
	}
	var ops []Op

	// Materialize the target group first so the MOVE indices are stable.
	ti, ok := l.findGroup(gid)
	if !ok {
		ti = l.insertGroup(gid)
		id := gid
		ops = append(ops, Op{Type: OpGroupInsert, Index: l.groupStart(ti), Item: &Item{Group: &id}})
	}

	oi, _ := l.findGroup(loc.Group)
	oldPos, _ := l.memberPos(oi, loc.Member)
	from := l.groupStart(oi) + 1 + oldPos
	l.groups[oi].members = append(l.groups[oi].members[:oldPos], l.groups[oi].members[oldPos+1:]...)

	// Group indices may have shifted only if the old and target group are
	// identical; member removal never changes group order.
	members := l.groups[ti].members
	pos := sort.Search(len(members), func(i int) bool { return !members[i].before(member) })
	members = append(members, ListMember{})
	copy(members[pos+1:], members[pos:])
	members[pos] = member
	l.groups[ti].members = members
	l.index[member.UserID] = location{Group: gid, Member: member}
	m := member
	ops = append(ops, Op{Type: OpMove, From: from, Index: l.groupStart(ti) + 1 + pos, Item: &Item{Member: &m}})

	if len(l.groups[oi].members) == 0 {
		ops = append(ops, Op{Type: OpGroupDelete, Index: l.groupStart(oi)})
		l.groups = append(l.groups[:oi], l.groups[oi+1:]...)
	}
	return ops
}

// insertGroup adds an empty group in order and returns its index.
func (l *memberList) insertGroup(gid GroupID) int {
	gi := sort.Search(len(l.groups), func(i int) bool { return !l.groups[i].id.Before(gid) })
	l.groups = append(l.groups, nil)
	copy(l.groups[gi+1:], l.groups[gi:])
	l.groups[gi] = &group{id: gid}
	return gi
}

// Apply replays ops onto a client-held item sequence, returning the updated
// sequence. Ops must be applied in emission order; indices address the
// sequence as it stands when each op applies. A SYNC op clears the state,
// signalling that fresh ranges must be fetched.
func Apply(items []Item, ops []Op) []Item {
	for _, op := range ops {
		switch op.Type {
		case OpSync:
			items = nil
		case OpInsert, OpGroupInsert:
			if op.Item == nil || op.Index < 0 || op.Index > len(items) {
				continue
			}
			items = append(items, Item{})
			copy(items[op.Index+1:], items[op.Index:])
			items[op.Index] = *op.Item
		case OpDelete, OpGroupDelete:
			if op.Index < 0 || op.Index >= len(items) {
				continue
			}
			items = append(items[:op.Index], items[op.Index+1:]...)
		case OpMove:
			if op.From < 0 || op.From >= len(items) {
				continue
			}
			moved := items[op.From]
			if op.Item != nil {
				moved = *op.Item
			}
			items = append(items[:op.From], items[op.From+1:]...)
			if op.Index < 0 || op.Index > len(items) {
				continue
			}
			items = append(items, Item{})
			copy(items[op.Index+1:], items[op.Index:])
			items[op.Index] = moved
		}
	}
	return items
}
