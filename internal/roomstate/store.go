package roomstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"driftchat/internal/models"
)

// Store is the authoritative in-memory snapshot of every room's metadata,
// members, roles, and channels. All reads return deep copies; every mutation
// publishes a typed Event on the configured feed so the member-list engine
// can react incrementally.
type Store struct {
	mu       sync.RWMutex
	users    map[string]models.User
	rooms    map[string]models.Room
	members  map[string]map[string]models.Member // roomID -> userID -> member
	roles    map[string]models.Role
	channels map[string]models.Channel

	feed   Feed
	logger *slog.Logger
	now    func() time.Time
}

// Option mutates store configuration.
type Option func(*Store)

// WithLogger installs a logger used for publish failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore initialises an empty store publishing change events to feed. A nil
// feed disables event publication.
func NewStore(feed Feed, opts ...Option) *Store {
	s := &Store{
		users:    make(map[string]models.User),
		rooms:    make(map[string]models.Room),
		members:  make(map[string]map[string]models.Member),
		roles:    make(map[string]models.Role),
		channels: make(map[string]models.Channel),
		feed:     feed,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hydrate installs previously persisted state without publishing change
// events. It is intended for startup, before any subscriber exists. channels
// carries the room-less channels, such as DMs, that belong to no snapshot.
func (s *Store) Hydrate(users []models.User, snapshots []models.RoomSnapshot, channels []models.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range users {
		s.users[user.ID] = user
	}
	for _, snapshot := range snapshots {
		s.rooms[snapshot.Room.ID] = snapshot.Room
		members := make(map[string]models.Member, len(snapshot.Members))
		for _, member := range snapshot.Members {
			members[member.UserID] = cloneMember(member)
		}
		s.members[snapshot.Room.ID] = members
		for _, role := range snapshot.Roles {
			s.roles[role.ID] = cloneRole(role)
		}
		for _, channel := range snapshot.Channels {
			s.channels[channel.ID] = cloneChannel(channel)
		}
	}
	for _, channel := range channels {
		s.channels[channel.ID] = cloneChannel(channel)
	}
}

func (s *Store) publish(event Event) {
	if s.feed == nil {
		return
	}
	event.OccurredAt = s.now()
	if err := s.feed.Publish(context.Background(), event); err != nil && s.logger != nil {
		s.logger.Warn("failed to publish room event", "type", event.Type, "room", event.RoomID, "error", err)
	}
}

func generateID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateUser registers an account. TokenHash, when set, lets the gateway
// authenticate connections for this user.
func (s *Store) CreateUser(username, tokenHash string) (models.User, error) {
	if username == "" {
		return models.User{}, fmt.Errorf("username is required")
	}
	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	user := models.User{ID: id, Username: username, TokenHash: tokenHash, CreatedAt: s.now()}
	s.mu.Lock()
	s.users[id] = user
	s.mu.Unlock()
	return user, nil
}

// GetUser returns the account with the given id.
func (s *Store) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	return user, ok
}

// GetUserByTokenHash returns the account whose session token hashes to the
// given value.
func (s *Store) GetUserByTokenHash(hash string) (models.User, bool) {
	if hash == "" {
		return models.User{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, user := range s.users {
		if user.TokenHash == hash {
			return user, true
		}
	}
	return models.User{}, false
}

// CreateRoom creates a room owned by ownerID.
func (s *Store) CreateRoom(name, ownerID string) (models.Room, error) {
	if name == "" {
		return models.Room{}, fmt.Errorf("room name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Room{}, err
	}
	room := models.Room{ID: id, Name: name, OwnerID: ownerID, CreatedAt: s.now()}
	s.mu.Lock()
	s.rooms[id] = room
	s.members[id] = make(map[string]models.Member)
	s.mu.Unlock()
	return room, nil
}

// CreateChannel adds a channel, category, thread, or DM. Threads must name a
// parent text channel in the same room.
func (s *Store) CreateChannel(channel models.Channel) (models.Channel, error) {
	if channel.Name == "" && channel.Kind != models.ChannelKindDM {
		return models.Channel{}, fmt.Errorf("channel name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	channel.ID = id
	channel.CreatedAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if channel.Kind != models.ChannelKindDM {
		if _, ok := s.rooms[channel.RoomID]; !ok {
			return models.Channel{}, fmt.Errorf("room %s not found", channel.RoomID)
		}
	}
	if channel.ParentID != "" {
		parent, ok := s.channels[channel.ParentID]
		if !ok || parent.RoomID != channel.RoomID {
			return models.Channel{}, fmt.Errorf("parent channel %s not found in room", channel.ParentID)
		}
	}
	s.channels[id] = channel
	return channel, nil
}

// GetChannel returns the channel with the given id.
func (s *Store) GetChannel(id string) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	channel, ok := s.channels[id]
	return cloneChannel(channel), ok
}

// GetRoom assembles a consistent snapshot of the room and everything the
// member-list engine needs to rebuild a list from scratch.
func (s *Store) GetRoom(roomID string) (models.RoomSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.RoomSnapshot{}, false
	}
	snapshot := models.RoomSnapshot{Room: room}
	for _, member := range s.members[roomID] {
		snapshot.Members = append(snapshot.Members, cloneMember(member))
	}
	for _, role := range s.roles {
		if role.RoomID == roomID {
			snapshot.Roles = append(snapshot.Roles, cloneRole(role))
		}
	}
	for _, channel := range s.channels {
		if channel.RoomID == roomID {
			snapshot.Channels = append(snapshot.Channels, cloneChannel(channel))
		}
	}
	sort.Slice(snapshot.Members, func(i, j int) bool { return snapshot.Members[i].UserID < snapshot.Members[j].UserID })
	sort.Slice(snapshot.Roles, func(i, j int) bool { return snapshot.Roles[i].Position < snapshot.Roles[j].Position })
	sort.Slice(snapshot.Channels, func(i, j int) bool { return snapshot.Channels[i].ID < snapshot.Channels[j].ID })
	return snapshot, true
}

// AddMember makes userID a member of roomID and announces the join.
func (s *Store) AddMember(roomID, userID string) (models.Member, error) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; !ok {
		s.mu.Unlock()
		return models.Member{}, fmt.Errorf("room %s not found", roomID)
	}
	user, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return models.Member{}, fmt.Errorf("user %s not found", userID)
	}
	if existing, ok := s.members[roomID][userID]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	member := models.Member{
		UserID:   userID,
		RoomID:   roomID,
		Username: user.Username,
		Presence: models.PresenceOffline,
		JoinedAt: s.now(),
	}
	s.members[roomID][userID] = member
	s.mu.Unlock()
	s.publish(Event{Type: EventMemberJoined, RoomID: roomID, UserID: userID})
	return member, nil
}

// RemoveMember drops userID from roomID and announces the departure.
func (s *Store) RemoveMember(roomID, userID string) error {
	s.mu.Lock()
	members, ok := s.members[roomID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("room %s not found", roomID)
	}
	if _, ok := members[userID]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("user %s is not a member of room %s", userID, roomID)
	}
	delete(members, userID)
	for id, channel := range s.channels {
		if channel.RoomID == roomID && channel.IsThread() && channel.HasParticipant(userID) {
			s.channels[id] = removeParticipant(channel, userID)
		}
	}
	s.mu.Unlock()
	s.publish(Event{Type: EventMemberLeft, RoomID: roomID, UserID: userID})
	return nil
}

// CreateRole adds a role to the room.
func (s *Store) CreateRole(role models.Role) (models.Role, error) {
	if role.Name == "" {
		return models.Role{}, fmt.Errorf("role name is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Role{}, err
	}
	role.ID = id
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[role.RoomID]; !ok {
		return models.Role{}, fmt.Errorf("room %s not found", role.RoomID)
	}
	s.roles[id] = role
	return role, nil
}

// GrantRole assigns the role to a member and announces the change.
func (s *Store) GrantRole(roomID, userID, roleID string) error {
	s.mu.Lock()
	member, ok := s.members[roomID][userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("user %s is not a member of room %s", userID, roomID)
	}
	role, ok := s.roles[roleID]
	if !ok || role.RoomID != roomID {
		s.mu.Unlock()
		return fmt.Errorf("role %s not found in room %s", roleID, roomID)
	}
	if member.HasRole(roleID) {
		s.mu.Unlock()
		return nil
	}
	member.RoleIDs = append(append([]string{}, member.RoleIDs...), roleID)
	s.members[roomID][userID] = member
	s.mu.Unlock()
	s.publish(Event{Type: EventRoleGranted, RoomID: roomID, UserID: userID, RoleID: roleID})
	return nil
}

// RevokeRole removes the role from a member and announces the change.
func (s *Store) RevokeRole(roomID, userID, roleID string) error {
	s.mu.Lock()
	member, ok := s.members[roomID][userID]
	if !ok || !member.HasRole(roleID) {
		s.mu.Unlock()
		return fmt.Errorf("user %s does not hold role %s", userID, roleID)
	}
	kept := make([]string, 0, len(member.RoleIDs)-1)
	for _, id := range member.RoleIDs {
		if id != roleID {
			kept = append(kept, id)
		}
	}
	member.RoleIDs = kept
	s.members[roomID][userID] = member
	s.mu.Unlock()
	s.publish(Event{Type: EventRoleRevoked, RoomID: roomID, UserID: userID, RoleID: roleID})
	return nil
}

// SetRolePosition moves a role in the ordering and announces the change.
func (s *Store) SetRolePosition(roleID string, position int) error {
	s.mu.Lock()
	role, ok := s.roles[roleID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("role %s not found", roleID)
	}
	if role.Position == position {
		s.mu.Unlock()
		return nil
	}
	role.Position = position
	s.roles[roleID] = role
	s.mu.Unlock()
	s.publish(Event{Type: EventRolePositionChanged, RoomID: role.RoomID, RoleID: roleID})
	return nil
}

// SetOverwrites replaces a channel's permission overwrites and announces the
// change. Visibility signatures derived from the channel are stale afterwards.
func (s *Store) SetOverwrites(channelID string, overwrites []models.Overwrite) error {
	s.mu.Lock()
	channel, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("channel %s not found", channelID)
	}
	channel.Overwrites = append([]models.Overwrite{}, overwrites...)
	s.channels[channelID] = channel
	s.mu.Unlock()
	s.publish(Event{Type: EventOverwriteChanged, RoomID: channel.RoomID, ChannelID: channelID})
	return nil
}

// SetPresence flips a member between online and offline and announces the
// change when the state actually moved.
func (s *Store) SetPresence(roomID, userID string, presence models.Presence) error {
	s.mu.Lock()
	member, ok := s.members[roomID][userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("user %s is not a member of room %s", userID, roomID)
	}
	if member.Presence == presence {
		s.mu.Unlock()
		return nil
	}
	member.Presence = presence
	s.members[roomID][userID] = member
	s.mu.Unlock()
	s.publish(Event{Type: EventPresenceChanged, RoomID: roomID, UserID: userID})
	return nil
}

// SetOverrideName updates a member's per-room display name override and
// announces the change.
func (s *Store) SetOverrideName(roomID, userID, name string) error {
	s.mu.Lock()
	member, ok := s.members[roomID][userID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("user %s is not a member of room %s", userID, roomID)
	}
	member.OverrideName = name
	s.members[roomID][userID] = member
	s.mu.Unlock()
	s.publish(Event{Type: EventOverrideNameChanged, RoomID: roomID, UserID: userID})
	return nil
}

// JoinThread adds a user to a thread's participant list.
func (s *Store) JoinThread(threadID, userID string) error {
	return s.setThreadMembership(threadID, userID, true)
}

// LeaveThread removes a user from a thread's participant list.
func (s *Store) LeaveThread(threadID, userID string) error {
	return s.setThreadMembership(threadID, userID, false)
}

func (s *Store) setThreadMembership(threadID, userID string, join bool) error {
	s.mu.Lock()
	channel, ok := s.channels[threadID]
	if !ok || !channel.IsThread() {
		s.mu.Unlock()
		return fmt.Errorf("thread %s not found", threadID)
	}
	if join == channel.HasParticipant(userID) {
		s.mu.Unlock()
		return nil
	}
	if join {
		channel.Participants = append(append([]string{}, channel.Participants...), userID)
	} else {
		channel = removeParticipant(channel, userID)
	}
	s.channels[threadID] = channel
	s.mu.Unlock()
	s.publish(Event{Type: EventThreadMembersChanged, RoomID: channel.RoomID, UserID: userID, ChannelID: threadID})
	return nil
}

func removeParticipant(channel models.Channel, userID string) models.Channel {
	kept := make([]string, 0, len(channel.Participants))
	for _, id := range channel.Participants {
		if id != userID {
			kept = append(kept, id)
		}
	}
	channel.Participants = kept
	return channel
}

func cloneMember(member models.Member) models.Member {
	member.RoleIDs = append([]string{}, member.RoleIDs...)
	return member
}

func cloneRole(role models.Role) models.Role {
	role.Permissions = append([]string{}, role.Permissions...)
	return role
}

func cloneChannel(channel models.Channel) models.Channel {
	channel.Overwrites = append([]models.Overwrite{}, channel.Overwrites...)
	channel.Participants = append([]string{}, channel.Participants...)
	return channel
}
