package roomstate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"driftchat/internal/models"
)

// PostgresConfig describes how the loader initialises its Postgres connection
// pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
}

// PostgresLoader hydrates the in-memory store from a Postgres database at
// startup. Live mutations flow through the store and the event feed; the
// database is the durable system of record replayed on boot.
type PostgresLoader struct {
	pool *pgxpool.Pool
}

// NewPostgresLoader opens a Postgres-backed loader. The caller must ensure
// database migrations have been applied prior to invoking this constructor.
func NewPostgresLoader(ctx context.Context, cfg PostgresConfig) (*PostgresLoader, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresLoader{pool: pool}, nil
}

// Close releases the connection pool, bounded by ctx.
func (l *PostgresLoader) Close(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		l.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// LoadInto reads every user and room snapshot from the database and installs
// them in the store.
func (l *PostgresLoader) LoadInto(ctx context.Context, store *Store) error {
	users, err := l.loadUsers(ctx)
	if err != nil {
		return err
	}
	snapshots, standalone, err := l.loadSnapshots(ctx)
	if err != nil {
		return err
	}
	store.Hydrate(users, snapshots, standalone)
	return nil
}

func (l *PostgresLoader) loadUsers(ctx context.Context) ([]models.User, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, username, COALESCE(email, ''), COALESCE(token_hash, ''), created_at FROM users`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.TokenHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (l *PostgresLoader) loadSnapshots(ctx context.Context) ([]models.RoomSnapshot, []models.Channel, error) {
	rows, err := l.pool.Query(ctx, `SELECT id, name, owner_id, created_at FROM rooms`)
	if err != nil {
		return nil, nil, fmt.Errorf("query rooms: %w", err)
	}
	byRoom := make(map[string]*models.RoomSnapshot)
	var order []string
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.OwnerID, &room.CreatedAt); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan room: %w", err)
		}
		byRoom[room.ID] = &models.RoomSnapshot{Room: room}
		order = append(order, room.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	if err := l.loadRoles(ctx, byRoom); err != nil {
		return nil, nil, err
	}
	if err := l.loadMembers(ctx, byRoom); err != nil {
		return nil, nil, err
	}
	standalone, err := l.loadChannels(ctx, byRoom)
	if err != nil {
		return nil, nil, err
	}

	snapshots := make([]models.RoomSnapshot, 0, len(order))
	for _, id := range order {
		snapshots = append(snapshots, *byRoom[id])
	}
	return snapshots, standalone, nil
}

func (l *PostgresLoader) loadRoles(ctx context.Context, byRoom map[string]*models.RoomSnapshot) error {
	rows, err := l.pool.Query(ctx, `SELECT id, room_id, name, position, hoisted, permissions FROM roles`)
	if err != nil {
		return fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var role models.Role
		if err := rows.Scan(&role.ID, &role.RoomID, &role.Name, &role.Position, &role.Hoisted, &role.Permissions); err != nil {
			return fmt.Errorf("scan role: %w", err)
		}
		if snapshot, ok := byRoom[role.RoomID]; ok {
			snapshot.Roles = append(snapshot.Roles, role)
		}
	}
	return rows.Err()
}

func (l *PostgresLoader) loadMembers(ctx context.Context, byRoom map[string]*models.RoomSnapshot) error {
	rows, err := l.pool.Query(ctx, `
		SELECT m.room_id, m.user_id, u.username, COALESCE(m.override_name, ''),
		       COALESCE(m.role_ids, '{}'), m.joined_at
		FROM room_members m
		JOIN users u ON u.id = m.user_id`)
	if err != nil {
		return fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var member models.Member
		if err := rows.Scan(&member.RoomID, &member.UserID, &member.Username, &member.OverrideName, &member.RoleIDs, &member.JoinedAt); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		// Presence is session state, not persisted: everyone starts
		// offline until a gateway connection flips them.
		member.Presence = models.PresenceOffline
		if snapshot, ok := byRoom[member.RoomID]; ok {
			snapshot.Members = append(snapshot.Members, member)
		}
	}
	return rows.Err()
}

// loadChannels attaches room-owned channels to their snapshots and returns
// the room-less ones (DMs) separately so hydration installs them too.
func (l *PostgresLoader) loadChannels(ctx context.Context, byRoom map[string]*models.RoomSnapshot) ([]models.Channel, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, COALESCE(room_id, ''), COALESCE(parent_id, ''), name, kind,
		       COALESCE(participants, '{}'), created_at
		FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("query channels: %w", err)
	}
	channels := make(map[string]models.Channel)
	for rows.Next() {
		var channel models.Channel
		var kind string
		if err := rows.Scan(&channel.ID, &channel.RoomID, &channel.ParentID, &channel.Name, &kind, &channel.Participants, &channel.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channel.Kind = models.ChannelKind(kind)
		channels[channel.ID] = channel
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	overwriteRows, err := l.pool.Query(ctx, `
		SELECT channel_id, COALESCE(role_id, ''), COALESCE(user_id, ''), permission, allow
		FROM channel_overwrites
		ORDER BY channel_id, ordinal`)
	if err != nil {
		return nil, fmt.Errorf("query overwrites: %w", err)
	}
	defer overwriteRows.Close()
	for overwriteRows.Next() {
		var channelID string
		var overwrite models.Overwrite
		if err := overwriteRows.Scan(&channelID, &overwrite.RoleID, &overwrite.UserID, &overwrite.Permission, &overwrite.Allow); err != nil {
			return nil, fmt.Errorf("scan overwrite: %w", err)
		}
		if channel, ok := channels[channelID]; ok {
			channel.Overwrites = append(channel.Overwrites, overwrite)
			channels[channelID] = channel
		}
	}
	if err := overwriteRows.Err(); err != nil {
		return nil, err
	}

	var standalone []models.Channel
	for _, channel := range channels {
		if channel.RoomID == "" {
			standalone = append(standalone, channel)
			continue
		}
		if snapshot, ok := byRoom[channel.RoomID]; ok {
			snapshot.Channels = append(snapshot.Channels, channel)
		}
	}
	return standalone, nil
}
