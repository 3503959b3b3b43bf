package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftchat/internal/gateway"
	"driftchat/internal/memberlist"
	"driftchat/internal/models"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
)

type syncFrame struct {
	Op       string               `json:"op"`
	Targets  []memberlist.Target  `json:"targets,omitempty"`
	Snapshot *memberlist.Snapshot `json:"snapshot,omitempty"`
	Ops      []memberlist.Op      `json:"ops,omitempty"`
	Error    string               `json:"error,omitempty"`
}

type gatewayHarness struct {
	t      *testing.T
	store  *roomstate.Store
	room   models.Room
	server *httptest.Server
	token  string
}

func newGatewayHarness(t *testing.T) *gatewayHarness {
	t.Helper()
	feed := roomstate.NewMemoryFeed(128)
	store := roomstate.NewStore(feed)
	calc := perm.NewCalculator(store)
	cache, err := perm.NewCache(calc, 128)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	engine := memberlist.NewEngine(memberlist.EngineConfig{
		Store: store,
		Calc:  calc,
		Cache: cache,
		Feed:  feed,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Run(runCtx)
	}()
	t.Cleanup(func() { cancel(); <-done })

	token, hash, err := gateway.GenerateToken("test-pepper")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	alice, err := store.CreateUser("alice", hash)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	room, err := store.CreateRoom("hq", alice.ID)
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := store.AddMember(room.ID, alice.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	gw := gateway.NewGateway(gateway.Config{
		Engine:      engine,
		Store:       store,
		TokenPepper: "test-pepper",
	})
	server := httptest.NewServer(http.HandlerFunc(gw.HandleConnection))
	t.Cleanup(server.Close)

	return &gatewayHarness{t: t, store: store, room: room, server: server, token: token}
}

func (h *gatewayHarness) dial(token string) (*gateway.Conn, error) {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return gateway.Dial(ctx, url, http.Header{}, nil)
}

func (h *gatewayHarness) send(conn *gateway.Conn, frame map[string]any) {
	h.t.Helper()
	payload, err := json.Marshal(frame)
	if err != nil {
		h.t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteText(payload); err != nil {
		h.t.Fatalf("write frame: %v", err)
	}
}

// readUntil skips unrelated frames (acks, heartbeats) until one matches op.
func (h *gatewayHarness) readUntil(conn *gateway.Conn, op string) syncFrame {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		payload, err := conn.ReadMessage(ctx)
		if err != nil {
			h.t.Fatalf("read while waiting for %q: %v", op, err)
		}
		var frame syncFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			h.t.Fatalf("decode frame: %v", err)
		}
		if frame.Op == "error" && op != "error" {
			h.t.Fatalf("protocol error while waiting for %q: %s", op, frame.Error)
		}
		if frame.Op == op {
			return frame
		}
	}
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	h := newGatewayHarness(t)
	if _, err := h.dial(""); err == nil {
		t.Fatal("unauthenticated upgrade succeeded")
	}
	if _, err := h.dial("wrong-token"); err == nil {
		t.Fatal("bad token accepted")
	}
}

func TestGatewaySubscribeDeliversSnapshotAndOps(t *testing.T) {
	h := newGatewayHarness(t)
	conn, err := h.dial(h.token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	target := map[string]any{"kind": "room", "roomId": h.room.ID}
	h.send(conn, map[string]any{"op": "subscribe", "target": target})

	snapshot := h.readUntil(conn, "snapshot")
	if snapshot.Snapshot == nil || snapshot.Snapshot.Total != 2 {
		t.Fatalf("initial snapshot: %+v", snapshot.Snapshot)
	}
	if len(snapshot.Targets) != 1 || snapshot.Targets[0].RoomID != h.room.ID {
		t.Fatalf("snapshot targets: %v", snapshot.Targets)
	}

	bob, err := h.store.CreateUser("bob", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if _, err := h.store.AddMember(h.room.ID, bob.ID); err != nil {
		t.Fatalf("add member: %v", err)
	}

	ops := h.readUntil(conn, "ops")
	found := false
	for _, op := range ops.Ops {
		if op.Item != nil && op.Item.Member != nil && op.Item.Member.UserID == bob.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("bob's join missing from ops frame: %+v", ops.Ops)
	}
}

func TestGatewayPingPong(t *testing.T) {
	h := newGatewayHarness(t)
	conn, err := h.dial(h.token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	h.send(conn, map[string]any{"op": "ping"})
	h.readUntil(conn, "pong")
}

// A channel hidden from the authenticated user by an overwrite must answer
// exactly like a missing one: not_found, never a snapshot.
func TestGatewayHiddenChannelAnswersNotFound(t *testing.T) {
	h := newGatewayHarness(t)
	alice, ok := h.store.GetUserByTokenHash(gateway.HashToken(h.token, "test-pepper"))
	if !ok {
		t.Fatal("harness user missing")
	}
	hidden, err := h.store.CreateChannel(models.Channel{
		RoomID: h.room.ID,
		Name:   "war-room",
		Kind:   models.ChannelKindText,
		Overwrites: []models.Overwrite{
			{UserID: alice.ID, Permission: perm.PermViewChannel, Allow: false},
		},
	})
	if err != nil {
		t.Fatalf("create channel: %v", err)
	}

	conn, err := h.dial(h.token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	h.send(conn, map[string]any{
		"op":     "subscribe",
		"target": map[string]any{"kind": "channel", "roomId": h.room.ID, "channelId": hidden.ID},
	})
	frame := h.readUntil(conn, "error")
	if frame.Error != "not_found" {
		t.Fatalf("error code = %q, want not_found", frame.Error)
	}
}

func TestGatewayErrorCodes(t *testing.T) {
	h := newGatewayHarness(t)
	conn, err := h.dial(h.token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// A hidden or missing room answers not_found without revealing which.
	h.send(conn, map[string]any{
		"op":     "subscribe",
		"target": map[string]any{"kind": "room", "roomId": "no-such-room"},
	})
	frame := h.readUntil(conn, "error")
	if frame.Error != "not_found" {
		t.Fatalf("error code = %q, want not_found", frame.Error)
	}

	h.send(conn, map[string]any{
		"op":     "unsubscribe",
		"target": map[string]any{"kind": "room", "roomId": h.room.ID},
	})
	frame = h.readUntil(conn, "error")
	if frame.Error != "not_subscribed" {
		t.Fatalf("error code = %q, want not_subscribed", frame.Error)
	}

	h.send(conn, map[string]any{"op": "subscribe"})
	frame = h.readUntil(conn, "error")
	if frame.Error == "" {
		t.Fatal("missing-target subscribe not rejected")
	}
}
