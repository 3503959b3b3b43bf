package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecorderCountsAndNormalizesLabels(t *testing.T) {
	r := New()
	r.ObserveListOp("INSERT")
	r.ObserveListOp("insert")
	r.ObserveListOp("  MOVE ")
	r.ObserveListOp("")
	r.ObserveRoomEvent("presence_changed")
	r.ObservePermissionCache("room_hit")
	r.ObserveGatewayFrame("inbound")
	r.ObserveResync()

	var sb strings.Builder
	r.Write(&sb)
	out := sb.String()
	for _, want := range []string{
		`driftchat_member_list_ops_total{op="insert"} 2`,
		`driftchat_member_list_ops_total{op="move"} 1`,
		`driftchat_member_list_ops_total{op="unknown"} 1`,
		`driftchat_room_events_total{event="presence_changed"} 1`,
		`driftchat_permission_cache_total{outcome="room_hit"} 1`,
		`driftchat_gateway_frames_total{kind="inbound"} 1`,
		"driftchat_forced_resyncs_total 1",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestGaugesNeverGoNegative(t *testing.T) {
	r := New()
	r.ActorStarted()
	r.ActorStopped()
	r.ActorStopped()
	if got := r.ActiveActors(); got != 0 {
		t.Fatalf("active actors = %d, want 0", got)
	}

	r.ConnectionOpened()
	r.ConnectionOpened()
	r.ConnectionClosed()
	if got := r.ActiveConnections(); got != 1 {
		t.Fatalf("active connections = %d, want 1", got)
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := New()
	r.ObserveListOp("sync")
	r.ObserveResync()
	r.ActorStarted()
	r.ConnectionOpened()

	r.Reset()
	if r.Resyncs() != 0 || r.ActiveActors() != 0 || r.ActiveConnections() != 0 {
		t.Fatal("reset left residual values")
	}
	var sb strings.Builder
	r.Write(&sb)
	if strings.Contains(sb.String(), `op="sync"`) {
		t.Fatal("reset left counter labels behind")
	}
}

func TestHandlerServesPrometheusText(t *testing.T) {
	r := New()
	r.ObserveRoomEvent("member_joined")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("content type %q", got)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE driftchat_room_events_total counter") {
		t.Fatalf("missing type line:\n%s", body)
	}
	if !strings.Contains(body, `driftchat_room_events_total{event="member_joined"} 1`) {
		t.Fatalf("missing sample:\n%s", body)
	}
}
