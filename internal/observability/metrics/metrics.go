package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Recorder aggregates in-memory counters and gauges for the member-list sync
// engine: list operations broadcast, forced resyncs, room-state events,
// permission-cache outcomes, and gateway sessions. It coordinates concurrent
// writers via a RWMutex while exposing thread-safe gauges for actor and
// connection tracking.
type Recorder struct {
	mu                sync.RWMutex
	listOps           map[string]uint64
	roomEvents        map[string]uint64
	permissionCache   map[string]uint64
	gatewayFrames     map[string]uint64
	resyncs           uint64
	activeActors      atomic.Int64
	activeConnections atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		listOps:         make(map[string]uint64),
		roomEvents:      make(map[string]uint64),
		permissionCache: make(map[string]uint64),
		gatewayFrames:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveListOp counts one broadcast member-list operation by type.
func (r *Recorder) ObserveListOp(op string) {
	label := normalizeLabel(op)
	r.mu.Lock()
	r.listOps[label]++
	r.mu.Unlock()
}

// ObserveRoomEvent counts one room-state change event by type.
func (r *Recorder) ObserveRoomEvent(event string) {
	label := normalizeLabel(event)
	r.mu.Lock()
	r.roomEvents[label]++
	r.mu.Unlock()
}

// ObservePermissionCache counts a cache outcome such as "room_hit" or
// "thread_miss".
func (r *Recorder) ObservePermissionCache(outcome string) {
	label := normalizeLabel(outcome)
	r.mu.Lock()
	r.permissionCache[label]++
	r.mu.Unlock()
}

// ObserveGatewayFrame counts one inbound or outbound gateway frame by type.
func (r *Recorder) ObserveGatewayFrame(kind string) {
	label := normalizeLabel(kind)
	r.mu.Lock()
	r.gatewayFrames[label]++
	r.mu.Unlock()
}

// ObserveResync counts one forced full resynchronization.
func (r *Recorder) ObserveResync() {
	r.mu.Lock()
	r.resyncs++
	r.mu.Unlock()
}

// ActorStarted increments the active list-actor gauge.
func (r *Recorder) ActorStarted() {
	r.activeActors.Add(1)
}

// ActorStopped decrements the active list-actor gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ActorStopped() {
	r.decrementGauge(&r.activeActors)
}

// ConnectionOpened increments the gateway connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the gateway connection gauge.
func (r *Recorder) ConnectionClosed() {
	r.decrementGauge(&r.activeConnections)
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

// ActiveActors reports the current number of running list actors.
func (r *Recorder) ActiveActors() int64 {
	return r.activeActors.Load()
}

// ActiveConnections reports the current number of gateway sessions.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// Resyncs reports the total number of forced resynchronizations.
func (r *Recorder) Resyncs() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resyncs
}

// Reset clears every counter and gauge. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.listOps = make(map[string]uint64)
	r.roomEvents = make(map[string]uint64)
	r.permissionCache = make(map[string]uint64)
	r.gatewayFrames = make(map[string]uint64)
	r.resyncs = 0
	r.mu.Unlock()
	r.activeActors.Store(0)
	r.activeConnections.Store(0)
}

// Handler exposes the recorder in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fmt.Fprintln(w, "# HELP driftchat_member_list_ops_total Member-list operations broadcast to subscribers by type")
	fmt.Fprintln(w, "# TYPE driftchat_member_list_ops_total counter")
	for _, op := range sortedKeys(r.listOps) {
		fmt.Fprintf(w, "driftchat_member_list_ops_total{op=%q} %d\n", op, r.listOps[op])
	}

	fmt.Fprintln(w, "# HELP driftchat_room_events_total Room-state change events observed by type")
	fmt.Fprintln(w, "# TYPE driftchat_room_events_total counter")
	for _, event := range sortedKeys(r.roomEvents) {
		fmt.Fprintf(w, "driftchat_room_events_total{event=%q} %d\n", event, r.roomEvents[event])
	}

	fmt.Fprintln(w, "# HELP driftchat_permission_cache_total Permission cache lookups by outcome")
	fmt.Fprintln(w, "# TYPE driftchat_permission_cache_total counter")
	for _, outcome := range sortedKeys(r.permissionCache) {
		fmt.Fprintf(w, "driftchat_permission_cache_total{outcome=%q} %d\n", outcome, r.permissionCache[outcome])
	}

	fmt.Fprintln(w, "# HELP driftchat_gateway_frames_total Gateway frames handled by type")
	fmt.Fprintln(w, "# TYPE driftchat_gateway_frames_total counter")
	for _, kind := range sortedKeys(r.gatewayFrames) {
		fmt.Fprintf(w, "driftchat_gateway_frames_total{kind=%q} %d\n", kind, r.gatewayFrames[kind])
	}

	fmt.Fprintln(w, "# HELP driftchat_forced_resyncs_total Subscriptions forced into a full resynchronization")
	fmt.Fprintln(w, "# TYPE driftchat_forced_resyncs_total counter")
	fmt.Fprintf(w, "driftchat_forced_resyncs_total %d\n", r.resyncs)

	fmt.Fprintln(w, "# HELP driftchat_active_list_actors Current number of running member-list actors")
	fmt.Fprintln(w, "# TYPE driftchat_active_list_actors gauge")
	fmt.Fprintf(w, "driftchat_active_list_actors %d\n", r.activeActors.Load())

	fmt.Fprintln(w, "# HELP driftchat_active_connections Current number of gateway sessions")
	fmt.Fprintln(w, "# TYPE driftchat_active_connections gauge")
	fmt.Fprintf(w, "driftchat_active_connections %d\n", r.activeConnections.Load())
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
