package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"driftchat/internal/memberlist"
	"driftchat/internal/models"
	"driftchat/internal/observability/logging"
	"driftchat/internal/observability/metrics"
	"driftchat/internal/perm"
)

// Store exposes the lookups the gateway needs from the backing datastore.
type Store interface {
	GetUserByTokenHash(hash string) (models.User, bool)
}

// Config configures a Gateway.
type Config struct {
	Engine *memberlist.Engine
	Store  Store
	Logger *slog.Logger
	// TokenPepper feeds session-token hashing; it must match the value the
	// tokens were minted with.
	TokenPepper string
	// HeartbeatInterval controls how often ping frames go out. Zero
	// disables heartbeats.
	HeartbeatInterval time.Duration
	// RequestTimeout bounds each subscribe/unsubscribe round-trip into the
	// member-list engine.
	RequestTimeout time.Duration
}

// Gateway accepts WebSocket connections and bridges them to per-connection
// member-list syncers.
type Gateway struct {
	engine            *memberlist.Engine
	store             Store
	logger            *slog.Logger
	pepper            string
	heartbeatInterval time.Duration
	requestTimeout    time.Duration
}

// NewGateway initialises a gateway from the configuration.
func NewGateway(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gateway{
		engine:            cfg.Engine,
		store:             cfg.Store,
		logger:            logger,
		pepper:            cfg.TokenPepper,
		heartbeatInterval: cfg.HeartbeatInterval,
		requestTimeout:    timeout,
	}
}

// Authenticate resolves the request's session token to a user. Tokens are
// read from the Authorization header or, for browser WebSocket clients that
// cannot set headers, a token query parameter.
func (g *Gateway) Authenticate(r *http.Request) (models.User, bool) {
	token := ""
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return models.User{}, false
	}
	return g.store.GetUserByTokenHash(HashToken(token, g.pepper))
}

// HandleConnection authenticates the request, upgrades it to a WebSocket and
// runs the sync protocol until the peer disconnects.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	user, ok := g.Authenticate(r)
	if !ok {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	connID, err := generateConnID()
	if err != nil {
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(logging.ContextWithConnID(context.Background(), connID))
	go func() {
		<-r.Context().Done()
		cancel()
	}()

	c := &client{
		gateway: g,
		conn:    conn,
		user:    user,
		syncer:  g.engine.NewSyncer(connID, user.ID),
		send:    make(chan []byte, 32),
		cancel:  cancel,
		logger:  connLogger(ctx, g.logger).With("user", user.ID),
	}
	metrics.Default().ConnectionOpened()

	go c.writeLoop()
	if g.heartbeatInterval > 0 {
		go c.heartbeatLoop(ctx, g.heartbeatInterval)
	}
	go c.pollLoop(ctx)
	// The handler must not return while the hijacked connection is live:
	// net/http cancels r.Context when ServeHTTP returns.
	c.readLoop(ctx)
}

// connLogger annotates the logger with the connection id carried on the
// context so gateway and engine logs stay aligned on a shared key.
func connLogger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if id, ok := logging.ConnIDFromContext(ctx); ok {
		return base.With("conn", id)
	}
	return base
}

func generateConnID() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

type client struct {
	gateway *Gateway
	conn    *Conn
	user    models.User
	syncer  *memberlist.Syncer
	send    chan []byte
	cancel  context.CancelFunc
	logger  *slog.Logger
	closed  sync.Once
}

type inboundFrame struct {
	Op     string             `json:"op"`
	Target *memberlist.Target `json:"target,omitempty"`
	Ranges [][2]int           `json:"ranges,omitempty"`
}

type outboundFrame struct {
	Op       string               `json:"op"`
	Targets  []memberlist.Target  `json:"targets,omitempty"`
	Snapshot *memberlist.Snapshot `json:"snapshot,omitempty"`
	Ops      []memberlist.Op      `json:"ops,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func (c *client) writeLoop() {
	defer c.close()
	for payload := range c.send {
		if err := c.conn.WriteText(payload); err != nil {
			return
		}
		metrics.Default().ObserveGatewayFrame("outbound")
	}
}

func (c *client) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// pollLoop drains the syncer and forwards every event to the peer. A full
// send buffer here means the socket itself is the bottleneck; the connection
// is dropped rather than buffered without bound.
func (c *client) pollLoop(ctx context.Context) {
	defer c.close()
	for {
		event, err := c.syncer.Poll(ctx)
		if err != nil {
			return
		}
		frame := outboundFrame{
			Op:       string(event.Type),
			Targets:  event.Targets,
			Snapshot: event.Snapshot,
			Ops:      event.Ops,
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			c.logger.Error("marshal sync event", "error", err)
			continue
		}
		select {
		case c.send <- payload:
		case <-ctx.Done():
			return
		default:
			c.logger.Info("send buffer full, dropping connection")
			return
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		payload, err := c.conn.ReadMessage(ctx)
		if err != nil {
			return
		}
		metrics.Default().ObserveGatewayFrame("inbound")
		var frame inboundFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.sendError("invalid payload")
			continue
		}
		switch frame.Op {
		case "subscribe":
			c.handleSubscribe(ctx, frame)
		case "update_ranges":
			c.handleUpdateRanges(ctx, frame)
		case "unsubscribe":
			c.handleUnsubscribe(frame)
		case "ping":
			c.enqueue(outboundFrame{Op: "pong"})
		default:
			c.sendError("unknown command")
		}
	}
}

func (c *client) handleSubscribe(ctx context.Context, frame inboundFrame) {
	if frame.Target == nil {
		c.sendError("target required")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.gateway.requestTimeout)
	defer cancel()
	if err := c.syncer.Subscribe(reqCtx, *frame.Target, frame.Ranges); err != nil {
		c.sendError(protocolError(err))
		return
	}
	c.enqueue(outboundFrame{Op: "ack", Targets: []memberlist.Target{*frame.Target}})
}

func (c *client) handleUpdateRanges(ctx context.Context, frame inboundFrame) {
	if frame.Target == nil {
		c.sendError("target required")
		return
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.gateway.requestTimeout)
	defer cancel()
	if err := c.syncer.SetRanges(reqCtx, *frame.Target, frame.Ranges); err != nil {
		c.sendError(protocolError(err))
	}
}

func (c *client) handleUnsubscribe(frame inboundFrame) {
	if frame.Target == nil {
		c.sendError("target required")
		return
	}
	if err := c.syncer.Unsubscribe(*frame.Target); err != nil {
		c.sendError(protocolError(err))
	}
}

// protocolError reduces internal errors to stable wire codes. Missing and
// forbidden targets share one code on purpose; the response must not reveal
// whether a hidden channel exists.
func protocolError(err error) string {
	switch {
	case errors.Is(err, perm.ErrNotFound):
		return "not_found"
	case errors.Is(err, memberlist.ErrTooBig):
		return "too_big"
	case errors.Is(err, memberlist.ErrNotSubscribed):
		return "not_subscribed"
	case errors.Is(err, memberlist.ErrSyncerClosed), errors.Is(err, memberlist.ErrActorClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

func (c *client) enqueue(frame outboundFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) sendError(message string) {
	c.enqueue(outboundFrame{Op: "error", Error: message})
}

func (c *client) close() {
	c.closed.Do(func() {
		c.cancel()
		c.syncer.Close()
		close(c.send)
		_ = c.conn.Close()
		metrics.Default().ConnectionClosed()
	})
}
