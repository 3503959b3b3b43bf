package roomstate

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisFeedConfig configures the Redis-backed room event feed.
type RedisFeedConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Channel      string
	Logger       *slog.Logger
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Buffer       int
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisFeed initialises a feed bridged over Redis pub/sub. Unlike the
// in-memory feed, events published here reach the subscribers of every node
// sharing the Redis channel, which is what keeps actor state converging in
// multi-node deployments. The caller is responsible for ensuring the Redis
// instance is reachable.
func NewRedisFeed(cfg RedisFeedConfig) (Feed, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "driftchat:roomstate"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	feed := &redisFeed{
		client:  client,
		channel: channel,
		logger:  cfg.Logger,
		buffer:  cfg.Buffer,
	}
	if feed.logger == nil {
		feed.logger = slog.Default()
	}
	return feed, nil
}

type redisFeed struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	buffer  int
}

func (f *redisFeed) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

func (f *redisFeed) Subscribe() Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &redisFeedSubscription{
		feed:   f,
		cancel: cancel,
		ch:     make(chan Event, f.buffer),
	}
	go sub.run(ctx)
	return sub
}

// Close releases the underlying Redis client.
func (f *redisFeed) Close() error {
	return f.client.Close()
}

type redisFeedSubscription struct {
	feed   *redisFeed
	cancel context.CancelFunc

	once sync.Once
	ch   chan Event
}

func (s *redisFeedSubscription) Events() <-chan Event {
	return s.ch
}

// Close stops the bridge. Only the run goroutine closes the event channel,
// after its last send; closing it here would race a concurrent delivery.
func (s *redisFeedSubscription) Close() {
	s.once.Do(s.cancel)
}

func (s *redisFeedSubscription) run(ctx context.Context) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pubsub := s.feed.client.Subscribe(ctx, s.feed.channel)
		if err := s.drain(ctx, pubsub); err != nil {
			if errors.Is(err, context.Canceled) {
				pubsub.Close()
				return
			}
			if s.feed.logger != nil {
				s.feed.logger.Warn("redis feed subscription failed, retrying", "error", err)
			}
		}
		pubsub.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (s *redisFeedSubscription) drain(ctx context.Context, pubsub *redis.PubSub) error {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			if s.feed.logger != nil {
				s.feed.logger.Error("redis feed decode failed", "error", err)
			}
			continue
		}
		select {
		case s.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Same contract as the in-memory feed: never block the
			// bridge on a slow local consumer, but leave a lag
			// marker so it rebuilds instead of going stale.
			markLagged(s.ch)
		}
	}
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsConfig := &tls.Config{
		ServerName:         strings.TrimSpace(cfg.ServerName),
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse redis CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("redis TLS requires both cert and key files")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
