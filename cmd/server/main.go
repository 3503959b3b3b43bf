// Command server starts the DriftChat member-list sync service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"driftchat/internal/gateway"
	"driftchat/internal/memberlist"
	"driftchat/internal/observability/logging"
	"driftchat/internal/observability/metrics"
	"driftchat/internal/perm"
	"driftchat/internal/roomstate"
	"driftchat/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	tokenPepper := flag.String("token-pepper", "", "pepper mixed into session token hashing")
	heartbeat := flag.Duration("heartbeat-interval", 30*time.Second, "WebSocket ping interval, 0 disables")
	cacheCapacity := flag.Int("perm-cache-capacity", 0, "permission cache capacity")
	feedDriver := flag.String("feed-driver", "", "room event feed driver (memory or redis)")
	feedRedisAddr := flag.String("feed-redis-addr", "", "Redis address for the room event feed")
	feedRedisAddrs := flag.String("feed-redis-addrs", "", "comma separated Redis addresses for the room event feed")
	feedRedisUsername := flag.String("feed-redis-username", "", "Redis username for the room event feed")
	feedRedisPassword := flag.String("feed-redis-password", "", "Redis password for the room event feed")
	feedRedisChannel := flag.String("feed-redis-channel", "", "Redis pub/sub channel carrying room events")
	feedRedisMasterName := flag.String("feed-redis-sentinel-master", "", "Redis sentinel master name for the room event feed")
	feedRedisPoolSize := flag.Int("feed-redis-pool-size", 0, "maximum Redis connections for the room event feed")
	feedRedisTLSCA := flag.String("feed-redis-tls-ca", "", "path to Redis TLS CA certificate")
	feedRedisTLSCert := flag.String("feed-redis-tls-cert", "", "path to Redis TLS client certificate")
	feedRedisTLSKey := flag.String("feed-redis-tls-key", "", "path to Redis TLS client key")
	feedRedisTLSServerName := flag.String("feed-redis-tls-server-name", "", "override Redis TLS server name")
	feedRedisTLSSkipVerify := flag.Bool("feed-redis-tls-skip-verify", false, "skip Redis TLS verification")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string for room-state hydration")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresConnectTimeout := flag.Duration("postgres-connect-timeout", 0, "timeout when establishing Postgres connections")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCHAT_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCHAT_LOG_FORMAT")),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("DRIFTCHAT_ADDR"), ":8080")
	pepper := firstNonEmpty(*tokenPepper, os.Getenv("DRIFTCHAT_TOKEN_PEPPER"))
	if pepper == "" {
		logger.Error("token pepper is required (set --token-pepper or DRIFTCHAT_TOKEN_PEPPER)")
		os.Exit(1)
	}

	feed, feedCloser, err := configureFeed(*feedDriver, roomstate.RedisFeedConfig{
		Addr:       firstNonEmpty(*feedRedisAddr, os.Getenv("DRIFTCHAT_FEED_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*feedRedisAddrs, os.Getenv("DRIFTCHAT_FEED_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*feedRedisUsername, os.Getenv("DRIFTCHAT_FEED_REDIS_USERNAME")),
		Password:   firstNonEmpty(*feedRedisPassword, os.Getenv("DRIFTCHAT_FEED_REDIS_PASSWORD")),
		Channel:    firstNonEmpty(*feedRedisChannel, os.Getenv("DRIFTCHAT_FEED_REDIS_CHANNEL")),
		MasterName: firstNonEmpty(*feedRedisMasterName, os.Getenv("DRIFTCHAT_FEED_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*feedRedisPoolSize, "DRIFTCHAT_FEED_REDIS_POOL_SIZE"),
		TLS: roomstate.RedisTLSConfig{
			CAFile:             firstNonEmpty(*feedRedisTLSCA, os.Getenv("DRIFTCHAT_FEED_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*feedRedisTLSCert, os.Getenv("DRIFTCHAT_FEED_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*feedRedisTLSKey, os.Getenv("DRIFTCHAT_FEED_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*feedRedisTLSServerName, os.Getenv("DRIFTCHAT_FEED_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*feedRedisTLSSkipVerify, "DRIFTCHAT_FEED_REDIS_TLS_SKIP_VERIFY"),
		},
	}, logger)
	if err != nil {
		logger.Error("failed to configure room event feed", "error", err)
		os.Exit(1)
	}

	store := roomstate.NewStore(feed, roomstate.WithLogger(logging.WithComponent(logger, "roomstate")))

	bootCtx, bootCancel := context.WithTimeout(context.Background(), time.Minute)
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("DRIFTCHAT_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
	var loader *roomstate.PostgresLoader
	if dsn != "" {
		loader, err = roomstate.NewPostgresLoader(bootCtx, roomstate.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "DRIFTCHAT_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "DRIFTCHAT_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "DRIFTCHAT_POSTGRES_MAX_CONN_LIFETIME"),
			MaxConnIdleTime: resolveDuration(*postgresMaxConnIdle, "DRIFTCHAT_POSTGRES_MAX_CONN_IDLE"),
			ConnectTimeout:  resolveDuration(*postgresConnectTimeout, "DRIFTCHAT_POSTGRES_CONNECT_TIMEOUT"),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("DRIFTCHAT_POSTGRES_APP_NAME")),
		})
		if err != nil {
			logger.Error("failed to open Postgres", "error", err)
			os.Exit(1)
		}
		if err := loader.LoadInto(bootCtx, store); err != nil {
			logger.Error("failed to hydrate room state", "error", err)
			os.Exit(1)
		}
		logger.Info("room state hydrated from Postgres")
	} else {
		logger.Info("no Postgres DSN configured, starting with empty room state")
	}
	bootCancel()

	calc := perm.NewCalculator(store)
	capacity := resolveInt(*cacheCapacity, "DRIFTCHAT_PERM_CACHE_CAPACITY")
	if capacity <= 0 {
		capacity = perm.DefaultCacheCapacity
	}
	cache, err := perm.NewCache(calc, capacity)
	if err != nil {
		logger.Error("failed to build permission cache", "error", err)
		os.Exit(1)
	}

	engine := memberlist.NewEngine(memberlist.EngineConfig{
		Store:  store,
		Calc:   calc,
		Cache:  cache,
		Feed:   feed,
		Logger: logger,
	})
	engineCtx, engineCancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := engine.Run(engineCtx); err != nil && engineCtx.Err() == nil {
			logger.Error("member list engine stopped", "error", err)
		}
	}()

	gw := gateway.NewGateway(gateway.Config{
		Engine:            engine,
		Store:             store,
		Logger:            logging.WithComponent(logger, "gateway"),
		TokenPepper:       pepper,
		HeartbeatInterval: *heartbeat,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleConnection)
	mux.Handle("/metrics", metrics.Default().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("DriftChat sync service listening", "addr", listenAddr)
	err = serverutil.Run(runCtx, serverutil.Config{
		Server: &http.Server{Addr: listenAddr, Handler: mux},
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DRIFTCHAT_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DRIFTCHAT_TLS_KEY")),
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("server error", "error", err)
	}

	engineCancel()
	<-engineDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if feedCloser != nil {
		if err := feedCloser(); err != nil {
			logger.Warn("failed to close room event feed", "error", err)
		}
	}
	if loader != nil {
		if err := loader.Close(shutdownCtx); err != nil {
			logger.Warn("failed to close Postgres pool", "error", err)
		}
	}
	logger.Info("server stopped")
}

func configureFeed(driver string, cfg roomstate.RedisFeedConfig, logger *slog.Logger) (roomstate.Feed, func() error, error) {
	driver = strings.ToLower(strings.TrimSpace(firstNonEmpty(driver, os.Getenv("DRIFTCHAT_FEED_DRIVER"))))
	switch driver {
	case "redis":
		cfg.Logger = logging.WithComponent(logger, "feed")
		feed, err := roomstate.NewRedisFeed(cfg)
		if err != nil {
			return nil, nil, err
		}
		closer := func() error {
			if c, ok := feed.(interface{ Close() error }); ok {
				return c.Close()
			}
			return nil
		}
		return feed, closer, nil
	case "", "memory":
		return roomstate.NewMemoryFeed(128), nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported feed driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
