// Command dfm-executor runs the execution service. Its workers pop ready
// nodes from the execution queue, dispatch the bound adapters, stream
// values downstream through the broker, and maintain the node cache.
//
// # Configuration
//
// Environment variables:
//
//	DFM_SITE_CONFIG     - Path to the site configuration YAML (default: "site.yaml")
//	DFM_WORKERS         - Worker pool size (default: 8)
//	DFM_NODE_TIMEOUT    - Per-node activation deadline (default: "10m")
//	DFM_CACHE_BUDGET    - Cache byte budget before LRU eviction (default: 0, unlimited)
//	REDIS_URL           - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD      - Redis password (optional)
//	LOG_FORMAT          - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/adapter/builtin"
	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/cache"
	"github.com/dfmesh/dfm/config"
	"github.com/dfmesh/dfm/executor"
	"github.com/dfmesh/dfm/pipeline"
)

func main() {
	format := log.FormatText
	if os.Getenv("LOG_FORMAT") == "json" {
		format = log.FormatJSON
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if err := run(ctx); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context) error {
	configPath := envOr("DFM_SITE_CONFIG", "site.yaml")
	workers := envIntOr("DFM_WORKERS", 8)
	nodeTimeout := envDurationOr("DFM_NODE_TIMEOUT", 10*time.Minute)
	cacheBudget := envInt64Or("DFM_CACHE_BUDGET", 0)
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")

	site, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load site configuration: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	classes := pipeline.NewRegistry()
	adapters := adapter.NewRegistry()
	builtin.MustRegister(classes, adapters)

	exec, err := executor.New(executor.Options{
		Broker:      broker.New(rdb),
		Cache:       cache.New(rdb, cache.WithByteBudget(cacheBudget)),
		Classes:     classes,
		Adapters:    adapters,
		Site:        site,
		Workers:     workers,
		NodeTimeout: nodeTimeout,
	})
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, log.KV{K: "msg", V: "starting executor"},
		log.KV{K: "site", V: site.Site}, log.KV{K: "workers", V: workers})
	return exec.Run(ctx)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envIntOr returns the environment variable as int or a default.
func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// envInt64Or returns the environment variable as int64 or a default.
func envInt64Or(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

// envDurationOr returns the environment variable as duration or a default.
func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
