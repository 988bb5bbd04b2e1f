// Command dfm-scheduler runs the delayed-work service. It promotes nodes
// from the delayed schedule to the execution queue when their due time
// arrives. Multiple instances may run concurrently against the same Redis;
// promotion is idempotent.
//
// # Configuration
//
// Environment variables:
//
//	DFM_MAX_IDLE    - Longest sleep between polls (default: "5s")
//	REDIS_URL       - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD  - Redis password (optional)
//	LOG_FORMAT      - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/scheduler"
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
	redisURL := envOr("REDIS_URL", "localhost:6379")
	redisPassword := os.Getenv("REDIS_PASSWORD")
	maxIdle := envDurationOr("DFM_MAX_IDLE", 5*time.Second)

	rdb := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: redisPassword,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	sched, err := scheduler.New(scheduler.Options{
		Broker:  broker.New(rdb),
		MaxIdle: maxIdle,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return sched.Run(ctx)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
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
