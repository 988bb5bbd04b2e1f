// Command dfm-process runs the ingress service. It accepts pipeline
// submissions over HTTP, verifies them against the site configuration, and
// serves response polling and cancellation.
//
// # Configuration
//
// Environment variables:
//
//	DFM_ADDR          - HTTP listen address (default: ":8000")
//	DFM_SITE_CONFIG   - Path to the site configuration YAML (default: "site.yaml")
//	DFM_VERSION       - Version string reported by /version (default: "dev")
//	DFM_AUTH_METHOD   - "none" or "api_key" (default: "none")
//	DFM_AUTH_API_KEY  - Shared secret when DFM_AUTH_METHOD=api_key
//	REDIS_URL         - Redis connection URL (default: "localhost:6379")
//	REDIS_PASSWORD    - Redis password (optional)
//	LOG_FORMAT        - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/adapter/builtin"
	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/config"
	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/process"
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
	addr := envOr("DFM_ADDR", ":8000")
	configPath := envOr("DFM_SITE_CONFIG", "site.yaml")
	version := envOr("DFM_VERSION", "dev")
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

	// The ingress only verifies pipelines; the adapter registry is needed
	// solely to satisfy registration and is discarded.
	classes := pipeline.NewRegistry()
	builtin.MustRegister(classes, adapter.NewRegistry())

	var auth process.Authenticator
	switch method := envOr("DFM_AUTH_METHOD", "none"); method {
	case "none":
		auth = process.AuthNone{}
	case "api_key":
		key := os.Getenv("DFM_AUTH_API_KEY")
		if key == "" {
			return fmt.Errorf("DFM_AUTH_API_KEY is required with DFM_AUTH_METHOD=api_key")
		}
		auth = process.NewAuthAPIKey(key)
	default:
		return fmt.Errorf("unknown DFM_AUTH_METHOD %q", method)
	}

	svc, err := process.New(process.Options{
		Broker:  broker.New(rdb),
		Classes: classes,
		Site:    site,
		Version: version,
		Auth:    auth,
	})
	if err != nil {
		return fmt.Errorf("create ingress service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, log.KV{K: "msg", V: "starting ingress"},
		log.KV{K: "addr", V: addr}, log.KV{K: "site", V: site.Site})
	return svc.Run(ctx, addr)
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
