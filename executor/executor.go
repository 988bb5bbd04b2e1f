// Package executor runs the execution service: a pool of workers pulls
// ready nodes from the execution queue, resolves each to an adapter through
// the site's provider table, drives the adapter's value stream, persists
// results in the content-addressed cache, routes responses and downstream
// inputs through the broker, and keeps per-request heartbeats alive.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/cache"
	"github.com/dfmesh/dfm/config"
	"github.com/dfmesh/dfm/pipeline"
)

type (
	// Options configures an Executor.
	Options struct {
		// Broker is the shared message and state substrate. Required.
		Broker *broker.Broker
		// Cache is the content-addressed result store. Required.
		Cache *cache.Cache
		// Classes is the api class registry. Required.
		Classes *pipeline.Registry
		// Adapters is the adapter implementation registry. Required.
		Adapters *adapter.Registry
		// Site is the site configuration with the provider table. Required.
		Site *config.SiteConfig
		// Workers is the worker pool size. Defaults to 8.
		Workers int
		// PopTimeout bounds each blocking pop on the execution queue so
		// workers notice shutdown. Defaults to 2 seconds.
		PopTimeout time.Duration
		// NodeTimeout is the per-node soft timeout. Defaults to 10 minutes.
		NodeTimeout time.Duration
		// UpstreamRetries is the retry budget for upstream-unavailable
		// failures. Defaults to 3.
		UpstreamRetries int
	}

	// Executor is the execution service. Construct with New, drive with
	// Run.
	Executor struct {
		broker          *broker.Broker
		cache           *cache.Cache
		adapters        *adapter.Registry
		site            *config.SiteConfig
		providers       map[string]adapter.ProviderInfo
		workers         int
		popTimeout      time.Duration
		nodeTimeout     time.Duration
		upstreamRetries int
		heartbeats      *heartbeatManager
	}
)

// New validates the options, builds the provider table, and returns a ready
// Executor.
func New(opts Options) (*Executor, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if opts.Classes == nil {
		return nil, fmt.Errorf("api class registry is required")
	}
	if opts.Adapters == nil {
		return nil, fmt.Errorf("adapter registry is required")
	}
	if opts.Site == nil {
		return nil, fmt.Errorf("site configuration is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = 2 * time.Second
	}
	if opts.NodeTimeout <= 0 {
		opts.NodeTimeout = 10 * time.Minute
	}
	if opts.UpstreamRetries <= 0 {
		opts.UpstreamRetries = 3
	}

	// Misconfigured bindings should fail service start, not the first node
	// that resolves them.
	for name, p := range opts.Site.Providers {
		for api := range p.Interface {
			if _, ok := opts.Classes.Lookup(api); !ok {
				return nil, fmt.Errorf("provider %s offers unregistered api class %s", name, api)
			}
			binding, _ := opts.Site.Binding(name, api)
			if _, ok := opts.Adapters.Lookup(binding.Adapter); !ok {
				return nil, fmt.Errorf("provider %s: adapter %q bound to %s is not registered", name, binding.Adapter, api)
			}
		}
	}

	providers, err := buildProviders(opts.Site)
	if err != nil {
		return nil, err
	}

	return &Executor{
		broker:          opts.Broker,
		cache:           opts.Cache,
		adapters:        opts.Adapters,
		site:            opts.Site,
		providers:       providers,
		workers:         opts.Workers,
		popTimeout:      opts.PopTimeout,
		nodeTimeout:     opts.NodeTimeout,
		upstreamRetries: opts.UpstreamRetries,
		heartbeats: newHeartbeatManager(opts.Broker, opts.Site.Site,
			time.Duration(opts.Site.HeartbeatInterval)),
	}, nil
}

// buildProviders materializes the immutable provider views adapters receive,
// including their blob stores.
func buildProviders(site *config.SiteConfig) (map[string]adapter.ProviderInfo, error) {
	providers := make(map[string]adapter.ProviderInfo, len(site.Providers))
	for name, p := range site.Providers {
		info := adapter.ProviderInfo{Name: name, Description: p.Description}
		if p.Blob != nil {
			switch p.Blob.Protocol {
			case "file":
				store, err := cache.NewLocalStore(p.Blob.BaseURL)
				if err != nil {
					return nil, fmt.Errorf("provider %s: %w", name, err)
				}
				info.Blobs = store
			default:
				return nil, fmt.Errorf("provider %s: unsupported blob protocol %q", name, p.Blob.Protocol)
			}
		}
		providers[name] = info
	}
	return providers, nil
}

// Run starts the worker pool and blocks until the context is canceled. The
// heartbeat manager is drained before Run returns.
func (e *Executor) Run(ctx context.Context) error {
	log.Infof(ctx, "executor started")
	log.Info(ctx, log.KV{K: "site", V: e.site.Site}, log.KV{K: "workers", V: e.workers})

	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			e.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	e.heartbeats.Shutdown()
	log.Infof(ctx, "executor stopped")
	return nil
}

// workerLoop pulls and handles work items until the context is canceled.
func (e *Executor) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok, err := e.broker.PopReady(ctx, e.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error(ctx, err, log.KV{K: "worker", V: worker}, log.KV{K: "msg", V: "pop ready"})
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			continue
		}
		e.handle(ctx, item)
	}
}
