// Package process implements the ingress service. It accepts pipeline
// submissions over HTTP, verifies and optimizes them, seeds the initial
// ready set through the broker, and serves response polling and
// cancellation.
package process

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/config"
	"github.com/dfmesh/dfm/pipeline"
)

type (
	// Options configures the ingress service.
	Options struct {
		// Broker is the shared message and state substrate. Required.
		Broker *broker.Broker
		// Classes is the api class registry. Required.
		Classes *pipeline.Registry
		// Site is the site configuration with the provider table. Required.
		Site *config.SiteConfig
		// Version is the version string reported by the version operation.
		Version string
		// Auth guards the HTTP surface. Defaults to no authentication.
		Auth Authenticator
		// MaxPollWait caps the blocking window of the responses operation
		// regardless of the client's timeout_ms. Defaults to 5 seconds.
		MaxPollWait time.Duration
		// MaxBatch caps the number of envelopes returned per poll.
		// Defaults to 100.
		MaxBatch int
	}

	// Service is the ingress service. Construct with New; mount Handler on
	// a server or drive Run directly.
	Service struct {
		broker      *broker.Broker
		classes     *pipeline.Registry
		site        *config.SiteConfig
		version     string
		auth        Authenticator
		maxPollWait time.Duration
		maxBatch    int
		router      chi.Router
	}
)

// New validates the options and builds the service with its routes.
func New(opts Options) (*Service, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.Classes == nil {
		return nil, fmt.Errorf("api class registry is required")
	}
	if opts.Site == nil {
		return nil, fmt.Errorf("site configuration is required")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Auth == nil {
		opts.Auth = AuthNone{}
	}
	if opts.MaxPollWait <= 0 {
		opts.MaxPollWait = 5 * time.Second
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 100
	}

	s := &Service{
		broker:      opts.Broker,
		classes:     opts.Classes,
		site:        opts.Site,
		version:     opts.Version,
		auth:        opts.Auth,
		maxPollWait: opts.MaxPollWait,
		maxBatch:    opts.MaxBatch,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireAuth(s.auth))
		r.Get("/version", s.handleVersion)
		r.Get("/discover", s.handleDiscover)
		r.Post("/process", s.handleProcess)
		r.Get("/responses/{request_id}", s.handleResponses)
		r.Post("/cancel/{request_id}", s.handleCancel)
	})
	s.router = r
	return s, nil
}

// Handler exposes the service routes.
func (s *Service) Handler() http.Handler { return s.router }

// Run serves HTTP on addr until the context is canceled, then shuts down
// gracefully.
func (s *Service) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info(ctx, log.KV{K: "msg", V: "ingress listening"}, log.KV{K: "addr", V: addr})

	select {
	case err := <-errCh:
		return fmt.Errorf("serve ingress: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ingress: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
