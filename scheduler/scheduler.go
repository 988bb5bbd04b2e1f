// Package scheduler runs the delayed-work service. Its single
// responsibility is moving nodes from the delayed schedule to the execution
// queue when their due time arrives. It never inspects node params or api
// classes.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/broker"
)

type (
	// Options configures a Scheduler.
	Options struct {
		// Broker is the shared message substrate. Required.
		Broker *broker.Broker
		// MaxIdle bounds the sleep between polls when no delayed work
		// exists and no wake-up arrives. Defaults to 5 seconds.
		MaxIdle time.Duration
		// ClaimTTL is the expiry of the per-promotion idempotence claim.
		// Defaults to one minute.
		ClaimTTL time.Duration
	}

	// Scheduler promotes due work items. Construct with New, drive with
	// Run.
	Scheduler struct {
		broker   *broker.Broker
		maxIdle  time.Duration
		claimTTL time.Duration
	}
)

// New validates the options and returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Broker == nil {
		return nil, fmt.Errorf("broker is required")
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 5 * time.Second
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Minute
	}
	return &Scheduler{
		broker:   opts.Broker,
		maxIdle:  opts.MaxIdle,
		claimTTL: opts.ClaimTTL,
	}, nil
}

// Run drives the promotion loop until the context is canceled. Broker
// failures are retried with exponential backoff; the scheduler keeps no
// local state.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Infof(ctx, "scheduler started")
	sub := s.broker.SubscribeWake(ctx)
	defer sub.Close()
	wake := sub.Channel()

	for {
		if ctx.Err() != nil {
			log.Infof(ctx, "scheduler stopped")
			return nil
		}
		idle, err := s.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error(ctx, err, log.KV{K: "msg", V: "promotion tick"})
			if err := s.backoffWait(ctx); err != nil {
				return nil
			}
			continue
		}
		if idle <= 0 {
			continue
		}
		timer := time.NewTimer(idle)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Infof(ctx, "scheduler stopped")
			return nil
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick promotes every due item and returns how long to sleep until the next
// one is due. A zero result means more work may be immediately available.
func (s *Scheduler) tick(ctx context.Context) (time.Duration, error) {
	for {
		item, due, ok, err := s.broker.PeekDelayed(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return s.maxIdle, nil
		}
		wait := time.Until(due)
		if wait > 0 {
			if wait > s.maxIdle {
				wait = s.maxIdle
			}
			return wait, nil
		}
		if err := s.promote(ctx, item, due); err != nil {
			return 0, err
		}
	}
}

// promote atomically moves one due item to the execution queue. The
// per-promotion claim keeps concurrent schedulers from emitting duplicate
// READY transitions even if the move races.
func (s *Scheduler) promote(ctx context.Context, item broker.WorkItem, due time.Time) error {
	moved, err := s.broker.PromoteDue(ctx, item)
	if err != nil {
		return fmt.Errorf("promote item: %w", err)
	}
	if !moved {
		// Another scheduler instance won the move.
		return nil
	}
	runID := fmt.Sprintf("%s:%s:%d", item.RequestID, item.NodeID, due.UnixMilli())
	claimed, err := s.broker.ClaimPromotion(ctx, runID, s.claimTTL)
	if err != nil {
		return fmt.Errorf("claim promotion: %w", err)
	}
	if !claimed {
		// The READY transition for this promotion round was already
		// emitted.
		return nil
	}
	log.Info(ctx, log.KV{K: "msg", V: "promoted delayed node"},
		log.KV{K: "request_id", V: item.RequestID}, log.KV{K: "node_id", V: item.NodeID})
	if err := s.broker.MarkReady(ctx, item.RequestID, item.NodeID); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return nil
}

// backoffWait sleeps through one exponential backoff step after a broker
// failure.
func (s *Scheduler) backoffWait(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	d := b.NextBackOff()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
