// Package broker implements the shared message and state substrate over
// Redis. All inter-service coupling goes through it: the execution queue, the
// delayed-work schedule, per-request records and response queues, input port
// buffers, mailboxes, and the idempotence claims used by the scheduler and
// executor.
//
// Keyspace:
//
//	exec:queue                      FIFO list of work items
//	sched:delayed                   sorted set of work items keyed by due ms
//	sched:wake                      pub/sub channel for scheduler wake-up
//	sched:claim:<run_id>            claim sentinel for idempotent promotion
//	request:<id>                    hash: pipeline, states, fingerprints, ...
//	response:<id>                   FIFO list of response envelopes
//	input:<id>:<node>:<port>        FIFO list of upstream values
//	input:<id>:<node>:<port>:done   set when the upstream closed the port
//	ready:<id>:<node>               enqueue-once sentinel
//	mail:<id>:<box>                 per-request mailbox cell
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

type (
	// Broker wraps a Redis client with the runtime's keyspace operations.
	// It is safe for concurrent use.
	Broker struct {
		rdb        redis.UniversalClient
		ttl        time.Duration
		maxRetries int
	}

	// WorkItem identifies one node of one request on a queue.
	WorkItem struct {
		RequestID string `json:"request_id"`
		NodeID    string `json:"node_id"`
	}

	// Option configures a Broker.
	Option func(*Broker)
)

const (
	execQueueKey  = "exec:queue"
	delayedKey    = "sched:delayed"
	wakeChannel   = "sched:wake"
	schedClaimKey = "sched:claim:"
)

// ErrNoSuchRequest is returned by request operations when the request record
// does not exist (never created, deleted, or expired).
var ErrNoSuchRequest = errors.New("no such request")

// WithTTL overrides the retention of per-request keys. Keys are refreshed on
// activity, so the TTL doubles as the request hard timeout. Default one hour.
func WithTTL(d time.Duration) Option {
	return func(b *Broker) { b.ttl = d }
}

// WithMaxRetries overrides the transient-error retry budget. Default five.
func WithMaxRetries(n int) Option {
	return func(b *Broker) { b.maxRetries = n }
}

// New returns a Broker over the given Redis client. The caller owns the
// client's lifecycle.
func New(rdb redis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		rdb:        rdb,
		ttl:        time.Hour,
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// retry runs op, retrying transient failures with exponential backoff up to
// the configured budget. Context and not-found errors are not retried.
func (b *Broker) retry(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, redis.Nil) || errors.Is(err, ErrNoSuchRequest) ||
			errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(uint(b.maxRetries)))
	return err
}

// ClaimOnce atomically acquires a named claim with the given expiry. It
// returns false when another holder already owns the claim. Used to make
// delayed promotions and node enqueues idempotent.
func (b *Broker) ClaimOnce(ctx context.Context, name string, expiry time.Duration) (bool, error) {
	ok, err := b.rdb.SetNX(ctx, name, "1", expiry).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}
