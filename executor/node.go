package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/dfmesh/dfm/adapter"
	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

// handle runs one work item end to end: claim checks, cache lookup or
// adapter execution, value routing, and completion or failure bookkeeping.
func (e *Executor) handle(ctx context.Context, item broker.WorkItem) {
	ctx = log.With(ctx, log.KV{K: "request_id", V: item.RequestID}, log.KV{K: "node_id", V: item.NodeID})

	rec, err := e.broker.LoadRequest(ctx, item.RequestID)
	if err != nil {
		if errors.Is(err, broker.ErrNoSuchRequest) {
			log.Debugf(ctx, "dropping work for expired request")
			return
		}
		log.Error(ctx, err, log.KV{K: "msg", V: "load request"})
		return
	}
	node, ok := rec.Pipeline.Node(item.NodeID)
	if !ok {
		log.Debugf(ctx, "dropping work for unknown node")
		return
	}
	state, err := e.broker.NodeState(ctx, rec.ID, node.ID)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "read node state"})
		return
	}
	if state.Terminal() {
		return
	}

	// Drain cancelled requests on pick.
	if cancelled, err := e.broker.Cancelled(ctx, rec.ID); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "read cancel flag"})
		return
	} else if cancelled {
		e.cancelNode(ctx, rec, node, "request cancelled")
		return
	}

	e.heartbeats.Ensure(rec.ID)
	defer e.heartbeats.MaybeStop(ctx, rec)

	if err := e.broker.SetNodeState(ctx, rec.ID, node.ID, response.StateRunning); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark running"})
		return
	}
	if err := e.broker.PushResponse(ctx, response.NewStatus(rec.ID, node.ID, response.StateRunning, "")); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "send running status"})
	}

	continuation, err := e.broker.TakeContinuation(ctx, rec.ID, node.ID)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "take continuation"})
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()
	stopWatch := e.watchCancellation(nodeCtx, cancel, rec.ID)
	defer stopWatch()

	err = e.activate(nodeCtx, rec, node, continuation)
	switch {
	case err == nil:
		e.complete(ctx, rec, node)
	case errors.Is(err, adapter.ErrSuspended):
		// The adapter parked itself on the delayed schedule. Reset to
		// PENDING so the promotion transitions it back through READY.
		if serr := e.broker.SetNodeState(ctx, rec.ID, node.ID, response.StatePending); serr != nil {
			log.Error(ctx, serr, log.KV{K: "msg", V: "mark suspended"})
		}
	default:
		e.fail(ctx, rec, node, err)
	}
}

// activate streams the node's values, from the cache when possible,
// otherwise by running its adapter under the fingerprint builder lock.
func (e *Executor) activate(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, continuation []byte) error {
	fp, err := e.broker.Fingerprint(ctx, rec.ID, node.ID)
	if err != nil {
		return fmt.Errorf("resolve fingerprint: %w", err)
	}

	// Resumed activations always run the adapter; the continuation is the
	// adapter's own state, not a cacheable value stream.
	if !node.ForceCompute && continuation == nil {
		if served, err := e.serveFromCache(ctx, rec, node, fp); err != nil {
			return err
		} else if served {
			nodeCacheHits.Inc()
			return nil
		}
		nodeCacheMisses.Inc()
	}
	return e.runAdapter(ctx, rec, node, fp, continuation)
}

// serveFromCache replays a sealed value stream. When another producer holds
// the builder lock it waits for the seal instead of computing twice.
func (e *Executor) serveFromCache(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, fp string) (bool, error) {
	values, hit, err := e.cache.Get(ctx, fp)
	if err != nil {
		return false, fmt.Errorf("cache lookup: %w", err)
	}
	if !hit {
		locked, err := e.cache.Locked(ctx, fp)
		if err != nil {
			return false, fmt.Errorf("cache lock check: %w", err)
		}
		if !locked {
			return false, nil
		}
		log.Debugf(ctx, "fingerprint under construction, awaiting seal")
		sealed, err := e.cache.WaitSealed(ctx, fp, e.nodeTimeout)
		if err != nil {
			return false, fmt.Errorf("await seal: %w", err)
		}
		if !sealed {
			// The builder lock expired without a seal; compute locally.
			return false, nil
		}
		values, hit, err = e.cache.Get(ctx, fp)
		if err != nil || !hit {
			return false, err
		}
	}
	for _, v := range values {
		if err := e.deliver(ctx, rec, node, json.RawMessage(v)); err != nil {
			return false, err
		}
	}
	return true, nil
}

// runAdapter resolves the adapter binding and drives its body, caching
// yielded values under the builder lock. Upstream-unavailable failures are
// retried while nothing has been emitted yet.
func (e *Executor) runAdapter(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, fp string, continuation []byte) error {
	binding, ok := e.site.Binding(node.ProviderName(), node.APIClass)
	if !ok {
		return fmt.Errorf("provider %q does not offer %s", node.ProviderName(), node.APIClass)
	}
	factory, ok := e.adapters.Lookup(binding.Adapter)
	if !ok {
		return fmt.Errorf("adapter %q is not registered", binding.Adapter)
	}

	owner := uuid.NewString()
	building := false
	if acquired, err := e.cache.AcquireBuild(ctx, fp, owner); err != nil {
		return fmt.Errorf("acquire builder lock: %w", err)
	} else if acquired {
		building = true
		defer e.cache.ReleaseBuild(context.WithoutCancel(ctx), fp, owner)
	} else if !node.ForceCompute && continuation == nil {
		// Lost the build race; wait for the winner's seal.
		if served, err := e.serveFromCache(ctx, rec, node, fp); err != nil {
			return err
		} else if served {
			return nil
		}
	}

	inputs := make([]adapter.Stream, len(node.Inputs))
	for port := range node.Inputs {
		inputs[port] = &portStream{
			broker:    e.broker,
			requestID: rec.ID,
			nodeID:    node.ID,
			port:      port,
		}
	}
	inv := adapter.Invocation{
		Node:         node,
		Params:       node.Params,
		Settings:     binding.Settings,
		Provider:     e.providers[node.ProviderName()],
		Inputs:       inputs,
		Request:      adapter.NewRequestHandle(e.site.Site, rec.ID, e.broker),
		Continuation: continuation,
	}

	index := 0
	emit := func(ctx context.Context, value json.RawMessage) error {
		if building {
			if err := e.cache.Put(ctx, fp, index, []byte(value)); err != nil {
				return err
			}
		}
		index++
		return e.deliver(ctx, rec, node, value)
	}

	run := func() error {
		a, err := factory(inv)
		if err != nil {
			return err
		}
		return a.Body(ctx, emit)
	}

	err := run()
	for attempt := 1; errors.Is(err, adapter.ErrUpstreamUnavailable) && attempt <= e.upstreamRetries && index == 0; attempt++ {
		log.Warn(ctx, log.KV{K: "msg", V: "upstream unavailable, retrying"}, log.KV{K: "attempt", V: attempt})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
		err = run()
	}
	if err != nil {
		if building {
			// Partial unsealed streams must not be observable.
			if ierr := e.cache.Invalidate(context.WithoutCancel(ctx), fp); ierr != nil {
				log.Error(ctx, ierr, log.KV{K: "msg", V: "invalidate partial cache entry"})
			}
		}
		return err
	}
	if building {
		if err := e.cache.Seal(ctx, fp); err != nil {
			return fmt.Errorf("seal cache entry: %w", err)
		}
	}
	return nil
}

// deliver routes one produced value: to the client queue for output nodes
// and to every downstream consumer's port buffer, re-checking readiness of
// unary consumers.
func (e *Executor) deliver(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, value json.RawMessage) error {
	if node.IsOutput {
		if err := e.broker.PushResponse(ctx, response.NewValue(rec.ID, node.ID, value)); err != nil {
			return fmt.Errorf("send value: %w", err)
		}
	}
	for _, consumer := range rec.Pipeline.Consumers(node.ID) {
		for port, in := range consumer.Inputs {
			if in != node.ID {
				continue
			}
			if err := e.broker.PushInput(ctx, rec.ID, consumer.ID, port, value); err != nil {
				return fmt.Errorf("feed %s[%d]: %w", consumer.ID, port, err)
			}
		}
		if _, err := e.broker.CheckEnqueue(ctx, rec, consumer.ID); err != nil {
			return err
		}
	}
	return nil
}

// complete marks the node COMPLETED, closes its consumer ports, and wakes
// dependents whose readiness this transition may have satisfied.
func (e *Executor) complete(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node) {
	// A cascade may have settled the node while its body drained a port an
	// upstream failure closed.
	if st, err := e.broker.NodeState(ctx, rec.ID, node.ID); err == nil && st.Terminal() {
		return
	}
	e.closeConsumerPorts(ctx, rec, node.ID)
	if err := e.broker.SetNodeState(ctx, rec.ID, node.ID, response.StateCompleted); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark completed"})
		return
	}
	if err := e.broker.PushResponse(ctx, response.NewStatus(rec.ID, node.ID, response.StateCompleted, "")); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "send completed status"})
	}
	nodesCompleted.Inc()
	e.wakeDependents(ctx, rec, node)
}

// closeConsumerPorts closes every input port the node feeds. Downstream
// bodies blocked on a port observe the close instead of waiting out their
// node timeout.
func (e *Executor) closeConsumerPorts(ctx context.Context, rec *broker.RequestRecord, nodeID string) {
	for _, consumer := range rec.Pipeline.Consumers(nodeID) {
		for port, in := range consumer.Inputs {
			if in != nodeID {
				continue
			}
			if err := e.broker.CloseInput(ctx, rec.ID, consumer.ID, port); err != nil {
				log.Error(ctx, err, log.KV{K: "msg", V: "close consumer port"}, log.KV{K: "consumer", V: consumer.ID})
			}
		}
	}
}

// wakeDependents re-checks readiness of the node's consumers and after
// dependents.
func (e *Executor) wakeDependents(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node) {
	seen := map[string]bool{}
	for _, dep := range rec.Pipeline.Consumers(node.ID) {
		seen[dep.ID] = true
		if _, err := e.broker.CheckEnqueue(ctx, rec, dep.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "enqueue consumer"}, log.KV{K: "dependent", V: dep.ID})
		}
	}
	for _, dep := range rec.Pipeline.AfterDependents(node.ID) {
		if seen[dep.ID] {
			continue
		}
		if _, err := e.broker.CheckEnqueue(ctx, rec, dep.ID); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "enqueue dependent"}, log.KV{K: "dependent", V: dep.ID})
		}
	}
}

// fail classifies the error, marks the node FAILED or CANCELLED, emits the
// error envelope, and cancels the transitive dependents. Sibling subgraphs
// keep running.
func (e *Executor) fail(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, cause error) {
	kind := response.ErrInternal
	state := response.StateFailed
	switch {
	case errors.Is(cause, adapter.ErrBadInput):
		kind = response.ErrAdapterBadInput
	case errors.Is(cause, adapter.ErrUpstreamUnavailable):
		kind = response.ErrUpstreamUnavailable
	case errors.Is(cause, context.DeadlineExceeded), errors.Is(cause, context.Canceled):
		kind = response.ErrCancelled
		state = response.StateCancelled
	}
	log.Error(ctx, cause, log.KV{K: "msg", V: "node failed"}, log.KV{K: "kind", V: string(kind)})

	// A cascade from a concurrent failure may already have settled the node;
	// a second terminal envelope would confuse stop-node tracking.
	if st, err := e.broker.NodeState(ctx, rec.ID, node.ID); err == nil && st.Terminal() {
		return
	}
	if err := e.broker.SetNodeState(ctx, rec.ID, node.ID, state); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark failed"})
	}
	if err := e.broker.PushResponse(ctx, response.NewError(rec.ID, node.ID, kind, cause.Error())); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "send error"})
	}
	if state == response.StateFailed {
		nodesFailed.Inc()
	}
	e.cascadeCancel(ctx, rec, node.ID)
	e.closeConsumerPorts(ctx, rec, node.ID)
}

// cancelNode marks a node CANCELLED when its request was cancelled before
// or during execution.
func (e *Executor) cancelNode(ctx context.Context, rec *broker.RequestRecord, node pipeline.Node, reason string) {
	if err := e.broker.SetNodeState(ctx, rec.ID, node.ID, response.StateCancelled); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "mark cancelled"})
	}
	if err := e.broker.PushResponse(ctx, response.NewStatus(rec.ID, node.ID, response.StateCancelled, reason)); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "send cancelled status"})
	}
	e.cascadeCancel(ctx, rec, node.ID)
	e.closeConsumerPorts(ctx, rec, node.ID)
	e.heartbeats.MaybeStop(ctx, rec)
}

// cascadeCancel transitions every non-terminal transitive dependent of the
// origin node to CANCELLED, naming the origin in the status message.
func (e *Executor) cascadeCancel(ctx context.Context, rec *broker.RequestRecord, originID string) {
	for _, depID := range rec.Pipeline.Dependents(originID) {
		st, err := e.broker.NodeState(ctx, rec.ID, depID)
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "read dependent state"}, log.KV{K: "dependent", V: depID})
			continue
		}
		if st.Terminal() {
			continue
		}
		if err := e.broker.SetNodeState(ctx, rec.ID, depID, response.StateCancelled); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "cancel dependent"}, log.KV{K: "dependent", V: depID})
			continue
		}
		msg := fmt.Sprintf("cancelled due to %s", originID)
		if err := e.broker.PushResponse(ctx, response.NewStatus(rec.ID, depID, response.StateCancelled, msg)); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "send cascade status"}, log.KV{K: "dependent", V: depID})
		}
		e.closeConsumerPorts(ctx, rec, depID)
	}
}

// watchCancellation cancels the node context when the request's
// cancellation flag appears. Returns a stop function.
func (e *Executor) watchCancellation(ctx context.Context, cancel context.CancelFunc, requestID string) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				cancelled, err := e.broker.Cancelled(ctx, requestID)
				if err == nil && cancelled {
					cancel()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
