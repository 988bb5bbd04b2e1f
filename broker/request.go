package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dfmesh/dfm/pipeline"
	"github.com/dfmesh/dfm/response"
)

// RequestRecord is the persistent runtime state of one pipeline submission.
// It lives in the request:<id> hash; node states, fingerprints, and
// continuations are individual hash fields so they can be updated without
// rewriting the pipeline.
type RequestRecord struct {
	ID        string
	Pipeline  *pipeline.Pipeline
	CreatedAt time.Time
}

const (
	fieldPipeline  = "pipeline"
	fieldCreatedAt = "created_at"
	fieldCancelled = "cancelled"
	statePrefix    = "state:"
	fpPrefix       = "fp:"
	contPrefix     = "cont:"
)

func requestKey(id string) string  { return "request:" + id }
func responseKey(id string) string { return "response:" + id }
func mailKey(id, box string) string {
	return "mail:" + id + ":" + box
}
func inputKey(id, node string, port int) string {
	return fmt.Sprintf("input:%s:%s:%d", id, node, port)
}
func readyKey(id, node string) string { return "ready:" + id + ":" + node }

// CreateRequest persists a new request record with every node PENDING and
// the configured TTL applied.
func (b *Broker) CreateRequest(ctx context.Context, rec *RequestRecord) error {
	pl, err := json.Marshal(rec.Pipeline)
	if err != nil {
		return fmt.Errorf("encode pipeline: %w", err)
	}
	fields := map[string]any{
		fieldPipeline:  string(pl),
		fieldCreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for _, n := range rec.Pipeline.Nodes {
		fields[statePrefix+n.ID] = string(response.StatePending)
	}
	key := requestKey(rec.ID)
	return b.retry(ctx, func() error {
		if err := b.rdb.HSet(ctx, key, fields).Err(); err != nil {
			return err
		}
		return b.rdb.Expire(ctx, key, b.ttl).Err()
	})
}

// RequestExists reports whether the request record is present.
func (b *Broker) RequestExists(ctx context.Context, id string) (bool, error) {
	n, err := b.rdb.Exists(ctx, requestKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("check request %s: %w", id, err)
	}
	return n == 1, nil
}

// LoadRequest reads the request record. Returns ErrNoSuchRequest when the
// record is absent.
func (b *Broker) LoadRequest(ctx context.Context, id string) (*RequestRecord, error) {
	res, err := b.rdb.HMGet(ctx, requestKey(id), fieldPipeline, fieldCreatedAt).Result()
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}
	if res[0] == nil {
		return nil, fmt.Errorf("request %s: %w", id, ErrNoSuchRequest)
	}
	var p pipeline.Pipeline
	if err := json.Unmarshal([]byte(res[0].(string)), &p); err != nil {
		return nil, fmt.Errorf("decode pipeline of %s: %w", id, err)
	}
	rec := &RequestRecord{ID: id, Pipeline: &p}
	if s, ok := res[1].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			rec.CreatedAt = t
		}
	}
	return rec, nil
}

// SetNodeState records a node lifecycle transition.
func (b *Broker) SetNodeState(ctx context.Context, id, nodeID string, s response.State) error {
	return b.retry(ctx, func() error {
		return b.rdb.HSet(ctx, requestKey(id), statePrefix+nodeID, string(s)).Err()
	})
}

// NodeState reads one node's state. Missing nodes read as PENDING.
func (b *Broker) NodeState(ctx context.Context, id, nodeID string) (response.State, error) {
	s, err := b.rdb.HGet(ctx, requestKey(id), statePrefix+nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return response.StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("read state of %s/%s: %w", id, nodeID, err)
	}
	return response.State(s), nil
}

// NodeStates reads the full node state map of a request.
func (b *Broker) NodeStates(ctx context.Context, id string) (map[string]response.State, error) {
	all, err := b.rdb.HGetAll(ctx, requestKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read states of %s: %w", id, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("request %s: %w", id, ErrNoSuchRequest)
	}
	out := make(map[string]response.State)
	for k, v := range all {
		if strings.HasPrefix(k, statePrefix) {
			out[strings.TrimPrefix(k, statePrefix)] = response.State(v)
		}
	}
	return out, nil
}

// SetFingerprints stores the node fingerprint map computed at submission.
func (b *Broker) SetFingerprints(ctx context.Context, id string, fps map[string]string) error {
	if len(fps) == 0 {
		return nil
	}
	fields := make(map[string]any, len(fps))
	for node, fp := range fps {
		fields[fpPrefix+node] = fp
	}
	return b.retry(ctx, func() error {
		return b.rdb.HSet(ctx, requestKey(id), fields).Err()
	})
}

// Fingerprint reads one node's fingerprint.
func (b *Broker) Fingerprint(ctx context.Context, id, nodeID string) (string, error) {
	fp, err := b.rdb.HGet(ctx, requestKey(id), fpPrefix+nodeID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("fingerprint of %s/%s: %w", id, nodeID, ErrNoSuchRequest)
	}
	if err != nil {
		return "", fmt.Errorf("read fingerprint of %s/%s: %w", id, nodeID, err)
	}
	return fp, nil
}

// SetContinuation persists an adapter's opaque continuation blob for a
// suspended node.
func (b *Broker) SetContinuation(ctx context.Context, id, nodeID string, blob []byte) error {
	return b.retry(ctx, func() error {
		return b.rdb.HSet(ctx, requestKey(id), contPrefix+nodeID, blob).Err()
	})
}

// TakeContinuation reads and clears a node's continuation blob. It returns
// nil when no continuation is stored.
func (b *Broker) TakeContinuation(ctx context.Context, id, nodeID string) ([]byte, error) {
	field := contPrefix + nodeID
	blob, err := b.rdb.HGet(ctx, requestKey(id), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read continuation of %s/%s: %w", id, nodeID, err)
	}
	if err := b.rdb.HDel(ctx, requestKey(id), field).Err(); err != nil {
		return nil, fmt.Errorf("clear continuation of %s/%s: %w", id, nodeID, err)
	}
	return []byte(blob), nil
}

// Cancel sets the request's cancellation flag. Idempotent; returns
// ErrNoSuchRequest when the record is absent.
func (b *Broker) Cancel(ctx context.Context, id string) error {
	ok, err := b.RequestExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request %s: %w", id, ErrNoSuchRequest)
	}
	return b.retry(ctx, func() error {
		return b.rdb.HSet(ctx, requestKey(id), fieldCancelled, "1").Err()
	})
}

// Cancelled reads the request's cancellation flag.
func (b *Broker) Cancelled(ctx context.Context, id string) (bool, error) {
	v, err := b.rdb.HGet(ctx, requestKey(id), fieldCancelled).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag of %s: %w", id, err)
	}
	return v == "1", nil
}

// PushResponse appends an envelope to the request's response queue and
// refreshes its TTL.
func (b *Broker) PushResponse(ctx context.Context, resp response.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	key := responseKey(resp.RequestID)
	return b.retry(ctx, func() error {
		if err := b.rdb.RPush(ctx, key, payload).Err(); err != nil {
			return err
		}
		return b.rdb.Expire(ctx, key, b.ttl).Err()
	})
}

// PopResponses drains up to max envelopes from the response queue in write
// order. When the queue is empty it blocks up to timeout for the first
// envelope. An empty result is a valid outcome; the client polls again.
func (b *Broker) PopResponses(ctx context.Context, id string, max int, timeout time.Duration) ([]response.Response, error) {
	if max <= 0 {
		max = 100
	}
	key := responseKey(id)
	raw, err := b.rdb.LPopCount(ctx, key, max).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pop responses of %s: %w", id, err)
	}
	if len(raw) == 0 && timeout > 0 {
		res, err := b.rdb.BLPop(ctx, timeout, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("await responses of %s: %w", id, err)
		}
		if len(res) == 2 {
			raw = append(raw, res[1])
			if max > 1 {
				more, err := b.rdb.LPopCount(ctx, key, max-1).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return nil, fmt.Errorf("pop responses of %s: %w", id, err)
				}
				raw = append(raw, more...)
			}
		}
	}
	out := make([]response.Response, 0, len(raw))
	for _, r := range raw {
		var resp response.Response
		if err := json.Unmarshal([]byte(r), &resp); err != nil {
			return nil, fmt.Errorf("decode response of %s: %w", id, err)
		}
		out = append(out, resp)
	}
	return out, nil
}

// inputCloseMarker terminates an input port buffer. It is not valid JSON so
// it cannot collide with a value.
const inputCloseMarker = "\x00closed"

// PushInput appends an upstream value to a consumer's port buffer.
func (b *Broker) PushInput(ctx context.Context, id, nodeID string, port int, value json.RawMessage) error {
	key := inputKey(id, nodeID, port)
	return b.retry(ctx, func() error {
		if err := b.rdb.RPush(ctx, key, []byte(value)).Err(); err != nil {
			return err
		}
		return b.rdb.Expire(ctx, key, b.ttl).Err()
	})
}

// CloseInput marks a consumer's port as closed: no further values will
// arrive. Blocking readers drain buffered values first, then observe the
// close.
func (b *Broker) CloseInput(ctx context.Context, id, nodeID string, port int) error {
	key := inputKey(id, nodeID, port)
	return b.retry(ctx, func() error {
		if err := b.rdb.RPush(ctx, key, inputCloseMarker).Err(); err != nil {
			return err
		}
		if err := b.rdb.Set(ctx, key+":done", "1", b.ttl).Err(); err != nil {
			return err
		}
		return b.rdb.Expire(ctx, key, b.ttl).Err()
	})
}

// InputClosed reports whether a port has been closed by its upstream.
func (b *Broker) InputClosed(ctx context.Context, id, nodeID string, port int) (bool, error) {
	n, err := b.rdb.Exists(ctx, inputKey(id, nodeID, port)+":done").Result()
	if err != nil {
		return false, fmt.Errorf("check input close of %s/%s[%d]: %w", id, nodeID, port, err)
	}
	return n == 1, nil
}

// NextInput blocks up to timeout for the next value on a port. The second
// result is false when the port closed; the third is false on timeout.
func (b *Broker) NextInput(ctx context.Context, id, nodeID string, port int, timeout time.Duration) (json.RawMessage, bool, bool, error) {
	res, err := b.rdb.BLPop(ctx, timeout, inputKey(id, nodeID, port)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("read input of %s/%s[%d]: %w", id, nodeID, port, err)
	}
	if res[1] == inputCloseMarker {
		return nil, false, true, nil
	}
	return json.RawMessage(res[1]), true, true, nil
}

// ClaimEnqueue acquires the enqueue-once sentinel for a node so readiness
// checks from concurrent workers push it at most once per activation round.
func (b *Broker) ClaimEnqueue(ctx context.Context, id, nodeID string) (bool, error) {
	return b.ClaimOnce(ctx, readyKey(id, nodeID), b.ttl)
}

// ReleaseEnqueue clears the enqueue sentinel so a node can be activated
// again, e.g. after a delayed suspension.
func (b *Broker) ReleaseEnqueue(ctx context.Context, id, nodeID string) error {
	return b.rdb.Del(ctx, readyKey(id, nodeID)).Err()
}

// SetMessage deposits a message in a per-request mailbox.
func (b *Broker) SetMessage(ctx context.Context, id, mailbox, message string) error {
	return b.retry(ctx, func() error {
		return b.rdb.Set(ctx, mailKey(id, mailbox), message, b.ttl).Err()
	})
}

// Message reads a mailbox. The second result is false when the mailbox is
// empty.
func (b *Broker) Message(ctx context.Context, id, mailbox string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, mailKey(id, mailbox)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read mailbox %s of %s: %w", mailbox, id, err)
	}
	return v, true, nil
}
