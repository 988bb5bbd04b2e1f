package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// promoteScript atomically moves a delayed work item onto the execution
// queue. Removing the member and pushing it must be one step so that two
// scheduler instances cannot both promote the same item.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
  redis.call("LPUSH", KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// PushReady appends a work item to the execution queue.
func (b *Broker) PushReady(ctx context.Context, item WorkItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	return b.retry(ctx, func() error {
		return b.rdb.LPush(ctx, execQueueKey, payload).Err()
	})
}

// PopReady blocks up to timeout for the next work item on the execution
// queue. It returns false without error when the queue stayed empty.
func (b *Broker) PopReady(ctx context.Context, timeout time.Duration) (WorkItem, bool, error) {
	res, err := b.rdb.BRPop(ctx, timeout, execQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return WorkItem{}, false, nil
	}
	if err != nil {
		return WorkItem{}, false, fmt.Errorf("pop execution queue: %w", err)
	}
	var item WorkItem
	if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
		return WorkItem{}, false, fmt.Errorf("decode work item: %w", err)
	}
	return item, true, nil
}

// Delay schedules a work item for promotion at the given wall-clock time and
// wakes the scheduler.
func (b *Broker) Delay(ctx context.Context, item WorkItem, at time.Time) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}
	return b.retry(ctx, func() error {
		if err := b.rdb.ZAdd(ctx, delayedKey, redis.Z{
			Score:  float64(at.UnixMilli()),
			Member: string(payload),
		}).Err(); err != nil {
			return err
		}
		return b.rdb.Publish(ctx, wakeChannel, "1").Err()
	})
}

// PeekDelayed returns the earliest delayed work item and its due time. It
// returns false when the delayed set is empty.
func (b *Broker) PeekDelayed(ctx context.Context) (WorkItem, time.Time, bool, error) {
	res, err := b.rdb.ZRangeWithScores(ctx, delayedKey, 0, 0).Result()
	if err != nil {
		return WorkItem{}, time.Time{}, false, fmt.Errorf("peek delayed set: %w", err)
	}
	if len(res) == 0 {
		return WorkItem{}, time.Time{}, false, nil
	}
	member, _ := res[0].Member.(string)
	var item WorkItem
	if err := json.Unmarshal([]byte(member), &item); err != nil {
		return WorkItem{}, time.Time{}, false, fmt.Errorf("decode delayed item: %w", err)
	}
	return item, time.UnixMilli(int64(res[0].Score)), true, nil
}

// PromoteDue atomically moves a delayed item to the execution queue. It
// returns false when another scheduler already promoted it.
func (b *Broker) PromoteDue(ctx context.Context, item WorkItem) (bool, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("encode work item: %w", err)
	}
	n, err := promoteScript.Run(ctx, b.rdb, []string{delayedKey, execQueueKey}, string(payload)).Int()
	if err != nil {
		return false, fmt.Errorf("promote delayed item: %w", err)
	}
	return n == 1, nil
}

// SubscribeWake subscribes to the scheduler wake-up channel. The caller must
// close the subscription.
func (b *Broker) SubscribeWake(ctx context.Context) *redis.PubSub {
	return b.rdb.Subscribe(ctx, wakeChannel)
}

// ClaimPromotion acquires the idempotence sentinel for one promotion run.
func (b *Broker) ClaimPromotion(ctx context.Context, runID string, expiry time.Duration) (bool, error) {
	return b.ClaimOnce(ctx, schedClaimKey+runID, expiry)
}

// QueueDepth returns the current length of the execution queue.
func (b *Broker) QueueDepth(ctx context.Context) (int64, error) {
	return b.rdb.LLen(ctx, execQueueKey).Result()
}
