package builtin

import (
	"context"
	"time"

	"github.com/dfmesh/dfm/adapter"
)

// sleep waits for a duration and then emits "done". With reschedule set it
// releases its worker through ScheduleAfter on the first activation and
// emits on the second; otherwise it blocks in-body, honoring cancellation.
type sleep struct {
	duration   time.Duration
	reschedule bool
	nodeID     string
	request    *adapter.RequestHandle
	resumed    bool
}

func newSleep(inv adapter.Invocation) (adapter.Adapter, error) {
	var params struct {
		Duration   string `json:"duration"`
		Reschedule bool   `json:"reschedule"`
	}
	if err := inv.DecodeParams(&params); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(params.Duration)
	if err != nil {
		return nil, adapter.BadInput("invalid sleep duration %q: %v", params.Duration, err)
	}
	return &sleep{
		duration:   d,
		reschedule: params.Reschedule,
		nodeID:     inv.Node.ID,
		request:    inv.Request,
		resumed:    len(inv.Continuation) > 0,
	}, nil
}

func (a *sleep) Body(ctx context.Context, emit adapter.Emit) error {
	if a.reschedule {
		if !a.resumed {
			if err := a.request.ScheduleAfter(ctx, a.nodeID, a.duration, []byte("resumed")); err != nil {
				return err
			}
			return adapter.ErrSuspended
		}
		return emit(ctx, jsonString("done"))
	}

	timer := time.NewTimer(a.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return emit(ctx, jsonString("done"))
}
