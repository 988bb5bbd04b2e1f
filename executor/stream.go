package executor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dfmesh/dfm/broker"
)

// portStream adapts one broker input port to the adapter Stream contract.
// Next blocks in short rounds so context cancellation is observed within a
// second.
type portStream struct {
	broker    *broker.Broker
	requestID string
	nodeID    string
	port      int
}

func (s *portStream) Next(ctx context.Context) (json.RawMessage, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		value, ok, got, err := s.broker.NextInput(ctx, s.requestID, s.nodeID, s.port, time.Second)
		if err != nil {
			return nil, false, err
		}
		if !got {
			continue
		}
		return value, ok, nil
	}
}
