package executor

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dfmesh/dfm/broker"
	"github.com/dfmesh/dfm/response"
)

// heartbeatManager runs one heartbeat producer per active request, not per
// node, to bound response queue pressure. A producer starts when the
// executor first touches a request and stops once every node is terminal.
type heartbeatManager struct {
	broker   *broker.Broker
	site     string
	interval time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func newHeartbeatManager(b *broker.Broker, site string, interval time.Duration) *heartbeatManager {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &heartbeatManager{
		broker:   b,
		site:     site,
		interval: interval,
		active:   make(map[string]context.CancelFunc),
	}
}

// Ensure starts the heartbeat producer for a request if none is running.
func (m *heartbeatManager) Ensure(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.active[requestID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.active[requestID] = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.beat(ctx, requestID)
	}()
}

// beat pushes a heartbeat envelope at the configured pace until stopped.
func (m *heartbeatManager) beat(ctx context.Context, requestID string) {
	limiter := rate.NewLimiter(rate.Every(m.interval), 1)
	// Consume the initial token so the first heartbeat waits one interval.
	_ = limiter.Wait(ctx)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		_ = m.broker.PushResponse(ctx, response.NewHeartbeat(requestID, m.site))
	}
}

// MaybeStop stops the request's producer when every node reached a terminal
// state.
func (m *heartbeatManager) MaybeStop(ctx context.Context, rec *broker.RequestRecord) {
	states, err := m.broker.NodeStates(ctx, rec.ID)
	if err != nil {
		return
	}
	for _, n := range rec.Pipeline.Nodes {
		if !states[n.ID].Terminal() {
			return
		}
	}
	m.mu.Lock()
	cancel, ok := m.active[rec.ID]
	if ok {
		delete(m.active, rec.ID)
	}
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown stops all producers and waits for them to exit.
func (m *heartbeatManager) Shutdown() {
	m.mu.Lock()
	for id, cancel := range m.active {
		cancel()
		delete(m.active, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}
