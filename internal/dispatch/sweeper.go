package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/queue"
	"github.com/agnxi/agnxi/internal/store"
)

// SweepStore lists invocations stranded in queued.
type SweepStore interface {
	ListStuckQueuedInvocations(ctx context.Context, cutoff time.Time, limit int) ([]*store.Invocation, error)
}

// Sweeper re-enqueues invocations that stayed queued past MinAge, covering
// enqueue failures and lost deliveries. Re-dispatch is at-least-once by
// design: a message swept while its original delivery is still in flight is
// absorbed by the invoker's queued->running guard.
type Sweeper struct {
	store     SweepStore
	transport queue.Transport

	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewSweeper(s SweepStore, t queue.Transport, interval, minAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if minAge <= 0 {
		minAge = 5 * time.Minute
	}
	return &Sweeper{
		store:     s,
		transport: t,
		Interval:  interval,
		MinAge:    minAge,
		BatchSize: 50,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go s.loop()
	logging.Op().Info("queued-invocation sweeper started", "interval", s.Interval, "min_age", s.MinAge)
}

// Stop shuts the sweep loop down.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Op().Info("queued-invocation sweeper stopped")
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(context.Background())
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.MinAge)
	stuck, err := s.store.ListStuckQueuedInvocations(ctx, cutoff, s.BatchSize)
	if err != nil {
		logging.Op().Error("sweep: list stuck invocations failed", "error", err)
		return
	}

	for _, inv := range stuck {
		err := s.transport.Enqueue(ctx, &queue.DispatchMessage{
			InternalID: inv.ID,
			ExternalID: inv.ExternalID,
			TenantID:   inv.TenantID,
			AgentID:    inv.AgentID,
			Input:      inv.Input,
		})
		if err != nil {
			logging.Op().Error("sweep: re-enqueue failed",
				"tenant_id", inv.TenantID, "external_id", inv.ExternalID, "error", err)
			continue
		}
		logging.Op().Warn("sweep: re-enqueued stuck invocation",
			"tenant_id", inv.TenantID, "external_id", inv.ExternalID,
			"queued_for", time.Since(inv.CreatedAt).Round(time.Second))
	}
}
