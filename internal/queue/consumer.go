package queue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/agnxi/agnxi/internal/logging"
	"github.com/agnxi/agnxi/internal/metrics"
)

// ConsumerConfig tunes the Redis dispatch consumers.
type ConsumerConfig struct {
	Workers       int
	PollInterval  time.Duration
	MaxDeliveries int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Consumer drains the Redis dispatch list and delivers each message to the
// worker invoker with bounded retries. Exhausted messages are dropped with
// an error log; the invocation row stays queued and the reconciliation
// sweep re-enqueues it.
type Consumer struct {
	client    *redis.Client
	deliverer *Deliverer
	cfg       ConsumerConfig

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewConsumer(client *redis.Client, deliverer *Deliverer, cfg ConsumerConfig) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Consumer{
		client:    client,
		deliverer: deliverer,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start launches consumer goroutines.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}
	logging.Op().Info("dispatch consumers started", "workers", c.cfg.Workers, "poll_interval", c.cfg.PollInterval)
}

// Stop gracefully shuts down all consumers.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	close(c.stopCh)
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()
	logging.Op().Info("dispatch consumers stopped")
}

func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	name := fmt.Sprintf("dispatch-consumer-%d", id)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	pubsub := c.client.Subscribe(ctx, dispatchNotifyChan)
	defer pubsub.Close()
	notify := pubsub.Channel()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drain(ctx, name)
		case _, ok := <-notify:
			if !ok {
				// Lost the subscription; keep polling.
				notify = nil
				continue
			}
			c.drain(ctx, name)
		}
	}
}

// drain pops and delivers messages until the list is empty.
func (c *Consumer) drain(ctx context.Context, name string) {
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msg, err := popDispatch(ctx, c.client)
		if err != nil {
			logging.Op().Error("pop dispatch failed", "consumer", name, "error", err)
			return
		}
		if msg == nil {
			return
		}
		metrics.SetDispatchQueueDepth(c.queueDepth(ctx))
		c.deliver(ctx, name, msg)
	}
}

// deliver attempts at-least-once delivery with exponential backoff, bounded
// by MaxDeliveries.
func (c *Consumer) deliver(ctx context.Context, name string, msg *DispatchMessage) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxDeliveries; attempt++ {
		if err := c.deliverer.Deliver(ctx, msg); err != nil {
			lastErr = err
			logging.Op().Warn("dispatch delivery failed",
				"consumer", name, "external_id", msg.ExternalID, "attempt", attempt, "error", err)
			select {
			case <-c.stopCh:
				return
			case <-time.After(c.backoff(attempt)):
			}
			continue
		}
		metrics.RecordDispatchDelivery("delivered")
		return
	}
	metrics.RecordDispatchDelivery("exhausted")
	logging.Op().Error("dispatch delivery retries exhausted; invocation left queued for sweep",
		"consumer", name, "external_id", msg.ExternalID, "tenant_id", msg.TenantID, "error", lastErr)
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)))
	if d > c.cfg.BackoffMax {
		d = c.cfg.BackoffMax
	}
	return d
}

func (c *Consumer) queueDepth(ctx context.Context) int {
	n, err := c.client.LLen(ctx, dispatchListKey).Result()
	if err != nil {
		return 0
	}
	return int(n)
}
