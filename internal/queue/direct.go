package queue

import (
	"context"
	"time"

	"github.com/agnxi/agnxi/internal/logging"
)

// DirectTransport bypasses the queue and posts each message straight to the
// worker invoker. Delivery is attempted once in the background so Enqueue
// never blocks on execution; a failed delivery leaves the invocation queued
// for the reconciliation sweep.
type DirectTransport struct {
	deliverer *Deliverer
	timeout   time.Duration
}

func NewDirectTransport(deliverer *Deliverer) *DirectTransport {
	return &DirectTransport{
		deliverer: deliverer,
		timeout:   time.Minute,
	}
}

func (t *DirectTransport) Enqueue(_ context.Context, msg *DispatchMessage) error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := t.deliverer.Deliver(ctx, msg); err != nil {
			logging.Op().Error("direct dispatch delivery failed",
				"external_id", msg.ExternalID, "tenant_id", msg.TenantID, "error", err)
		}
	}()
	return nil
}

func (t *DirectTransport) Close() error { return nil }

// NoopTransport drops every message. Invocations stay queued until an
// operator configures a real transport; submission still succeeds.
type NoopTransport struct{}

func NewNoopTransport() *NoopTransport { return &NoopTransport{} }

func (t *NoopTransport) Enqueue(_ context.Context, msg *DispatchMessage) error {
	logging.Op().Warn("no queue transport configured; invocation created but not dispatched",
		"external_id", msg.ExternalID, "tenant_id", msg.TenantID)
	return nil
}

func (t *NoopTransport) Close() error { return nil }
