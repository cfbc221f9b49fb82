package queue

import (
	"testing"
	"time"
)

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{})

	if c.cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", c.cfg.Workers)
	}
	if c.cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval = %v, want 500ms", c.cfg.PollInterval)
	}
	if c.cfg.MaxDeliveries != 3 {
		t.Errorf("MaxDeliveries = %d, want 3", c.cfg.MaxDeliveries)
	}
	if c.cfg.BackoffBase != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v, want 500ms", c.cfg.BackoffBase)
	}
	if c.cfg.BackoffMax != 30*time.Second {
		t.Errorf("BackoffMax = %v, want 30s", c.cfg.BackoffMax)
	}
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{
		BackoffBase: time.Second,
		BackoffMax:  10 * time.Second,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second}, // capped
		{6, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := c.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
