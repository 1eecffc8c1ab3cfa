package forwarder

import (
	"testing"
	"time"
)

func TestUpdateConfigAppliesDefaults(t *testing.T) {
	f := &Forwarder{cfg: Config{Interval: time.Second, BatchSize: 5, MaxAttempts: 2}, state: StateStopped}
	f.UpdateConfig(Config{})

	got := f.currentConfig()
	if got.Interval != 30*time.Second {
		t.Fatalf("expected default interval, got %v", got.Interval)
	}
	if got.BatchSize != 20 {
		t.Fatalf("expected default batch size, got %d", got.BatchSize)
	}
	if got.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts, got %d", got.MaxAttempts)
	}
}

func TestStopOnStoppedForwarderIsNoop(t *testing.T) {
	f := &Forwarder{state: StateStopped}
	f.Stop()
	if f.state != StateStopped {
		t.Fatalf("expected state to remain stopped, got %v", f.state)
	}
}
