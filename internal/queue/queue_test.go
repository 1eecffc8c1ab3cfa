package queue

import (
	"testing"
	"time"

	"attendedge/internal/fingerprint"
)

func TestFingerprintHelperMatchesComputation(t *testing.T) {
	e := Event{
		EmployeeID: "emp-1",
		Timestamp:  time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		Kind:       "clock_in",
		DeviceID:   "dev-1",
	}

	fp1 := Fingerprint(e)
	fp2 := fingerprint.Compute(fingerprint.Event{
		EmployeeID: e.EmployeeID,
		Timestamp:  e.Timestamp,
		Kind:       e.Kind,
		DeviceID:   e.DeviceID,
	})
	if fp1 != fp2 {
		t.Fatalf("expected helper to match fingerprint.Compute, got %q and %q", fp1, fp2)
	}
	if len(fp1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(fp1))
	}
}

func TestFingerprintHonorsClientRecordID(t *testing.T) {
	e := Event{EmployeeID: "emp-1", ClientRecordID: "custom-id-123"}
	if got := Fingerprint(e); got != "custom-id-123" {
		t.Fatalf("expected client_record_id to short-circuit, got %q", got)
	}
}

func TestDecodeEventRoundTrip(t *testing.T) {
	original := Event{
		EmployeeID: "emp-7",
		Timestamp:  time.Date(2026, 3, 4, 8, 30, 0, 0, time.UTC),
		Kind:       "clock_out",
		DeviceID:   "dev-9",
		SiteID:     "site-a",
	}

	payload, err := encodeEvent(original)
	if err != nil {
		t.Fatalf("encodeEvent: %v", err)
	}

	decoded := decodeEvent(original.EmployeeID, payload)
	if decoded.Kind != original.Kind {
		t.Fatalf("kind mismatch: got %q want %q", decoded.Kind, original.Kind)
	}
	if decoded.DeviceID != original.DeviceID {
		t.Fatalf("device id mismatch: got %q want %q", decoded.DeviceID, original.DeviceID)
	}
	if !decoded.Timestamp.Equal(original.Timestamp) {
		t.Fatalf("timestamp mismatch: got %v want %v", decoded.Timestamp, original.Timestamp)
	}
}

func TestNewRejectsNilDependencies(t *testing.T) {
	if _, err := New(nil, nil); err == nil {
		t.Fatal("expected error for nil orm")
	}
}

func TestNextAttemptStateStaysPendingBelowMax(t *testing.T) {
	attempts, terminal := nextAttemptState(0, 3)
	if attempts != 1 || terminal {
		t.Fatalf("expected (1, false) on first failure, got (%d, %v)", attempts, terminal)
	}

	attempts, terminal = nextAttemptState(1, 3)
	if attempts != 2 || terminal {
		t.Fatalf("expected (2, false) on second failure, got (%d, %v)", attempts, terminal)
	}
}

func TestNextAttemptStateGoesTerminalExactlyAtMax(t *testing.T) {
	attempts, terminal := nextAttemptState(2, 3)
	if attempts != 3 || !terminal {
		t.Fatalf("expected (3, true) when attempts reaches max_attempts, got (%d, %v)", attempts, terminal)
	}
}

func TestNextAttemptStateNeverExceedsMaxBeforeTerminal(t *testing.T) {
	for attempts := 0; attempts < 3; attempts++ {
		if _, terminal := nextAttemptState(attempts, 3); terminal {
			t.Fatalf("attempts=%d reached terminal before max_attempts=3", attempts)
		}
	}
}
