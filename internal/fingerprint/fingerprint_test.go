package fingerprint

import (
	"testing"
	"time"
)

func TestCompute(t *testing.T) {
	base := Event{
		EmployeeID: "E1",
		Timestamp:  time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       "clock-in",
		DeviceID:   "D1",
	}

	tests := []struct {
		name string
		a    Event
		b    Event
		same bool
	}{
		{
			name: "identical fields produce identical fingerprint",
			a:    base,
			b:    base,
			same: true,
		},
		{
			name: "sub-second timestamp drift is ignored",
			a:    base,
			b: func() Event {
				e := base
				e.Timestamp = e.Timestamp.Add(400 * time.Millisecond)
				return e
			}(),
			same: true,
		},
		{
			name: "different kind changes fingerprint",
			a:    base,
			b: func() Event {
				e := base
				e.Kind = "clock-out"
				return e
			}(),
			same: false,
		},
		{
			name: "different device changes fingerprint",
			a:    base,
			b: func() Event {
				e := base
				e.DeviceID = "D2"
				return e
			}(),
			same: false,
		},
		{
			name: "client record id short circuits normalization",
			a:    Event{ClientRecordID: "abc-123", EmployeeID: "E1", Kind: "clock-in"},
			b:    Event{ClientRecordID: "abc-123", EmployeeID: "E2", Kind: "clock-out"},
			same: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.a) == Compute(tt.b)
			if got != tt.same {
				t.Fatalf("Compute(%+v) == Compute(%+v) = %v, want %v", tt.a, tt.b, got, tt.same)
			}
		})
	}
}

func TestComputeDeterministic(t *testing.T) {
	e := Event{
		EmployeeID: "E1",
		Timestamp:  time.Date(2024, 6, 10, 8, 30, 0, 0, time.UTC),
		Kind:       "clock-in",
		DeviceID:   "D1",
	}

	fp := Compute(e)
	if len(fp) != 64 {
		t.Fatalf("expected 64 hex characters for a sha256 sum, got %d (%q)", len(fp), fp)
	}
	if fp != Compute(e) {
		t.Fatalf("Compute is not deterministic")
	}
}
