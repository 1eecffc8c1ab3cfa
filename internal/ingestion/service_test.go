package ingestion

import (
	"testing"

	"attendedge/internal/config"
)

func TestToEventValidatesRequiredFields(t *testing.T) {
	_, err := toEvent(EventInput{})
	if err == nil {
		t.Fatal("expected error for missing employee_id")
	}
}

func TestToEventRejectsBadKind(t *testing.T) {
	_, err := toEvent(EventInput{EmployeeID: "e1", Kind: "sideways", Timestamp: "2026-01-02T03:04:05Z"})
	if err == nil {
		t.Fatal("expected error for invalid kind")
	}
}

func TestToEventRejectsOutOfRangeLatitude(t *testing.T) {
	lat := 500.0
	_, err := toEvent(EventInput{EmployeeID: "e1", Kind: "clock-in", Timestamp: "2026-01-02T03:04:05Z", Latitude: &lat})
	if err == nil {
		t.Fatal("expected error for out-of-range latitude")
	}
}

func TestToEventAcceptsValidInput(t *testing.T) {
	e, err := toEvent(EventInput{EmployeeID: "e1", Kind: "clock-in", Timestamp: "2026-01-02T03:04:05Z", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.EmployeeID != "e1" || e.Kind != "clock-in" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestServiceToEventRejectsDeviceNotOnAllowlist(t *testing.T) {
	svc := &Service{allowlist: config.Allowlist{Devices: []string{"d1"}}}
	_, err := svc.toEvent(EventInput{EmployeeID: "e1", Kind: "clock-in", Timestamp: "2026-01-02T03:04:05Z", DeviceID: "d2"})
	if err == nil {
		t.Fatal("expected error for device not on allowlist")
	}
}

func TestServiceToEventAllowsConfiguredDevice(t *testing.T) {
	svc := &Service{allowlist: config.Allowlist{Devices: []string{"d1"}}}
	_, err := svc.toEvent(EventInput{EmployeeID: "e1", Kind: "clock-in", Timestamp: "2026-01-02T03:04:05Z", DeviceID: "d1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServiceToEventUnconfiguredAllowlistPermitsAnyDevice(t *testing.T) {
	svc := &Service{}
	_, err := svc.toEvent(EventInput{EmployeeID: "e1", Kind: "clock-in", Timestamp: "2026-01-02T03:04:05Z", DeviceID: "anything"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
