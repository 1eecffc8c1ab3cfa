package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"attendedge/internal/queue"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:         srv.URL,
		APIKey:          "key",
		APISecret:       "secret",
		MaxConcurrent:   2,
		Reservoir:       10,
		ReservoirRefill: 10,
		ReservoirWindow: time.Minute,
		MinSpacing:      0,
		Timeout:         2 * time.Second,
		RetryCount:      2,
		RetryBaseDelay:  time.Millisecond,
		BatchSize:       5,
		BatchDelay:      0,
	}
	return New(cfg, zerolog.Nop()), srv
}

func TestSubmitOneSuccess(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	out := client.SubmitOne(context.Background(), Record{QueueEntryID: "q1", Event: queue.Event{EmployeeID: "e1"}})
	if !out.Synced {
		t.Fatalf("expected synced outcome, got %+v", out)
	}
}

func TestSubmitOneRejectedNotRetried(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadRequest)
	})

	out := client.SubmitOne(context.Background(), Record{QueueEntryID: "q1"})
	if out.Synced {
		t.Fatal("expected failure outcome")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly one attempt for a 4xx rejection, got %d", attempts)
	}
}

func TestSubmitOneRetriesTransientFailure(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	out := client.SubmitOne(context.Background(), Record{QueueEntryID: "q1"})
	if !out.Synced {
		t.Fatalf("expected eventual success, got %+v", out)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestSubmitManyPreservesOrderAndCount(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	records := []Record{
		{QueueEntryID: "a"}, {QueueEntryID: "b"}, {QueueEntryID: "c"},
	}
	outcomes := client.SubmitMany(context.Background(), records)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Synced {
			t.Fatalf("expected all synced, got %+v", o)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{0, true},
		{417, true},
		{500, true},
		{503, true},
		{400, false},
		{404, false},
		{429, false},
		{200, false},
	}
	for _, tc := range cases {
		if got := isRetryable(tc.status, nil); got != tc.want {
			t.Errorf("isRetryable(%d) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
