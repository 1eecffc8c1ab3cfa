// Package ingestion is the boundary that turns inbound single/batch
// attendance submissions into fingerprint, queue, and upstream actions,
// and exposes the forwarder and session authority over HTTP.
package ingestion

import (
	"context"
	"errors"
	"time"

	"attendedge/internal/apperr"
	"attendedge/internal/config"
	"attendedge/internal/queue"
	"attendedge/internal/upstream"
)

// Outcome classifies how a single record was handled.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeQueued    Outcome = "queued"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// RecordResult is the per-record result returned from Clock and embedded in
// a BatchResult.
type RecordResult struct {
	RecordID string  `json:"record_id"`
	Outcome  Outcome `json:"outcome"`
	Synced   bool    `json:"synced"`
	Queued   bool    `json:"queued"`
	Error    string  `json:"error,omitempty"`
}

// BatchResult aggregates per-record outcomes plus totals.
type BatchResult struct {
	Records []RecordResult `json:"records"`
	Synced  int            `json:"synced"`
	Queued  int            `json:"queued"`
	Dup     int            `json:"duplicate"`
	Errored int            `json:"error"`
}

// EventInput is the wire shape a caller submits, before fingerprinting.
type EventInput struct {
	EmployeeID     string   `json:"employee_id"`
	Timestamp      string   `json:"timestamp"`
	Kind           string   `json:"kind"`
	DeviceID       string   `json:"device_id,omitempty"`
	SiteID         string   `json:"site_id,omitempty"`
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	ClientRecordID string   `json:"client_record_id,omitempty"`
}

// Submitter is the synchronous upstream dependency Clock attempts before
// falling back to the durable queue.
type Submitter interface {
	SubmitOne(ctx context.Context, rec upstream.Record) upstream.Outcome
}

// Service wires fingerprint + queue + upstream into the two ingestion
// operations
type Service struct {
	store     *queue.Store
	submitter Submitter
	allowlist config.Allowlist
}

// New constructs a Service. allowlist is the optional static site/device
// overlay; its zero value permits every site and device.
func New(store *queue.Store, submitter Submitter, allowlist config.Allowlist) *Service {
	return &Service{store: store, submitter: submitter, allowlist: allowlist}
}

func (s *Service) toEvent(in EventInput) (queue.Event, error) {
	if !s.allowlist.AllowsSite(in.SiteID) {
		return queue.Event{}, invalidf("site_id %q is not on the allowlist", in.SiteID)
	}
	if !s.allowlist.AllowsDevice(in.DeviceID) {
		return queue.Event{}, invalidf("device_id %q is not on the allowlist", in.DeviceID)
	}
	return toEvent(in)
}

func toEvent(in EventInput) (queue.Event, error) {
	var ts time.Time
	if in.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, in.Timestamp)
		if err != nil {
			return queue.Event{}, invalidf("timestamp must be RFC3339: %v", err)
		}
		ts = parsed
	}
	if in.EmployeeID == "" {
		return queue.Event{}, invalidf("employee_id is required")
	}
	if in.Kind != "clock-in" && in.Kind != "clock-out" {
		return queue.Event{}, invalidf("kind must be clock-in or clock-out")
	}
	if in.Latitude != nil && (*in.Latitude < -90 || *in.Latitude > 90) {
		return queue.Event{}, invalidf("latitude out of range")
	}
	if in.Longitude != nil && (*in.Longitude < -180 || *in.Longitude > 180) {
		return queue.Event{}, invalidf("longitude out of range")
	}

	return queue.Event{
		EmployeeID:     in.EmployeeID,
		Timestamp:      ts,
		Kind:           in.Kind,
		DeviceID:       in.DeviceID,
		SiteID:         in.SiteID,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		ClientRecordID: in.ClientRecordID,
	}, nil
}

// Clock handles a single submission.
func (s *Service) Clock(ctx context.Context, in EventInput) (RecordResult, error) {
	event, err := s.toEvent(in)
	if err != nil {
		return RecordResult{}, err
	}
	return s.processOne(ctx, event, "", false)
}

// Batch handles 1..200 submissions sharing an optional batch id. forceOffline skips the synchronous upstream attempt for every
// record, leaving each one pending.
func (s *Service) Batch(ctx context.Context, inputs []EventInput, batchID string, forceOffline bool) (BatchResult, error) {
	if len(inputs) == 0 || len(inputs) > 200 {
		return BatchResult{}, invalidf("batch must contain 1..200 records")
	}

	result := BatchResult{Records: make([]RecordResult, 0, len(inputs))}
	for _, in := range inputs {
		event, err := s.toEvent(in)
		if err != nil {
			rec := RecordResult{Outcome: OutcomeError, Error: err.Error()}
			result.Records = append(result.Records, rec)
			result.Errored++
			continue
		}

		rec, err := s.processOne(ctx, event, batchID, forceOffline)
		if err != nil {
			rec = RecordResult{Outcome: OutcomeError, Error: err.Error()}
		}
		result.Records = append(result.Records, rec)

		switch rec.Outcome {
		case OutcomeSynced:
			result.Synced++
		case OutcomeQueued:
			result.Queued++
		case OutcomeDuplicate:
			result.Dup++
		case OutcomeError:
			result.Errored++
		}
	}
	return result, nil
}

// processOne implements the shared clock/batch-member steps:
// fingerprint, consult the queue for an existing entry, otherwise enqueue
// and optionally attempt a synchronous upstream delivery.
func (s *Service) processOne(ctx context.Context, event queue.Event, batchID string, forceOffline bool) (RecordResult, error) {
	fp := queue.Fingerprint(event)

	existing, err := s.store.Lookup(ctx, fp)
	switch {
	case err == nil:
		if existing.State == queue.StateSynced {
			return RecordResult{RecordID: fp, Outcome: OutcomeDuplicate, Synced: true}, nil
		}
		return RecordResult{RecordID: fp, Outcome: OutcomeQueued, Queued: true}, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return RecordResult{}, err
	}

	enqueued, err := s.store.Enqueue(ctx, event, fp, batchID)
	if err != nil {
		return RecordResult{}, err
	}
	if !enqueued.Created {
		if enqueued.Entry.State == queue.StateSynced {
			return RecordResult{RecordID: fp, Outcome: OutcomeDuplicate, Synced: true}, nil
		}
		return RecordResult{RecordID: fp, Outcome: OutcomeQueued, Queued: true}, nil
	}

	if forceOffline {
		return RecordResult{RecordID: fp, Outcome: OutcomeQueued, Queued: true}, nil
	}

	outcome := s.submitter.SubmitOne(ctx, upstream.Record{
		QueueEntryID: enqueued.Entry.ID.String(),
		Fingerprint:  fp,
		Event:        event,
	})
	if outcome.Synced {
		if err := s.store.MarkSynced(ctx, enqueued.Entry.ID); err != nil {
			return RecordResult{RecordID: fp, Outcome: OutcomeQueued, Queued: true}, nil
		}
		return RecordResult{RecordID: fp, Outcome: OutcomeSynced, Synced: true}, nil
	}

	errMsg := ""
	if outcome.Err != nil {
		errMsg = outcome.Err.Error()
	}
	return RecordResult{RecordID: fp, Outcome: OutcomeQueued, Queued: true, Error: errMsg}, nil
}

// Status returns a single queue entry by its fingerprint/record id.
func (s *Service) Status(ctx context.Context, recordID string) (queue.Entry, error) {
	return s.store.Lookup(ctx, recordID)
}

// Pending returns queue stats plus up to limit pending entries.
func (s *Service) Pending(ctx context.Context, limit int) (queue.Stats, []queue.Entry, error) {
	stats, err := s.store.StatsSnapshot(ctx)
	if err != nil {
		return queue.Stats{}, nil, err
	}
	entries, err := s.store.ListPending(ctx, limit)
	if err != nil {
		return queue.Stats{}, nil, err
	}
	return stats, entries, nil
}

func invalidf(format string, args ...any) error {
	return newValidationError(format, args...)
}
