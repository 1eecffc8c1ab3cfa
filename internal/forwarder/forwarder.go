// Package forwarder drives the background drain loop that moves pending
// queue entries to the ERP. It mirrors the agent report loop in
// services/agent: a ticker triggers periodic work, and a mutex-guarded state
// machine keeps manual and scheduled drains from overlapping.
package forwarder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"attendedge/internal/apperr"
	"attendedge/internal/metrics"
	"attendedge/internal/queue"
	"attendedge/internal/upstream"
	"attendedge/pkg/bus"
)

// RunState is the forwarder's drain-loop state machine.
type RunState string

const (
	StateStopped  RunState = "stopped"
	StateRunning  RunState = "running"
	StateDraining RunState = "draining"
)

// CycleSummary reports the outcome of one drain cycle, and is what gets
// published to the event bus on completion.
type CycleSummary struct {
	StartedAt time.Time `json:"started_at"`
	Claimed   int       `json:"claimed"`
	Synced    int       `json:"synced"`
	Failed    int       `json:"failed"`
	Terminal  int       `json:"terminal"`
	Duration  string    `json:"duration"`
}

// Config tunes the drain loop's cadence and batch shape. It is safe to
// update at runtime via UpdateConfig.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
}

const cycleSubject = "attendance.sync.cycle"

// Forwarder owns the periodic drain loop. Submitter is satisfied by
// *upstream.Client; tests supply a stub.
type Forwarder struct {
	store     *queue.Store
	submitter Submitter
	bus       *bus.Bus
	log       zerolog.Logger

	mu     sync.Mutex
	cfg    Config
	state  RunState
	ticker *time.Ticker
	stopCh chan struct{}
	doneCh chan struct{}
}

// Submitter is the upstream dependency the forwarder drains into.
type Submitter interface {
	SubmitMany(ctx context.Context, records []upstream.Record) []upstream.Outcome
}

// New constructs a stopped Forwarder.
func New(store *queue.Store, submitter Submitter, eventBus *bus.Bus, cfg Config, log zerolog.Logger) *Forwarder {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Forwarder{
		store:     store,
		submitter: submitter,
		bus:       eventBus,
		cfg:       cfg,
		state:     StateStopped,
		log:       log.With().Str("component", "forwarder").Logger(),
	}
}

// Start begins the ticker-driven drain loop. Calling Start on an
// already-running Forwarder is a no-op.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	if f.state != StateStopped {
		f.mu.Unlock()
		return
	}
	f.state = StateRunning
	f.ticker = time.NewTicker(f.cfg.Interval)
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	ticker := f.ticker
	stopCh := f.stopCh
	doneCh := f.doneCh
	f.mu.Unlock()

	go func() {
		defer close(doneCh)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := f.runCycle(ctx, f.currentConfig()); err != nil {
					f.log.Error().Err(err).Msg("scheduled drain cycle failed")
				}
			}
		}
	}()
}

// Stop halts the ticker loop and blocks until the in-flight cycle, if any,
// finishes.
func (f *Forwarder) Stop() {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return
	}
	ticker := f.ticker
	stopCh := f.stopCh
	doneCh := f.doneCh
	f.mu.Unlock()

	close(stopCh)
	ticker.Stop()
	<-doneCh

	f.mu.Lock()
	f.state = StateStopped
	f.mu.Unlock()
}

func (f *Forwarder) currentConfig() Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

// UpdateConfig applies new interval/batch/attempt settings. The existing
// ticker is reset so the new interval takes effect on the next tick.
func (f *Forwarder) UpdateConfig(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}

	f.mu.Lock()
	f.cfg = cfg
	if f.ticker != nil {
		f.ticker.Reset(cfg.Interval)
	}
	f.mu.Unlock()
}

// Trigger runs a single drain cycle immediately, outside the ticker's
// schedule, and returns its summary.
func (f *Forwarder) Trigger(ctx context.Context) (CycleSummary, error) {
	return f.runCycle(ctx, f.currentConfig())
}

// runCycle enforces the running/draining exclusion: only one drain — manual
// or scheduled — executes at a time.
func (f *Forwarder) runCycle(ctx context.Context, cfg Config) (CycleSummary, error) {
	f.mu.Lock()
	if f.state == StateDraining {
		f.mu.Unlock()
		return CycleSummary{}, fmt.Errorf("drain already in progress: %w", apperr.ErrInvalidState)
	}
	previous := f.state
	f.state = StateDraining
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.state = previous
		f.mu.Unlock()
	}()

	started := time.Now().UTC()
	entries, err := f.store.Claim(ctx, cfg.BatchSize, cfg.MaxAttempts)
	if err != nil {
		return CycleSummary{}, fmt.Errorf("claim entries: %w", err)
	}

	summary := CycleSummary{StartedAt: started, Claimed: len(entries)}
	if len(entries) == 0 {
		summary.Duration = time.Since(started).String()
		return summary, nil
	}

	records := make([]upstream.Record, 0, len(entries))
	byID := make(map[string]queue.Entry, len(entries))
	for _, e := range entries {
		records = append(records, upstream.Record{
			QueueEntryID: e.ID.String(),
			Fingerprint:  e.Fingerprint,
			Event:        e.Event,
		})
		byID[e.ID.String()] = e
	}

	outcomes := f.submitter.SubmitMany(ctx, records)
	for _, outcome := range outcomes {
		entry, ok := byID[outcome.QueueEntryID]
		if !ok {
			continue
		}
		id, err := uuid.Parse(outcome.QueueEntryID)
		if err != nil {
			continue
		}

		if outcome.Synced {
			if err := f.store.MarkSynced(ctx, id); err != nil {
				f.log.Warn().Err(err).Str("queue_entry_id", outcome.QueueEntryID).Msg("mark synced failed")
			}
			summary.Synced++
			metrics.ForwarderCycles.WithLabelValues("synced").Inc()
			continue
		}

		result, markErr := f.store.MarkFailed(ctx, id, outcome.Err, cfg.MaxAttempts)
		if markErr != nil {
			f.log.Warn().Err(markErr).Str("queue_entry_id", outcome.QueueEntryID).Msg("mark failed failed")
			continue
		}
		summary.Failed++
		metrics.ForwarderCycles.WithLabelValues("failed").Inc()
		if result.Terminal {
			summary.Terminal++
			metrics.ForwarderCycles.WithLabelValues("terminal").Inc()
			f.log.Error().Str("employee_id", entry.Event.EmployeeID).Str("queue_entry_id", outcome.QueueEntryID).Msg("entry reached terminal failure")
		}
	}

	summary.Duration = time.Since(started).String()
	if stats, err := f.store.StatsSnapshot(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
		metrics.QueueDepth.WithLabelValues("synced").Set(float64(stats.Synced))
		metrics.QueueDepth.WithLabelValues("failed_terminal").Set(float64(stats.FailedTerminal))
	}
	f.bus.TryPublish(ctx, cycleSubject, summary)
	return summary, nil
}

// RetryFailed resets every failed_terminal entry back to pending.
func (f *Forwarder) RetryFailed(ctx context.Context) (int64, error) {
	n, err := f.store.ResetTerminal(ctx)
	if err != nil {
		return 0, err
	}
	f.log.Info().Int64("count", n).Msg("reset terminal entries to pending")
	return n, nil
}

// ForceSync claims the named entries regardless of state or attempt count
// and submits them immediately, bypassing the normal pending-only claim
// path.
func (f *Forwarder) ForceSync(ctx context.Context, ids []uuid.UUID) (CycleSummary, error) {
	started := time.Now().UTC()
	entries, err := f.store.ClaimIDs(ctx, ids)
	if err != nil {
		return CycleSummary{}, err
	}

	records := make([]upstream.Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, upstream.Record{QueueEntryID: e.ID.String(), Fingerprint: e.Fingerprint, Event: e.Event})
	}

	maxAttempts := f.currentConfig().MaxAttempts
	summary := CycleSummary{StartedAt: started, Claimed: len(entries)}
	outcomes := f.submitter.SubmitMany(ctx, records)
	for _, outcome := range outcomes {
		id, err := uuid.Parse(outcome.QueueEntryID)
		if err != nil {
			continue
		}
		if outcome.Synced {
			_ = f.store.MarkSynced(ctx, id)
			summary.Synced++
			continue
		}
		result, markErr := f.store.MarkFailed(ctx, id, outcome.Err, maxAttempts)
		if markErr == nil && result.Terminal {
			summary.Terminal++
		}
		summary.Failed++
	}

	summary.Duration = time.Since(started).String()
	return summary, nil
}

// Prune deletes synced entries older than the configured retention window.
func (f *Forwarder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return f.store.Prune(ctx, time.Now().UTC().Add(-retention))
}

// Status reports the forwarder's current run state and queue stats.
func (f *Forwarder) Status(ctx context.Context) (RunState, queue.Stats, error) {
	f.mu.Lock()
	state := f.state
	f.mu.Unlock()

	stats, err := f.store.StatsSnapshot(ctx)
	if err != nil {
		return state, queue.Stats{}, err
	}
	return state, stats, nil
}
