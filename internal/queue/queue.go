// Package queue implements the durable, fingerprint-keyed local store that
// makes the gateway offline-tolerant. It is the only package
// permitted to mutate a QueueEntry's state field.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"attendedge/internal/apperr"
	"attendedge/internal/fingerprint"
	"attendedge/pkg/db"
)

// State is one of the three QueueEntry lifecycle states.
type State string

const (
	StatePending        State = "pending"
	StateSynced         State = "synced"
	StateFailedTerminal State = "failed_terminal"
)

// Event is the attendance payload stored alongside a QueueEntry.
type Event struct {
	EmployeeID     string    `json:"employee_id"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           string    `json:"kind"`
	DeviceID       string    `json:"device_id,omitempty"`
	SiteID         string    `json:"site_id,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	ClientRecordID string    `json:"client_record_id,omitempty"`
}

// Entry is the domain representation of a QueueEntry, decoupled from the
// GORM storage shape (see queueEntryModel.toEntry).
type Entry struct {
	ID            uuid.UUID
	Fingerprint   string
	Event         Event
	BatchID       string
	State         State
	Attempts      int
	LastError     string
	FirstSeenAt   time.Time
	LastAttemptAt *time.Time
	SyncedAt      *time.Time
}

// EnqueueResult is returned by Enqueue.
type EnqueueResult struct {
	Entry   Entry
	Created bool
}

// MarkFailedResult is returned by MarkFailed.
type MarkFailedResult struct {
	Attempts int
	Terminal bool
}

// Stats summarizes queue contents by state.
type Stats struct {
	Pending        int64
	Synced         int64
	FailedTerminal int64
}

// Store is the durable queue described, backed by Postgres
// through both GORM (for everything but claim) and a raw pgx pool (for the
// SKIP LOCKED claim query GORM cannot express).
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// New wires a Store over the provided GORM handle and pgx pool. Both must
// point at the same database.
func New(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("queue: orm is required")
	}
	if pool == nil {
		return nil, errors.New("queue: pool is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// Lookup returns the entry for the given fingerprint, or apperr.ErrNotFound
// if none exists yet.
func (s *Store) Lookup(ctx context.Context, fp string) (Entry, error) {
	var model queueEntryModel
	err := s.orm.WithContext(ctx).Where("fingerprint = ?", fp).First(&model).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return Entry{}, apperr.ErrNotFound
	case err != nil:
		return Entry{}, apperr.Wrap(apperr.KindStorage, "lookup queue entry", err)
	}
	return model.toEntry(), nil
}

// Enqueue inserts a new pending entry for the given event/fingerprint pair.
// If an entry already exists for fp, it is returned unmodified with
// Created=false — the first enqueue wins.
func (s *Store) Enqueue(ctx context.Context, event Event, fp, batchID string) (EnqueueResult, error) {
	existing, err := s.Lookup(ctx, fp)
	switch {
	case err == nil:
		return EnqueueResult{Entry: existing, Created: false}, nil
	case !errors.Is(err, apperr.ErrNotFound):
		return EnqueueResult{}, err
	}

	payload, err := encodeEvent(event)
	if err != nil {
		return EnqueueResult{}, apperr.Wrap(apperr.KindValidation, "encode event payload", err)
	}

	now := time.Now().UTC()
	model := queueEntryModel{
		ID:           uuid.New(),
		Fingerprint:  fp,
		EmployeeID:   event.EmployeeID,
		EventPayload: payload,
		BatchID:      batchID,
		State:        string(StatePending),
		Attempts:     0,
		FirstSeenAt:  now,
	}

	if err := s.orm.WithContext(ctx).Create(&model).Error; err != nil {
		// A concurrent insert for the same fingerprint raced us past the
		// Lookup above; the unique index rejects it and the loser just
		// re-reads the winner's row, preserving "first enqueue wins".
		if existing, lookupErr := s.Lookup(ctx, fp); lookupErr == nil {
			return EnqueueResult{Entry: existing, Created: false}, nil
		}
		return EnqueueResult{}, apperr.Wrap(apperr.KindStorage, "insert queue entry", err)
	}

	return EnqueueResult{Entry: model.toEntry(), Created: true}, nil
}

// Claim returns up to n pending entries with attempts < maxAttempts, ordered
// oldest-first, and marks none of them — the caller is expected to reach a
// terminal mark_* call for each. The query takes row locks with SKIP LOCKED,
// so Claim calls whose queries run at the same moment skip each other's
// rows. The query runs outside a transaction, so those locks end with the
// statement: a later Claim can return rows an earlier caller still has in
// flight.
func (s *Store) Claim(ctx context.Context, n, maxAttempts int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	var rows []queueEntryRow
	if err := db.Select(ctx, s.pool, &rows, claimQuery, StatePending, maxAttempts, n); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "claim queue entries", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toEntry())
	}
	return entries, nil
}

// ClaimIDs claims exactly the listed ids regardless of state or attempt
// count, for the forwarder's Force-sync operation.
func (s *Store) ClaimIDs(ctx context.Context, ids []uuid.UUID) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var models []queueEntryModel
	if err := s.orm.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "claim queue entries by id", err)
	}
	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}

// MarkSynced transitions a pending entry to synced. It is rejected (and
// returns apperr.ErrInvalidState) if the entry is not currently pending —
// synced is a terminal positive state that nothing transitions out of.
func (s *Store) MarkSynced(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tx := s.orm.WithContext(ctx).Model(&queueEntryModel{}).
		Where("id = ? AND state = ?", id, StatePending).
		Updates(map[string]any{"state": string(StateSynced), "synced_at": now})
	if tx.Error != nil {
		return apperr.Wrap(apperr.KindStorage, "mark synced", tx.Error)
	}
	if tx.RowsAffected == 0 {
		return s.alreadySynced(ctx, id)
	}
	return nil
}

// alreadySynced distinguishes "mark_synced on an already-synced entry is a
// no-op" from "mark_synced on a pending-no-more-or-missing entry is an
// error" per round-trip law.
func (s *Store) alreadySynced(ctx context.Context, id uuid.UUID) error {
	var model queueEntryModel
	if err := s.orm.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.ErrNotFound
		}
		return apperr.Wrap(apperr.KindStorage, "reload queue entry", err)
	}
	if model.State == string(StateSynced) {
		return nil
	}
	return apperr.ErrInvalidState
}

// MarkFailed increments attempts, records err, and promotes the entry to
// failed_terminal iff attempts has now reached maxAttempts. This is the only
// writer that increments attempts; ResetTerminal is the only one that sets it
// back to zero.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, cause error, maxAttempts int) (MarkFailedResult, error) {
	var model queueEntryModel
	err := s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&model).Error; err != nil {
			return err
		}
		if model.State != string(StatePending) {
			return apperr.ErrAlreadyTerminal
		}

		now := time.Now().UTC()
		attempts, terminal := nextAttemptState(model.Attempts, maxAttempts)
		model.Attempts = attempts
		model.LastAttemptAt = &now
		if cause != nil {
			model.LastError = cause.Error()
		}
		if terminal {
			model.State = string(StateFailedTerminal)
		}
		return tx.Save(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return MarkFailedResult{}, apperr.ErrNotFound
		}
		if errors.Is(err, apperr.ErrAlreadyTerminal) {
			return MarkFailedResult{}, apperr.ErrAlreadyTerminal
		}
		return MarkFailedResult{}, apperr.Wrap(apperr.KindStorage, "mark failed", err)
	}

	return MarkFailedResult{
		Attempts: model.Attempts,
		Terminal: model.State == string(StateFailedTerminal),
	}, nil
}

// nextAttemptState computes MarkFailed's bounded-attempts transition:
// attempts increments by exactly one, and the entry goes terminal the
// instant attempts reaches maxAttempts, never before and never after.
func nextAttemptState(attempts, maxAttempts int) (newAttempts int, terminal bool) {
	newAttempts = attempts + 1
	terminal = newAttempts >= maxAttempts
	return newAttempts, terminal
}

// ResetTerminal moves every failed_terminal entry back to pending with
// attempts reset to zero, for the operator-driven "retry failed" action.
func (s *Store) ResetTerminal(ctx context.Context) (int64, error) {
	tx := s.orm.WithContext(ctx).Model(&queueEntryModel{}).
		Where("state = ?", StateFailedTerminal).
		Updates(map[string]any{
			"state":      string(StatePending),
			"attempts":   0,
			"last_error": "",
		})
	if tx.Error != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "reset terminal entries", tx.Error)
	}
	return tx.RowsAffected, nil
}

// Prune deletes synced entries older than olderThan, implementing the
// retention sweep.
func (s *Store) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tx := s.orm.WithContext(ctx).
		Where("state = ? AND synced_at < ?", StateSynced, olderThan).
		Delete(&queueEntryModel{})
	if tx.Error != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "prune synced entries", tx.Error)
	}
	return tx.RowsAffected, nil
}

// StatsSnapshot returns entry counts grouped by state.
func (s *Store) StatsSnapshot(ctx context.Context) (Stats, error) {
	type row struct {
		State string
		Count int64
	}
	var rows []row
	if err := s.orm.WithContext(ctx).Model(&queueEntryModel{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&rows).Error; err != nil {
		return Stats{}, apperr.Wrap(apperr.KindStorage, "stats", err)
	}

	var out Stats
	for _, r := range rows {
		switch State(r.State) {
		case StatePending:
			out.Pending = r.Count
		case StateSynced:
			out.Synced = r.Count
		case StateFailedTerminal:
			out.FailedTerminal = r.Count
		}
	}
	return out, nil
}

// ListPending returns up to limit pending entries, oldest first, for the
// GET /attendance/pending surface.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Entry, error) {
	var models []queueEntryModel
	q := s.orm.WithContext(ctx).Where("state = ?", StatePending).Order("first_seen_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list pending entries", err)
	}
	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}

// ListByBatch returns every entry sharing batchID, for GET /sync/batch/{id}.
func (s *Store) ListByBatch(ctx context.Context, batchID string) ([]Entry, error) {
	var models []queueEntryModel
	if err := s.orm.WithContext(ctx).Where("batch_id = ?", batchID).Order("first_seen_at ASC").Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list entries by batch", err)
	}
	entries := make([]Entry, 0, len(models))
	for _, m := range models {
		entries = append(entries, m.toEntry())
	}
	return entries, nil
}

// Fingerprint is re-exported so callers that only import queue (e.g. tests)
// can compute a fingerprint without also importing the fingerprint package.
func Fingerprint(e Event) string {
	return fingerprint.Compute(fingerprint.Event{
		EmployeeID:     e.EmployeeID,
		Timestamp:      e.Timestamp,
		Kind:           e.Kind,
		DeviceID:       e.DeviceID,
		ClientRecordID: e.ClientRecordID,
	})
}

func encodeEvent(e Event) (datatypes.JSONMap, error) {
	return datatypes.JSONMap{
		"employee_id":      e.EmployeeID,
		"timestamp":        e.Timestamp.UTC().Format(time.RFC3339),
		"kind":             e.Kind,
		"device_id":        e.DeviceID,
		"site_id":          e.SiteID,
		"latitude":         e.Latitude,
		"longitude":        e.Longitude,
		"client_record_id": e.ClientRecordID,
	}, nil
}
