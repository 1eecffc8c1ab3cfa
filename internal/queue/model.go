package queue

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// queueEntryModel is the GORM-facing storage shape for a queue_entries row.
// It mirrors migrations.QueueEntry; the two are kept separate on purpose so
// later migrations can evolve the historical shape without touching the
// live model (see pkg/db/migrations/0001_init.go).
type queueEntryModel struct {
	ID            uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Fingerprint   string            `gorm:"type:text;uniqueIndex;not null"`
	EmployeeID    string            `gorm:"type:text;not null;index"`
	EventPayload  datatypes.JSONMap `gorm:"type:jsonb;not null"`
	BatchID       string            `gorm:"type:text;index"`
	State         string            `gorm:"type:text;not null;default:'pending'"`
	Attempts      int               `gorm:"not null;default:0"`
	LastError     string            `gorm:"type:text"`
	FirstSeenAt   time.Time         `gorm:"type:timestamptz;not null;default:now()"`
	LastAttemptAt *time.Time        `gorm:"type:timestamptz"`
	SyncedAt      *time.Time        `gorm:"type:timestamptz"`
}

func (queueEntryModel) TableName() string { return "queue_entries" }

func (m queueEntryModel) toEntry() Entry {
	return Entry{
		ID:            m.ID,
		Fingerprint:   m.Fingerprint,
		Event:         decodeEvent(m.EmployeeID, m.EventPayload),
		BatchID:       m.BatchID,
		State:         State(m.State),
		Attempts:      m.Attempts,
		LastError:     m.LastError,
		FirstSeenAt:   m.FirstSeenAt,
		LastAttemptAt: m.LastAttemptAt,
		SyncedAt:      m.SyncedAt,
	}
}

// queueEntryRow is the destination shape for the raw pgx claim query, which
// returns the jsonb payload as raw bytes rather than through GORM's
// datatypes.JSONMap scanner.
type queueEntryRow struct {
	ID            uuid.UUID  `db:"id"`
	Fingerprint   string     `db:"fingerprint"`
	EmployeeID    string     `db:"employee_id"`
	EventPayload  []byte     `db:"event_payload"`
	BatchID       string     `db:"batch_id"`
	State         string     `db:"state"`
	Attempts      int        `db:"attempts"`
	LastError     string     `db:"last_error"`
	FirstSeenAt   time.Time  `db:"first_seen_at"`
	LastAttemptAt *time.Time `db:"last_attempt_at"`
	SyncedAt      *time.Time `db:"synced_at"`
}

func (r queueEntryRow) toEntry() Entry {
	var payload datatypes.JSONMap
	_ = payload.UnmarshalJSON(r.EventPayload)
	return Entry{
		ID:            r.ID,
		Fingerprint:   r.Fingerprint,
		Event:         decodeEvent(r.EmployeeID, payload),
		BatchID:       r.BatchID,
		State:         State(r.State),
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		FirstSeenAt:   r.FirstSeenAt,
		LastAttemptAt: r.LastAttemptAt,
		SyncedAt:      r.SyncedAt,
	}
}

func decodeEvent(employeeID string, payload datatypes.JSONMap) Event {
	e := Event{EmployeeID: employeeID}
	if payload == nil {
		return e
	}
	if v, ok := payload["timestamp"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			e.Timestamp = ts
		}
	}
	if v, ok := payload["kind"].(string); ok {
		e.Kind = v
	}
	if v, ok := payload["device_id"].(string); ok {
		e.DeviceID = v
	}
	if v, ok := payload["site_id"].(string); ok {
		e.SiteID = v
	}
	if v, ok := payload["latitude"].(float64); ok {
		e.Latitude = &v
	}
	if v, ok := payload["longitude"].(float64); ok {
		e.Longitude = &v
	}
	if v, ok := payload["client_record_id"].(string); ok {
		e.ClientRecordID = v
	}
	return e
}

// claimQuery selects pending, non-exhausted entries oldest-first and takes
// row locks that a concurrent claim skips over rather than blocking on.
const claimQuery = `
SELECT id, fingerprint, employee_id, event_payload, batch_id, state,
       attempts, last_error, first_seen_at, last_attempt_at, synced_at
FROM queue_entries
WHERE state = $1 AND attempts < $2
ORDER BY first_seen_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`
