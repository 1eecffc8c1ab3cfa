package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

// QueueEntry mirrors internal/queue's queueEntryModel. Migrations define
// their own copies of the shapes they create so that later migrations can
// evolve the live model without rewriting history, per goose convention.
type QueueEntry struct {
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

func (QueueEntry) TableName() string { return "queue_entries" }

// Session mirrors internal/session's sessionModel.
type Session struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SubjectID         string     `gorm:"type:text;not null;index"`
	DeviceID          string     `gorm:"type:text"`
	RemoteAddr        string     `gorm:"type:text"`
	UserAgent         string     `gorm:"type:text"`
	AccessExpiresAt   time.Time  `gorm:"type:timestamptz;not null"`
	RefreshExpiresAt  time.Time  `gorm:"type:timestamptz;not null"`
	State             string     `gorm:"type:text;not null;default:'active'"`
	TerminationReason string     `gorm:"type:text"`
	LastActivityAt    time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	CreatedAt         time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	TerminatedAt      *time.Time `gorm:"type:timestamptz"`
}

func (Session) TableName() string { return "sessions" }

// SessionAudit records session lifecycle transitions, grounded on the
// services/provisioning Audit table.
type SessionAudit struct {
	ID        int64             `gorm:"type:bigserial;primaryKey"`
	SessionID uuid.UUID         `gorm:"type:uuid;not null;index"`
	SubjectID string            `gorm:"type:text;not null"`
	Action    string            `gorm:"type:text;not null"`
	Details   datatypes.JSONMap `gorm:"type:jsonb"`
	At        time.Time         `gorm:"type:timestamptz;not null;default:now()"`
}

func (SessionAudit) TableName() string { return "session_audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&QueueEntry{},
		&Session{},
		&SessionAudit{},
	); err != nil {
		return err
	}

	// Partial index backing claim()'s "pending, oldest first" scan.
	if err := gormDB.WithContext(ctx).Exec(
		`CREATE INDEX IF NOT EXISTS idx_queue_entries_pending_first_seen
		 ON queue_entries (first_seen_at) WHERE state = 'pending'`,
	).Error; err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&SessionAudit{},
		&Session{},
		&QueueEntry{},
	); err != nil {
		return err
	}

	return nil
}
