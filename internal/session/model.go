package session

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// sessionModel is the GORM-facing storage shape for a sessions row,
// mirroring migrations.Session (see pkg/db/migrations/0001_init.go).
type sessionModel struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SubjectID         string     `gorm:"type:text;not null;index"`
	DeviceID          string     `gorm:"type:text"`
	RemoteAddr        string     `gorm:"type:text"`
	UserAgent         string     `gorm:"type:text"`
	AccessExpiresAt   time.Time  `gorm:"type:timestamptz;not null"`
	RefreshExpiresAt  time.Time  `gorm:"type:timestamptz;not null"`
	State             string     `gorm:"type:text;not null;default:'active'"`
	TerminationReason string     `gorm:"type:text"`
	LastActivityAt    time.Time  `gorm:"type:timestamptz;not null"`
	CreatedAt         time.Time  `gorm:"type:timestamptz;not null"`
	TerminatedAt      *time.Time `gorm:"type:timestamptz"`
}

func (sessionModel) TableName() string { return "sessions" }

func (m sessionModel) toInfo() Info {
	return Info{
		ID:               m.ID,
		SubjectID:        m.SubjectID,
		DeviceID:         m.DeviceID,
		RemoteAddr:       m.RemoteAddr,
		UserAgent:        m.UserAgent,
		State:            State(m.State),
		TerminationCause: m.TerminationReason,
		CreatedAt:        m.CreatedAt,
		LastActivityAt:   m.LastActivityAt,
		AccessExpiresAt:  m.AccessExpiresAt,
		RefreshExpiresAt: m.RefreshExpiresAt,
		TerminatedAt:     m.TerminatedAt,
	}
}

// sessionAuditModel is the GORM-facing storage shape for a session_audit
// row, mirroring migrations.SessionAudit.
type sessionAuditModel struct {
	ID        int64 `gorm:"type:bigserial;primaryKey"`
	SessionID uuid.UUID
	SubjectID string
	Action    string
	Details   datatypes.JSONMap
	At        time.Time
}

func (sessionAuditModel) TableName() string { return "session_audit" }
