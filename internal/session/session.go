// Package session implements the token authority:
// JWT-backed access/refresh tokens, per-subject concurrency limits with
// oldest-session eviction, explicit revocation, and signing-key rotation
// with a grace window for in-flight tokens signed under the previous key.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"attendedge/internal/apperr"
	"attendedge/pkg/bus"
)

const revokeSubject = "attendance.session.revoked"

// State is a Session's lifecycle state.
type State string

const (
	StateActive      State = "active"
	StateTerminated  State = "terminated"
	StateSuperseded  State = "superseded"
	StateKeyRotation State = "key_rotated_out"
)

// Info is the domain representation of a session, decoupled from the GORM
// storage shape.
type Info struct {
	ID               uuid.UUID
	SubjectID        string
	DeviceID         string
	RemoteAddr       string
	UserAgent        string
	State            State
	TerminationCause string
	CreatedAt        time.Time
	LastActivityAt   time.Time
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	TerminatedAt     *time.Time
}

// IssueRequest captures the request context that seeds a new session.
type IssueRequest struct {
	SubjectID  string
	DeviceID   string
	RemoteAddr string
	UserAgent  string
}

// TokenPair is returned on successful issuance or refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	Session      Info
}

// Config tunes token lifetimes, concurrency limits, and signing keys.
type Config struct {
	AccessTTL             time.Duration
	RefreshTTL            time.Duration
	MaxConcurrentSessions int
	SigningSecret         string
	PreviousSigningSecret string
	KeyGrace              time.Duration
}

// claims is the JWT payload issued for both access and refresh tokens,
// distinguished by TokenType.
type claims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	TokenType string `json:"typ"`
}

// Authority is the session/token authority and the
// /auth/* routes in §6.
type Authority struct {
	orm *gorm.DB
	bus *bus.Bus
	cfg Config
	log zerolog.Logger
}

// New constructs an Authority over the given GORM handle.
func New(orm *gorm.DB, eventBus *bus.Bus, cfg Config, log zerolog.Logger) (*Authority, error) {
	if orm == nil {
		return nil, errors.New("session: orm is required")
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("session: signing secret is required")
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxConcurrentSessions <= 0 {
		cfg.MaxConcurrentSessions = 5
	}
	return &Authority{orm: orm, bus: eventBus, cfg: cfg, log: log.With().Str("component", "session").Logger()}, nil
}

// evictionCandidate reports which session Issue must terminate to stay
// within max concurrent sessions. active must be ordered oldest-first; the
// cap is only exceeded, and an eviction only happens, once len(active)
// reaches max.
func evictionCandidate(active []sessionModel, max int) (sessionModel, bool) {
	if len(active) < max {
		return sessionModel{}, false
	}
	return active[0], true
}

// Issue creates a new active session and its token pair, evicting the
// oldest active session for the subject if the concurrency cap would
// otherwise be exceeded.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (TokenPair, error) {
	if req.SubjectID == "" {
		return TokenPair{}, apperr.New(apperr.KindValidation, "subject_id is required")
	}

	var pair TokenPair
	err := a.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []sessionModel
		if err := tx.Where("subject_id = ? AND state = ?", req.SubjectID, string(StateActive)).
			Order("created_at ASC").Find(&active).Error; err != nil {
			return err
		}

		if victim, evict := evictionCandidate(active, a.cfg.MaxConcurrentSessions); evict {
			if err := a.terminateLocked(tx, &victim, "evicted: concurrency limit exceeded"); err != nil {
				return err
			}
			a.audit(tx, victim.ID, req.SubjectID, "evicted", nil)
		}

		now := time.Now().UTC()
		model := sessionModel{
			ID:               uuid.New(),
			SubjectID:        req.SubjectID,
			DeviceID:         req.DeviceID,
			RemoteAddr:       req.RemoteAddr,
			UserAgent:        req.UserAgent,
			State:            string(StateActive),
			AccessExpiresAt:  now.Add(a.cfg.AccessTTL),
			RefreshExpiresAt: now.Add(a.cfg.RefreshTTL),
			LastActivityAt:   now,
			CreatedAt:        now,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		a.audit(tx, model.ID, req.SubjectID, "issued", nil)

		access, err := a.sign(model.ID, req.SubjectID, "access", model.AccessExpiresAt)
		if err != nil {
			return err
		}
		refresh, err := a.sign(model.ID, req.SubjectID, "refresh", model.RefreshExpiresAt)
		if err != nil {
			return err
		}

		pair = TokenPair{AccessToken: access, RefreshToken: refresh, Session: model.toInfo()}
		return nil
	})
	if err != nil {
		return TokenPair{}, apperr.Wrap(apperr.KindStorage, "issue session", err)
	}
	return pair, nil
}

// Verify validates an access token and reports the live session it names.
// A token whose session has been terminated or evicted is rejected even if
// the JWT signature and expiry are otherwise valid.
func (a *Authority) Verify(ctx context.Context, tokenString string) (Info, error) {
	claims, err := a.parse(tokenString, "access")
	if err != nil {
		return Info{}, err
	}

	var model sessionModel
	if err := a.orm.WithContext(ctx).Where("id = ?", claims.SessionID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Info{}, apperr.ErrNotFound
		}
		return Info{}, apperr.Wrap(apperr.KindStorage, "load session", err)
	}
	if model.State != string(StateActive) {
		return Info{}, apperr.ErrSessionInactive
	}
	if time.Now().UTC().After(model.AccessExpiresAt) {
		return Info{}, apperr.ErrNeedsRefresh
	}

	a.orm.WithContext(ctx).Model(&model).Update("last_activity_at", time.Now().UTC())
	return model.toInfo(), nil
}

// Refresh exchanges a valid refresh token for a new token pair, extending
// the session rather than creating a new one.
func (a *Authority) Refresh(ctx context.Context, tokenString string) (TokenPair, error) {
	claims, err := a.parse(tokenString, "refresh")
	if err != nil {
		return TokenPair{}, err
	}

	var pair TokenPair
	err = a.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model sessionModel
		if err := tx.Where("id = ?", claims.SessionID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		if model.State != string(StateActive) {
			return apperr.ErrSessionInactive
		}
		now := time.Now().UTC()
		if now.After(model.RefreshExpiresAt) {
			return apperr.ErrTokenExpired
		}

		model.AccessExpiresAt = now.Add(a.cfg.AccessTTL)
		model.RefreshExpiresAt = now.Add(a.cfg.RefreshTTL)
		model.LastActivityAt = now
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		a.audit(tx, model.ID, model.SubjectID, "refreshed", nil)

		access, err := a.sign(model.ID, model.SubjectID, "access", model.AccessExpiresAt)
		if err != nil {
			return err
		}
		refresh, err := a.sign(model.ID, model.SubjectID, "refresh", model.RefreshExpiresAt)
		if err != nil {
			return err
		}
		pair = TokenPair{AccessToken: access, RefreshToken: refresh, Session: model.toInfo()}
		return nil
	})
	if err != nil {
		if apperrIsSentinel(err) {
			return TokenPair{}, err
		}
		return TokenPair{}, apperr.Wrap(apperr.KindStorage, "refresh session", err)
	}
	return pair, nil
}

// Terminate explicitly revokes a session.
func (a *Authority) Terminate(ctx context.Context, sessionID uuid.UUID, reason string) error {
	err := a.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model sessionModel
		if err := tx.Where("id = ?", sessionID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.ErrNotFound
			}
			return err
		}
		if model.State != string(StateActive) {
			return nil
		}
		if err := a.terminateLocked(tx, &model, reason); err != nil {
			return err
		}
		a.audit(tx, model.ID, model.SubjectID, "terminated", map[string]any{"reason": reason})
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return apperr.Wrap(apperr.KindStorage, "terminate session", err)
	}
	a.bus.TryPublish(ctx, revokeSubject, map[string]any{"session_id": sessionID.String(), "reason": reason})
	return nil
}

// ListActive returns every active session for a subject, newest first. No
// HTTP route exposes it.
func (a *Authority) ListActive(ctx context.Context, subjectID string) ([]Info, error) {
	var models []sessionModel
	if err := a.orm.WithContext(ctx).Where("subject_id = ? AND state = ?", subjectID, string(StateActive)).
		Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "list active sessions", err)
	}
	out := make([]Info, 0, len(models))
	for _, m := range models {
		out = append(out, m.toInfo())
	}
	return out, nil
}

func (a *Authority) terminateLocked(tx *gorm.DB, model *sessionModel, reason string) error {
	now := time.Now().UTC()
	model.State = string(StateTerminated)
	model.TerminationReason = reason
	model.TerminatedAt = &now
	return tx.Save(model).Error
}

func (a *Authority) audit(tx *gorm.DB, sessionID uuid.UUID, subjectID, action string, details map[string]any) {
	entry := sessionAuditModel{
		SessionID: sessionID,
		SubjectID: subjectID,
		Action:    action,
		At:        time.Now().UTC(),
	}
	if details != nil {
		entry.Details = datatypes.JSONMap(details)
	}
	// Audit logging must never fail the transaction it's describing.
	if err := tx.Create(&entry).Error; err != nil {
		a.log.Warn().Err(err).Str("action", action).Msg("session audit write failed")
	}
}

func (a *Authority) sign(sessionID uuid.UUID, subjectID, tokenType string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID: sessionID.String(),
		TokenType: tokenType,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString([]byte(a.cfg.SigningSecret))
}

// parse validates tokenString against the primary signing key, falling
// back to the previous key within the configured grace window — the
// mechanism that lets a rotated key's outstanding tokens keep working for
// a bounded period.
func (a *Authority) parse(tokenString, wantType string) (*claims, error) {
	c, err := a.parseWithKey(tokenString, a.cfg.SigningSecret)
	if err != nil && a.cfg.PreviousSigningSecret != "" && a.cfg.KeyGrace > 0 {
		if prev, prevErr := a.parseWithKey(tokenString, a.cfg.PreviousSigningSecret); prevErr == nil {
			issuedAt := time.Time{}
			if prev.IssuedAt != nil {
				issuedAt = prev.IssuedAt.Time
			}
			if time.Since(issuedAt) <= a.cfg.KeyGrace {
				c, err = prev, nil
			} else {
				err = apperr.ErrNeedsRefresh
			}
		}
	}
	if err != nil {
		return nil, err
	}
	if c.TokenType != wantType {
		return nil, apperr.ErrTokenMalformed
	}
	return c, nil
}

func (a *Authority) parseWithKey(tokenString, key string) (*claims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(tokenString, c, func(t *jwt.Token) (interface{}, error) {
		return []byte(key), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperr.ErrTokenExpired
		}
		return nil, apperr.ErrTokenMalformed
	}
	return c, nil
}

func apperrIsSentinel(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrSessionInactive) ||
		errors.Is(err, apperr.ErrTokenExpired)
}
