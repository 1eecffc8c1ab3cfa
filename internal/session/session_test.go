package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"attendedge/internal/apperr"
)

func signToken(t *testing.T, secret string, c claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseRejectsWrongTokenType(t *testing.T) {
	a := &Authority{cfg: Config{SigningSecret: "s3cr3t"}}
	tok := signToken(t, "s3cr3t", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: "11111111-1111-1111-1111-111111111111",
		TokenType: "refresh",
	})

	if _, err := a.parse(tok, "access"); err == nil {
		t.Fatal("expected type mismatch to be rejected")
	}
}

func TestParseFallsBackToPreviousKeyWithinGrace(t *testing.T) {
	a := &Authority{cfg: Config{
		SigningSecret:         "current",
		PreviousSigningSecret: "previous",
		KeyGrace:              time.Hour,
	}}
	tok := signToken(t, "previous", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: "22222222-2222-2222-2222-222222222222",
		TokenType: "access",
	})

	c, err := a.parse(tok, "access")
	if err != nil {
		t.Fatalf("expected previous-key token within grace to validate, got %v", err)
	}
	if c.SessionID != "22222222-2222-2222-2222-222222222222" {
		t.Fatalf("unexpected session id: %s", c.SessionID)
	}
}

func TestParseRejectsPreviousKeyOutsideGrace(t *testing.T) {
	a := &Authority{cfg: Config{
		SigningSecret:         "current",
		PreviousSigningSecret: "previous",
		KeyGrace:              time.Minute,
	}}
	tok := signToken(t, "previous", claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		SessionID: "33333333-3333-3333-3333-333333333333",
		TokenType: "access",
	})

	if _, err := a.parse(tok, "access"); !errors.Is(err, apperr.ErrNeedsRefresh) {
		t.Fatalf("expected ErrNeedsRefresh for stale previous-key token, got %v", err)
	}
}

func TestNewRejectsMissingSigningSecret(t *testing.T) {
	if _, err := New(&gorm.DB{}, nil, Config{}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing signing secret")
	}
}

func oldestFirstSessions(n int) []sessionModel {
	active := make([]sessionModel, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range active {
		active[i] = sessionModel{ID: uuid.New(), CreatedAt: base.Add(time.Duration(i) * time.Hour)}
	}
	return active
}

func TestEvictionCandidateNoneBelowCap(t *testing.T) {
	active := oldestFirstSessions(4)
	if _, evict := evictionCandidate(active, 5); evict {
		t.Fatal("expected no eviction below the concurrency cap")
	}
}

func TestEvictionCandidateEvictsOldestAtCap(t *testing.T) {
	active := oldestFirstSessions(5)
	victim, evict := evictionCandidate(active, 5)
	if !evict {
		t.Fatal("expected eviction once active sessions reach the concurrency cap")
	}
	if victim.ID != active[0].ID {
		t.Fatalf("expected oldest session %s to be evicted, got %s", active[0].ID, victim.ID)
	}
}
