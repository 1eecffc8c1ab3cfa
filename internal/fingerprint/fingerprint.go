// Package fingerprint computes the deterministic identity hash used to
// deduplicate attendance events.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// unitSeparator keeps normalized fields from colliding when one of them
// happens to contain the other's value as a substring.
const unitSeparator = "\x1f"

// Event is the subset of an attendance submission that participates in
// fingerprint computation. Fields not listed here (site, coordinates) are
// intentionally excluded: two reports of the same clock event from slightly
// different GPS fixes must still dedupe to one record.
type Event struct {
	EmployeeID     string
	Timestamp      time.Time
	Kind           string
	DeviceID       string
	ClientRecordID string
}

// Compute returns the 256-bit hex fingerprint for e. If e.ClientRecordID is
// non-empty it is used verbatim, letting a device address the same logical
// event deterministically across retries even if other fields drift.
func Compute(e Event) string {
	if strings.TrimSpace(e.ClientRecordID) != "" {
		return e.ClientRecordID
	}

	normalized := strings.Join([]string{
		strings.TrimSpace(e.EmployeeID),
		e.Timestamp.UTC().Truncate(time.Second).Format(time.RFC3339),
		strings.TrimSpace(e.Kind),
		strings.TrimSpace(e.DeviceID),
	}, unitSeparator)

	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
