package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Severity orders alerts from low to extreme. Upstream feeds use either the
// numeric 0-3 scale or the advisory/watch/warning vocabulary; both decode here.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityModerate
	SeverityHigh
	SeverityExtreme
)

var severityNames = map[string]Severity{
	"low":      SeverityLow,
	"moderate": SeverityModerate,
	"advisory": SeverityModerate,
	"high":     SeverityHigh,
	"watch":    SeverityHigh,
	"extreme":  SeverityExtreme,
	"warning":  SeverityExtreme,
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityModerate:
		return "moderate"
	case SeverityHigh:
		return "high"
	case SeverityExtreme:
		return "extreme"
	default:
		return "unknown"
	}
}

// Valid reports whether s is inside the 0-3 scale.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityExtreme
}

// ParseSeverity accepts a level name or a number from 0 to 3.
func ParseSeverity(v string) (Severity, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if s, ok := severityNames[v]; ok {
		return s, nil
	}
	n, err := strconv.Atoi(v)
	if err == nil && Severity(n).Valid() {
		return Severity(n), nil
	}
	return 0, fmt.Errorf("unknown severity %q", v)
}

// MarshalJSON writes the level name.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts a level name or a bare number.
func (s *Severity) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := ParseSeverity(v)
		if err != nil {
			return err
		}
		*s = parsed
	case float64:
		if v != math.Trunc(v) {
			return fmt.Errorf("severity %v is not an integer", v)
		}
		parsed := Severity(int(v))
		if !parsed.Valid() {
			return fmt.Errorf("severity %v out of range", v)
		}
		*s = parsed
	default:
		return fmt.Errorf("invalid severity value: %v (type %T)", raw, raw)
	}
	return nil
}

// AlertRecord is one safety alert within an alert list snapshot.
type AlertRecord struct {
	ID                string    `json:"id"`
	Severity          Severity  `json:"severity"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	RecommendedAction string    `json:"recommendedAction,omitempty"`
	ValidFrom         time.Time `json:"validFrom"`
	ValidUntil        time.Time `json:"validUntil"`
}

// Active reports whether the alert's validity window contains t.
func (a AlertRecord) Active(t time.Time) bool {
	if !a.ValidFrom.IsZero() && t.Before(a.ValidFrom) {
		return false
	}
	if !a.ValidUntil.IsZero() && t.After(a.ValidUntil) {
		return false
	}
	return true
}

// AlertSnapshot is the stored alert list together with the time it was synced.
type AlertSnapshot struct {
	Alerts   []AlertRecord `json:"alerts"`
	SyncedAt time.Time     `json:"syncedAt"`
}
