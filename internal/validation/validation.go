// Package validation checks names and synced domain objects before they are
// stored.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/kjstillabower/offline-resilience/internal/cache"
	"github.com/kjstillabower/offline-resilience/internal/kv"
	"github.com/kjstillabower/offline-resilience/internal/models"
)

var (
	// ErrNameEmpty is returned when a name is empty or whitespace-only after trim.
	ErrNameEmpty = errors.New("name is required")
	// ErrNameTooLong is returned when a name exceeds maxNameLen.
	ErrNameTooLong = errors.New("name too long")
	// ErrNameInvalidChars is returned when a name contains disallowed characters.
	ErrNameInvalidChars = errors.New("name contains invalid characters")
	// ErrNamespaceKind is returned when a namespace name has no known kind prefix.
	ErrNamespaceKind = errors.New("namespace name must start with static-, dynamic- or offline-")
	// ErrInvalidRecord is wrapped by every domain object validation failure.
	ErrInvalidRecord = errors.New("invalid record")
)

const maxNameLen = 128

// ValidateVersion checks a cache version string: letters, digits, dot, hyphen, underscore.
func ValidateVersion(v string) (string, error) {
	return validateName(v)
}

// ValidateNamespaceName checks a cache namespace name such as static-v3.
func ValidateNamespaceName(name string) (string, error) {
	s, err := validateName(name)
	if err != nil {
		return "", err
	}
	kind := cache.KindOf(s)
	if kind == "" || len(s) == len(kind)+1 {
		return "", ErrNamespaceKind
	}
	if !kv.ValidTableName(s) {
		return "", ErrNameInvalidChars
	}
	return s, nil
}

// ValidateSettingKey checks a settings key.
func ValidateSettingKey(key string) (string, error) {
	return validateName(key)
}

func validateName(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrNameEmpty
	}
	if len(s) > maxNameLen {
		return "", ErrNameTooLong
	}
	for _, c := range s {
		if !isAllowedNameRune(c) {
			return "", ErrNameInvalidChars
		}
	}
	return s, nil
}

func isAllowedNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case '.', '-', '_':
		return true
	}
	return false
}

// Weather checks that a snapshot carries a capture time and plausible readings.
func Weather(w models.WeatherSnapshot) error {
	if w.CapturedAt.IsZero() {
		return fmt.Errorf("%w: weather: capturedAt is required", ErrInvalidRecord)
	}
	if w.Humidity < 0 || w.Humidity > 100 {
		return fmt.Errorf("%w: weather: humidity %d out of range", ErrInvalidRecord, w.Humidity)
	}
	if w.WindSpeed < 0 || w.Visibility < 0 {
		return fmt.Errorf("%w: weather: negative wind speed or visibility", ErrInvalidRecord)
	}
	if math.IsNaN(w.Temperature) || math.IsInf(w.Temperature, 0) {
		return fmt.Errorf("%w: weather: temperature is not a number", ErrInvalidRecord)
	}
	return nil
}

// Alert checks one alert record. ID may be empty; callers assign one.
func Alert(a models.AlertRecord) error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("%w: alert %q: title is required", ErrInvalidRecord, a.ID)
	}
	if !a.Severity.Valid() {
		return fmt.Errorf("%w: alert %q: severity %d out of range", ErrInvalidRecord, a.ID, a.Severity)
	}
	if !a.ValidFrom.IsZero() && !a.ValidUntil.IsZero() && a.ValidUntil.Before(a.ValidFrom) {
		return fmt.Errorf("%w: alert %q: validity window ends before it starts", ErrInvalidRecord, a.ID)
	}
	return nil
}

// Point checks one point of interest.
func Point(p models.PointOfInterest) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: point: id is required", ErrInvalidRecord)
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: point %q: name is required", ErrInvalidRecord, p.ID)
	}
	if !p.Category.Valid() {
		return fmt.Errorf("%w: point %q: unknown category %q", ErrInvalidRecord, p.ID, p.Category)
	}
	if p.Latitude < -90 || p.Latitude > 90 || p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: point %q: coordinates out of range", ErrInvalidRecord, p.ID)
	}
	return nil
}
