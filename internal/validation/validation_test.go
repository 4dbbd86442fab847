package validation

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/kjstillabower/offline-resilience/internal/models"
)

func TestValidateNamespaceName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"static", "static-v1", "static-v1", nil},
		{"dynamic dotted", "dynamic-2026.06.1", "dynamic-2026.06.1", nil},
		{"legacy", "offline-v0", "offline-v0", nil},
		{"trimmed", "  static-v2 ", "static-v2", nil},
		{"empty", "   ", "", ErrNameEmpty},
		{"unknown kind", "images-v1", "", ErrNamespaceKind},
		{"kind only", "static-", "", ErrNamespaceKind},
		{"slash", "static-v1/../x", "", ErrNameInvalidChars},
		{"too long", "static-" + strings.Repeat("a", 130), "", ErrNameTooLong},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ValidateNamespaceName(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ValidateNamespaceName(%q) error = %v, want %v", tc.input, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ValidateNamespaceName(%q) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

func TestValidateSettingKey(t *testing.T) {
	if _, err := ValidateSettingKey("units"); err != nil {
		t.Errorf("ValidateSettingKey(units) error = %v", err)
	}
	if _, err := ValidateSettingKey("a b"); !errors.Is(err, ErrNameInvalidChars) {
		t.Errorf("ValidateSettingKey(a b) error = %v, want ErrNameInvalidChars", err)
	}
}

func TestWeather(t *testing.T) {
	ok := models.WeatherSnapshot{Location: "Porto", Temperature: 20, Humidity: 50, CapturedAt: time.Now()}
	if err := Weather(ok); err != nil {
		t.Errorf("Weather(valid) error = %v", err)
	}
	bad := []models.WeatherSnapshot{
		{Humidity: 50},
		{Humidity: 120, CapturedAt: time.Now()},
		{WindSpeed: -1, CapturedAt: time.Now()},
		{Temperature: math.NaN(), CapturedAt: time.Now()},
	}
	for i, w := range bad {
		if err := Weather(w); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Weather(bad[%d]) error = %v, want ErrInvalidRecord", i, err)
		}
	}
}

func TestAlert(t *testing.T) {
	now := time.Now()
	if err := Alert(models.AlertRecord{Title: "Storm", Severity: models.SeverityHigh, ValidFrom: now, ValidUntil: now.Add(time.Hour)}); err != nil {
		t.Errorf("Alert(valid) error = %v", err)
	}
	bad := []models.AlertRecord{
		{Title: " "},
		{Title: "x", Severity: 9},
		{Title: "x", ValidFrom: now, ValidUntil: now.Add(-time.Hour)},
	}
	for i, a := range bad {
		if err := Alert(a); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Alert(bad[%d]) error = %v, want ErrInvalidRecord", i, err)
		}
	}
}

func TestPoint(t *testing.T) {
	if err := Point(models.PointOfInterest{ID: "h1", Name: "Hospital", Category: models.CategoryMedical, Latitude: 38.7, Longitude: -9.1}); err != nil {
		t.Errorf("Point(valid) error = %v", err)
	}
	bad := []models.PointOfInterest{
		{Name: "x", Category: models.CategoryPolice},
		{ID: "a", Category: models.CategoryPolice},
		{ID: "a", Name: "x", Category: "museum"},
		{ID: "a", Name: "x", Category: models.CategoryHazard, Latitude: 91},
	}
	for i, p := range bad {
		if err := Point(p); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("Point(bad[%d]) error = %v, want ErrInvalidRecord", i, err)
		}
	}
}
