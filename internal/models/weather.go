package models

import "time"

// WeatherSnapshot is the latest observed weather, stored as a single row and
// replaced wholesale on every sync.
type WeatherSnapshot struct {
	Location    string    `json:"location"`
	Temperature float64   `json:"temperature"`
	Humidity    int       `json:"humidity"`
	WindSpeed   float64   `json:"windSpeed"`
	Visibility  int       `json:"visibility"`
	Conditions  string    `json:"conditions"`
	CapturedAt  time.Time `json:"capturedAt"`
}
