package models

import "time"

// Notification types pushed to connected sessions.
const (
	NotificationDataRefreshed     = "DATA_REFRESHED"
	NotificationControllerChanged = "CONTROLLER_CHANGED"
)

// Notification is a message pushed to every connected session.
type Notification struct {
	Type      string    `json:"type"`
	URL       string    `json:"url,omitempty"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
