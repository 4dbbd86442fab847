package models

import "time"

// Table names the logical tables owned by the offline store.
type Table string

const (
	TableWeather Table = "weather"
	TableAlerts  Table = "alerts"
	TablePoints  Table = "points"
)

// Tables lists every synced table.
var Tables = []Table{TableWeather, TableAlerts, TablePoints}

// SyncMetadata records the last successful sync per table.
type SyncMetadata map[Table]time.Time
