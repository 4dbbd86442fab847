package models

// Control message types accepted by the cache lifecycle manager.
const (
	ControlSkipWaiting    = "SKIP_WAITING"
	ControlGetCacheStatus = "GET_CACHE_STATUS"
	ControlClearCache     = "CLEAR_CACHE"
)

// ControlMessage is a control request from a page session or the CLI. ID is
// echoed in the reply so callers can match responses on a shared channel.
type ControlMessage struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}
