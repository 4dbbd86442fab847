package models

import (
	"net/http"
	"time"
)

// Response is a fully buffered HTTP response. Cached responses carry the time
// they were captured from the network.
type Response struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// OK reports whether the status is 2xx.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Clone returns a copy whose header and body can be modified independently.
func (r Response) Clone() Response {
	out := r
	out.Header = r.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	if r.Body != nil {
		out.Body = append([]byte(nil), r.Body...)
	}
	return out
}
