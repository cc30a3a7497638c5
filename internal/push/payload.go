package push

import (
	"encoding/json"
	"errors"
	"time"
)

// Notification is the display payload handed to the client-side push
// handler. Built once per dispatch call and serialized identically for
// every subscription of the recipient.
type Notification struct {
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Icon      string         `json:"icon,omitempty"`
	Badge     string         `json:"badge,omitempty"`
	URL       string         `json:"url,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"` // set by the dispatcher, not the caller
}

// ErrMissingTitle rejects payloads the client handler could not display.
var ErrMissingTitle = errors.New("push: notification title is required")

// serialize stamps the payload and produces the plaintext handed to the
// cipher. The caller's Timestamp is always overwritten.
func (n *Notification) serialize(now time.Time) ([]byte, error) {
	if n.Title == "" {
		return nil, ErrMissingTitle
	}

	stamped := *n
	stamped.Timestamp = now.UnixMilli()
	return json.Marshal(&stamped)
}
