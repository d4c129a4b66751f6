// Package publisher announces freshly materialized weather files to
// downstream consumers.
package publisher

import (
	"context"
	"time"
)

// Publisher sends one payload to a topic and returns the broker message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// FileMaterialized is the payload published after a retrieval commits a new
// data file under the output root.
type FileMaterialized struct {
	RunID       string    `json:"run_id"`
	URL         string    `json:"url"`
	DataFile    string    `json:"data_file"`
	ObjectURI   string    `json:"object_uri,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	Bytes       int64     `json:"bytes"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Attributes returns the broker attributes used for subscription filtering.
func (m FileMaterialized) Attributes() map[string]string {
	return map[string]string{
		"run_id":     m.RunID,
		"event_type": "file.materialized",
	}
}

// Attributer is implemented by payloads that carry broker attributes.
type Attributer interface {
	Attributes() map[string]string
}

// Discard drops every payload.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(context.Context, string, any) (string, error) { return "", nil }
