// Package publisher defines the page result notification surface.
package publisher

import "context"

// Publisher emits page processing results to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
}

// PageEvent is the payload published for each processed page.
type PageEvent struct {
	TaskIdentity  string `json:"task_identity"`
	URL           string `json:"url"`
	Method        string `json:"method"`
	StatusCode    int    `json:"status_code"`
	TargetURL     string `json:"target_url,omitempty"`
	ContentLength int    `json:"content_length"`
	Failed        bool   `json:"failed,omitempty"`
}
