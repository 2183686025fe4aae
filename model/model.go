package model

import (
	"context"

	"github.com/grovekit/grove/core"
)

// Message is one prompt message in provider-neutral form.
type Message struct {
	Role    string `json:"role"` // user or assistant
	Content string `json:"content"`
}

// Request is the normalized input for one turn.
type Request struct {
	System   string
	Messages []Message
	Turn     int
}

// Streamer produces one turn's stream of events for a request. The returned
// channel is closed after StreamDone or StreamError.
type Streamer interface {
	Provider() core.Provider
	Stream(ctx context.Context, req Request) <-chan core.StreamEvent
}
