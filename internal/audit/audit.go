// Package audit forwards flow lifecycle events to a pluggable sink without
// blocking request handling.
package audit

import (
	"context"
	"time"
)

// Event is one audit record.
type Event struct {
	Name      string
	At        time.Time
	SessionID string
	FlowSlug  string
	UserID    int64
	Detail    map[string]string
}

// Sink receives events. Emit must be safe for concurrent use; slow sinks
// only cost buffered capacity, never request latency.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink discards everything.
type NoOpSink struct{}

// Emit implements Sink.
func (NoOpSink) Emit(context.Context, Event) {}
