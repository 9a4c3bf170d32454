package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// Dispatcher asynchronously forwards audit events to a sink. A nil
// dispatcher is valid and drops everything.
//
// Closing the event channel is the only shutdown signal: the forwarding
// goroutine drains whatever is buffered and exits. Emit and Close serialize
// on the mutex so no send can race the close.
type Dispatcher struct {
	sink    Sink
	events  chan Event
	drop    bool
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewDispatcher starts the forwarding goroutine. Returns nil when auditing
// is disabled.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:   sink,
		events: make(chan Event, cfg.BufferSize),
		drop:   cfg.DropIfFull,
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		d.sink.Emit(context.Background(), event)
	}
}

// Emit enqueues an event. When the buffer is full it either blocks or drops,
// per configuration. Events emitted after Close are discarded silently.
func (d *Dispatcher) Emit(event Event) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.drop {
		select {
		case d.events <- event:
		default:
			d.dropped.Add(1)
		}
		return
	}
	d.events <- event
}

// Dropped reports how many events were discarded under backpressure.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close delivers everything still buffered, then stops the forwarding
// goroutine. Safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.events)
	d.mu.Unlock()
	<-d.done
}
