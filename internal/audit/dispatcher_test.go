package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

// blockingSink holds every Emit until released so buffer backpressure is
// observable.
type blockingSink struct {
	mu      sync.Mutex
	events  []Event
	release chan struct{}
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{})}
}

func (s *blockingSink) Emit(_ context.Context, e Event) {
	<-s.release
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *blockingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, nil)
	if d != nil {
		t.Fatal("disabled config produced a dispatcher")
	}
	// Everything on a nil dispatcher is a no-op.
	d.Emit(Event{Name: "x"})
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher reported drops")
	}
	d.Close()
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &recordSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 16}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(Event{Name: "login", At: time.Now(), SessionID: "s", Detail: map[string]string{"n": "v"}})
	}
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 5 {
		t.Fatalf("delivered %d events, want 5", len(sink.events))
	}
	if sink.events[0].Name != "login" || sink.events[0].SessionID != "s" {
		t.Fatalf("event = %+v", sink.events[0])
	}
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := newBlockingSink()
	d := NewDispatcher(Config{Enabled: true, BufferSize: 2, DropIfFull: true}, sink)

	// One event may be in flight inside the sink; fill the buffer past
	// capacity and then some.
	for i := 0; i < 10; i++ {
		d.Emit(Event{Name: "e"})
	}
	if d.Dropped() == 0 {
		t.Fatal("no drops recorded with a full buffer")
	}

	close(sink.release)
	d.Close()

	if got := uint64(sink.count()) + d.Dropped(); got != 10 {
		t.Fatalf("delivered+dropped = %d, want 10", got)
	}
}

func TestEmitAfterCloseIsIgnored(t *testing.T) {
	sink := &recordSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)
	d.Close()
	d.Emit(Event{Name: "late"})
	d.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, e := range sink.events {
		if e.Name == "late" {
			t.Fatal("event delivered after close")
		}
	}
}

func TestNilSinkDefaultsToNoOp(t *testing.T) {
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1}, nil)
	d.Emit(Event{Name: "x"})
	d.Close()
}
