package flowauth

import (
	"sync"
	"time"
)

// ExecutionKey addresses one live execution: the session id plus the flow
// reference restricted to slug form. Id-form references are rejected at
// construction so a renamed flow can never alias another session's state.
type ExecutionKey struct {
	SessionID string
	FlowSlug  string
}

// NewExecutionKey builds a cache key from a session id and a flow reference.
func NewExecutionKey(sessionID string, flowRef Ref[*Flow]) (ExecutionKey, error) {
	if flowRef.Slug == "" {
		return ExecutionKey{}, ErrNumericCacheKey
	}
	return ExecutionKey{SessionID: sessionID, FlowSlug: flowRef.Slug}, nil
}

type cacheEntry struct {
	exec       *Execution
	insertedAt time.Time
	lastAccess time.Time
}

// executionCache maps (session, flow) to live executions. Entries are
// evicted after the idle timeout without access or the absolute lifetime
// from insertion, whichever elapses first. The cache is single-process and
// in-memory.
type executionCache struct {
	idle     time.Duration
	absolute time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[ExecutionKey]*cacheEntry

	onEvict func(int)

	done     chan struct{}
	stopOnce sync.Once
}

func newExecutionCache(idle, absolute time.Duration, onEvict func(int)) *executionCache {
	c := &executionCache{
		idle:     idle,
		absolute: absolute,
		now:      time.Now,
		entries:  make(map[ExecutionKey]*cacheEntry),
		onEvict:  onEvict,
		done:     make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *executionCache) janitor() {
	interval := c.idle / 10
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *executionCache) expired(e *cacheEntry, now time.Time) bool {
	if c.idle > 0 && now.Sub(e.lastAccess) >= c.idle {
		return true
	}
	if c.absolute > 0 && now.Sub(e.insertedAt) >= c.absolute {
		return true
	}
	return false
}

func (c *executionCache) sweep() {
	now := c.now()
	c.mu.Lock()
	evicted := 0
	for k, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, k)
			evicted++
		}
	}
	c.mu.Unlock()
	if evicted > 0 && c.onEvict != nil {
		c.onEvict(evicted)
	}
}

// get returns the live execution for key, refreshing its idle clock.
// Expired entries are treated as absent even before the janitor runs.
func (c *executionCache) get(key ExecutionKey) (*Execution, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.expired(e, now) {
		delete(c.entries, key)
		return nil, false
	}
	e.lastAccess = now
	return e.exec, true
}

// getOrStart returns the live execution for key or, when mayStart is set,
// builds one via start and inserts it. Without start permission a miss
// returns (nil, false, nil): GET requests may start executions, POST
// requests must target an existing one.
func (c *executionCache) getOrStart(key ExecutionKey, mayStart bool, start func() (*Execution, error)) (*Execution, bool, error) {
	if exec, ok := c.get(key); ok {
		return exec, true, nil
	}
	if !mayStart {
		return nil, false, nil
	}
	exec, err := start()
	if err != nil {
		return nil, false, err
	}
	now := c.now()
	c.mu.Lock()
	// A racing starter may have inserted meanwhile; keep the first one so
	// both requests share state.
	if e, ok := c.entries[key]; ok && !c.expired(e, now) {
		e.lastAccess = now
		exec = e.exec
	} else {
		c.entries[key] = &cacheEntry{exec: exec, insertedAt: now, lastAccess: now}
	}
	c.mu.Unlock()
	return exec, true, nil
}

// invalidate removes the entry for key, if any. Called after a completed
// execution renders its continuation redirect.
func (c *executionCache) invalidate(key ExecutionKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *executionCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *executionCache) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
