package flowauth

import (
	"errors"
	"testing"
	"time"
)

func testCache(t *testing.T, idle, absolute time.Duration) (*executionCache, *time.Time) {
	t.Helper()
	c := newExecutionCache(idle, absolute, nil)
	t.Cleanup(c.stop)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func dummyExecution(key ExecutionKey) *Execution {
	flow := &Flow{Slug: key.FlowSlug, Entries: []FlowEntry{{Order: 10}}}
	return newExecution(key, flow, NewSnapshot(NewStore(&fakeLoader{})), NewExecutionContext(nil, time.Unix(0, 0)))
}

func mustKey(t *testing.T, session, slug string) ExecutionKey {
	t.Helper()
	key, err := NewExecutionKey(session, BySlug[*Flow](slug))
	if err != nil {
		t.Fatalf("NewExecutionKey: %v", err)
	}
	return key
}

func TestNewExecutionKeyRejectsNumericRef(t *testing.T) {
	if _, err := NewExecutionKey("s1", ByID[*Flow](42)); !errors.Is(err, ErrNumericCacheKey) {
		t.Fatalf("err = %v, want ErrNumericCacheKey", err)
	}
}

func TestGetOrStartRequiresPermissionOnMiss(t *testing.T) {
	c, _ := testCache(t, time.Hour, 3*time.Hour)
	key := mustKey(t, "s1", "login")

	exec, ok, err := c.getOrStart(key, false, func() (*Execution, error) {
		t.Fatal("start called without permission")
		return nil, nil
	})
	if err != nil || ok || exec != nil {
		t.Fatalf("miss without mayStart = (%v, %v, %v), want (nil, false, nil)", exec, ok, err)
	}

	started, ok, err := c.getOrStart(key, true, func() (*Execution, error) {
		return dummyExecution(key), nil
	})
	if err != nil || !ok || started == nil {
		t.Fatalf("start = (%v, %v, %v)", started, ok, err)
	}

	// Existing execution is now reachable without start permission.
	got, ok, err := c.getOrStart(key, false, nil)
	if err != nil || !ok || got != started {
		t.Fatalf("resume = (%v, %v, %v), want the started execution", got, ok, err)
	}
}

func TestIdleExpiry(t *testing.T) {
	c, now := testCache(t, time.Hour, 10*time.Hour)
	key := mustKey(t, "s1", "login")
	c.getOrStart(key, true, func() (*Execution, error) { return dummyExecution(key), nil })

	// Repeated access inside the idle window keeps the entry alive well past
	// a single idle period.
	for i := 0; i < 5; i++ {
		*now = now.Add(30 * time.Minute)
		if _, ok := c.get(key); !ok {
			t.Fatalf("entry expired at touch %d despite activity", i)
		}
	}

	*now = now.Add(time.Hour)
	if _, ok := c.get(key); ok {
		t.Fatal("entry survived a full idle period without access")
	}
	if c.len() != 0 {
		t.Fatalf("len = %d after lazy expiry, want 0", c.len())
	}
}

func TestAbsoluteExpiryIgnoresActivity(t *testing.T) {
	c, now := testCache(t, time.Hour, 3*time.Hour)
	key := mustKey(t, "s1", "login")
	c.getOrStart(key, true, func() (*Execution, error) { return dummyExecution(key), nil })

	// Touch every 30 minutes; the absolute lifetime still wins.
	for i := 0; i < 5; i++ {
		*now = now.Add(30 * time.Minute)
		if _, ok := c.get(key); !ok {
			t.Fatalf("entry gone at %v, before the absolute lifetime", now)
		}
	}
	*now = now.Add(30 * time.Minute)
	if _, ok := c.get(key); ok {
		t.Fatal("entry survived past the absolute lifetime")
	}
}

func TestSweepCountsEvictions(t *testing.T) {
	var evicted int
	c := newExecutionCache(time.Hour, 3*time.Hour, func(n int) { evicted += n })
	t.Cleanup(c.stop)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	for _, slug := range []string{"a", "b", "c"} {
		key := mustKey(t, "s1", slug)
		c.getOrStart(key, true, func() (*Execution, error) { return dummyExecution(key), nil })
	}

	now = now.Add(2 * time.Hour)
	c.sweep()
	if evicted != 3 {
		t.Fatalf("evicted = %d, want 3", evicted)
	}
	if c.len() != 0 {
		t.Fatalf("len = %d after sweep, want 0", c.len())
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c, _ := testCache(t, time.Hour, 3*time.Hour)
	key := mustKey(t, "s1", "login")
	c.getOrStart(key, true, func() (*Execution, error) { return dummyExecution(key), nil })

	c.invalidate(key)
	if _, ok := c.get(key); ok {
		t.Fatal("entry survived invalidation")
	}
}

func TestKeysAreSessionScoped(t *testing.T) {
	c, _ := testCache(t, time.Hour, 3*time.Hour)
	k1 := mustKey(t, "s1", "login")
	k2 := mustKey(t, "s2", "login")

	e1, _, _ := c.getOrStart(k1, true, func() (*Execution, error) { return dummyExecution(k1), nil })
	e2, _, _ := c.getOrStart(k2, true, func() (*Execution, error) { return dummyExecution(k2), nil })
	if e1 == e2 {
		t.Fatal("distinct sessions shared an execution")
	}
}
