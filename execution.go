package flowauth

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// Execution is the per-(session, flow) state machine instance: the frozen
// entity snapshot, the mutable execution context, and the traversal cursor.
//
// entryIndex and completed are atomics for fast-path reads; authoritative
// mutation happens under the per-execution lock together with context
// updates. The lock is only ever try-acquired: two requests racing one
// execution's mutable state is a caller bug surfaced as ErrExecutionBusy,
// not a queueing situation.
type Execution struct {
	key      ExecutionKey
	flow     *Flow
	snapshot *Snapshot

	entryIndex atomic.Int64
	completed  atomic.Bool

	mu      sync.RWMutex
	context *ExecutionContext

	// nested is the open sub-challenge of the current entry: an
	// identification stage's inline password verification after an
	// identifier-only submission. While set, input routes to it and the
	// cursor holds. Guarded by mu.
	nested *Stage
}

func newExecution(key ExecutionKey, flow *Flow, snap *Snapshot, ec *ExecutionContext) *Execution {
	return &Execution{key: key, flow: flow, snapshot: snap, context: ec}
}

// Flow returns the execution's frozen flow.
func (x *Execution) Flow() *Flow { return x.flow }

// Key returns the cache key addressing this execution.
func (x *Execution) Key() ExecutionKey { return x.key }

// EntryIndex returns the current position. Non-decreasing for the lifetime
// of the execution.
func (x *Execution) EntryIndex() int { return int(x.entryIndex.Load()) }

// Completed reports whether the execution finished. One-way.
func (x *Execution) Completed() bool { return x.completed.Load() }

// PendingUser returns the pending identity, if any. Callers racing a
// mutation see a consistent snapshot via the read lock.
func (x *Execution) PendingUser() *PendingUser {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.context.Pending
}

// AccessToken returns the token minted on login completion, if any.
func (x *Execution) AccessToken() string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	v, ok := x.context.Get(fieldAccessToken)
	if !ok || v.Kind != FieldString {
		return ""
	}
	return v.Str
}

// currentEntry returns the entry at the cursor. False once past the end.
// Callers hold the execution lock.
func (x *Execution) currentEntry() (*FlowEntry, bool) {
	idx := int(x.entryIndex.Load())
	if x.completed.Load() || idx >= len(x.flow.Entries) {
		return nil, false
	}
	return &x.flow.Entries[idx], true
}

// advance marks the current entry done and moves the cursor, flipping
// completed at the end. entryIndex never decreases and never exceeds the
// entry count. Callers hold the execution lock.
func (x *Execution) advance() {
	if x.completed.Load() {
		return
	}
	idx := x.entryIndex.Load() + 1
	if idx >= int64(len(x.flow.Entries)) {
		x.entryIndex.Store(int64(len(x.flow.Entries)))
		x.completed.Store(true)
		return
	}
	x.entryIndex.Store(idx)
}

// accessDecision is the result of a full check pass.
type accessDecision struct {
	denied  bool
	message string
}

// check evaluates the flow's authentication requirement and then the current
// entry's bindings ascending by order, denying on the first non-passing,
// non-neutral verdict. Callers hold the execution lock.
func (e *Engine) check(ctx context.Context, req *Request, x *Execution) accessDecision {
	// A completed execution only renders its continuation; login and logout
	// side effects already changed the session user, so re-evaluating the
	// requirement here would deny the flow that just satisfied it.
	if x.Completed() {
		return accessDecision{}
	}

	if v := authVerdict(x.flow.Authentication, x.context.User); v == VerdictFailed {
		return accessDecision{denied: true, message: "flow does not apply to current session"}
	}

	entry, ok := x.currentEntry()
	if !ok {
		return accessDecision{}
	}

	bindings := make([]Binding, 0, len(x.flow.Bindings)+len(entry.Bindings))
	bindings = append(bindings, x.flow.Bindings...)
	bindings = append(bindings, entry.Bindings...)
	return e.checkBindings(ctx, req, x, bindings)
}

func (e *Engine) checkBindings(ctx context.Context, req *Request, x *Execution, bindings []Binding) accessDecision {
	ordered := make([]Binding, len(bindings))
	copy(ordered, bindings)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	for i := range ordered {
		b := &ordered[i]
		if !b.Enabled {
			continue
		}
		v := e.bindingVerdict(ctx, req, x, b)
		if b.Negate {
			v = v.negated()
		}
		if v == VerdictFailed {
			return accessDecision{denied: true, message: "access denied"}
		}
	}
	return accessDecision{}
}

func (e *Engine) bindingVerdict(ctx context.Context, req *Request, x *Execution, b *Binding) Verdict {
	user := x.context.User
	switch b.Kind {
	case BindingUser:
		if user != nil && user.ID == b.UserID {
			return VerdictPassed
		}
		return VerdictFailed
	case BindingGroup:
		if user != nil && user.InGroup(b.GroupID) {
			return VerdictPassed
		}
		return VerdictFailed
	case BindingPolicy:
		policy, err := Resolve(ctx, nil, x.snapshot, b.Policy)
		if err != nil {
			// Unresolved post-freeze: configuration error, logged, denies.
			e.logf("policy binding unresolved for flow %s: %v", x.flow.Slug, err)
			e.metricInc(MetricPolicyError)
			return VerdictFailed
		}
		v, err := e.policies.Evaluate(policy, e.policyScope(req, x))
		if err != nil {
			e.logf("policy %s evaluation failed: %v", policy.Slug, err)
			e.metricInc(MetricPolicyError)
			e.emit(EventPolicyError, req, x, map[string]string{
				"policy": policy.Slug,
				"error":  err.Error(),
			})
		}
		return v
	default:
		return VerdictNeutral
	}
}

// authVerdict maps the flow requirement onto a three-valued verdict:
// superuser needs an admin user, required needs any user, none needs no
// user, ignored is always neutral.
func authVerdict(a Authentication, user *User) Verdict {
	switch a {
	case AuthenticationSuperuser:
		if user != nil && user.IsAdmin {
			return VerdictPassed
		}
		return VerdictFailed
	case AuthenticationRequired:
		if user != nil {
			return VerdictPassed
		}
		return VerdictFailed
	case AuthenticationNone:
		if user == nil {
			return VerdictPassed
		}
		return VerdictFailed
	default:
		return VerdictNeutral
	}
}

func (e *Engine) policyScope(req *Request, x *Execution) *PolicyScope {
	scope := &PolicyScope{Now: e.now()}
	if x.context.Pending != nil {
		scope.User = x.context.Pending.User
	} else {
		scope.User = x.context.User
	}
	if v, ok := x.context.Get(fieldPassword); ok && v.Kind == FieldString {
		scope.Password = v.Str
	}
	if req != nil {
		scope.URI = req.URI
		scope.ClientIP = req.ClientIP
	}
	return scope
}
