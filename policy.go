package flowauth

import (
	"net/netip"
	"net/url"
	"sync"
	"time"
	"unicode"

	"github.com/auricle/flowauth/internal/policyexpr"
)

// Verdict is the three-valued outcome of a binding or policy evaluation.
type Verdict uint8

const (
	// VerdictNeutral neither grants nor denies; negate never touches it.
	VerdictNeutral Verdict = iota
	// VerdictPassed grants.
	VerdictPassed
	// VerdictFailed denies.
	VerdictFailed
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	default:
		return "neutral"
	}
}

// negated inverts Passed and Failed. Neutral is unaffected.
func (v Verdict) negated() Verdict {
	switch v {
	case VerdictPassed:
		return VerdictFailed
	case VerdictFailed:
		return VerdictPassed
	default:
		return VerdictNeutral
	}
}

// PolicyScope is the read-only input to a policy evaluation: the effective
// user (pending over session), the request line, and the candidate password
// when one is in flight.
type PolicyScope struct {
	User     *User
	URI      *url.URL
	ClientIP string
	// Password is the candidate password from the execution context, empty
	// when none is pending.
	Password string
	Now      time.Time
}

// scopeKeys are the identifiers expressions may reference.
var scopeKeys = map[string]bool{
	"user":    true,
	"request": true,
	"client":  true,
}

// exprScope flattens the policy scope into plain data for the sandbox.
// Network classification is precomputed here; expressions cannot call host
// functions.
func exprScope(s *PolicyScope) map[string]any {
	user := map[string]any{
		"authenticated": false,
		"name":          "",
		"email":         "",
		"is_admin":      false,
		"groups":        []int64{},
	}
	if s.User != nil {
		groups := s.User.Groups
		if groups == nil {
			groups = []int64{}
		}
		user = map[string]any{
			"authenticated": true,
			"name":          s.User.Name,
			"email":         s.User.Email,
			"is_admin":      s.User.IsAdmin,
			"groups":        groups,
		}
	}

	request := map[string]any{"path": "", "host": "", "query": ""}
	if s.URI != nil {
		request = map[string]any{
			"path":  s.URI.Path,
			"host":  s.URI.Host,
			"query": s.URI.RawQuery,
		}
	}

	client := map[string]any{
		"address":        s.ClientIP,
		"loopback":       false,
		"private":        false,
		"multicast":      false,
		"link_local":     false,
		"global_unicast": false,
	}
	if addr, err := netip.ParseAddr(s.ClientIP); err == nil {
		client = map[string]any{
			"address":        s.ClientIP,
			"loopback":       addr.IsLoopback(),
			"private":        addr.IsPrivate(),
			"multicast":      addr.IsMulticast(),
			"link_local":     addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast(),
			"global_unicast": addr.IsGlobalUnicast(),
		}
	}

	return map[string]any{"user": user, "request": request, "client": client}
}

// PolicyEngine evaluates policies. Expression policies compile once per
// policy id into a cached sandbox program; edits must call Invalidate.
type PolicyEngine struct {
	limits policyexpr.Limits

	mu       sync.RWMutex
	programs map[int64]*policyexpr.Program
}

// NewPolicyEngine returns an engine with an empty compile cache.
func NewPolicyEngine(limits policyexpr.Limits) *PolicyEngine {
	return &PolicyEngine{
		limits:   limits,
		programs: make(map[int64]*policyexpr.Program),
	}
}

// Invalidate drops the cached program for a policy id after an edit.
func (pe *PolicyEngine) Invalidate(policyID int64) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	delete(pe.programs, policyID)
}

// Evaluate runs one policy against scope. Builtin kinds are evaluated
// in-process; expression kinds go through the sandbox. The error return is
// reserved for sandbox failures so callers can decide severity.
func (pe *PolicyEngine) Evaluate(p *Policy, scope *PolicyScope) (Verdict, error) {
	switch p.Kind {
	case PolicyPasswordExpiry:
		return evalPasswordExpiry(p, scope), nil
	case PolicyPasswordStrength:
		return evalPasswordStrength(p, scope), nil
	case PolicyExpression:
		return pe.evalExpression(p, scope)
	default:
		return VerdictNeutral, nil
	}
}

// evalPasswordExpiry compares the time since the last password change with
// the policy's max age. Not applicable without a user.
func evalPasswordExpiry(p *Policy, scope *PolicyScope) Verdict {
	if scope.User == nil {
		return VerdictNeutral
	}
	now := scope.Now
	if now.IsZero() {
		now = time.Now()
	}
	if p.MaxAge <= 0 {
		return VerdictPassed
	}
	if now.Sub(scope.User.PasswordChangedAt) > p.MaxAge {
		return VerdictFailed
	}
	return VerdictPassed
}

// evalPasswordStrength checks the candidate password in the execution
// context. Neutral when no candidate is present.
func evalPasswordStrength(p *Policy, scope *PolicyScope) Verdict {
	if scope.Password == "" {
		return VerdictNeutral
	}
	if p.MinLength > 0 && len(scope.Password) < p.MinLength {
		return VerdictFailed
	}
	if p.MinClasses > 0 && charClasses(scope.Password) < p.MinClasses {
		return VerdictFailed
	}
	return VerdictPassed
}

func charClasses(s string) int {
	var lower, upper, digit, other bool
	for _, r := range s {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	n := 0
	for _, b := range [...]bool{lower, upper, digit, other} {
		if b {
			n++
		}
	}
	return n
}

func (pe *PolicyEngine) evalExpression(p *Policy, scope *PolicyScope) (Verdict, error) {
	pe.mu.RLock()
	prog, ok := pe.programs[p.ID]
	pe.mu.RUnlock()

	if !ok {
		compiled, err := policyexpr.Compile(p.Expression, scopeKeys, pe.limits)
		if err != nil {
			return VerdictFailed, err
		}
		pe.mu.Lock()
		// A racing compile of the same policy may have won; either program
		// is equivalent.
		if existing, ok := pe.programs[p.ID]; ok {
			compiled = existing
		} else {
			pe.programs[p.ID] = compiled
		}
		pe.mu.Unlock()
		prog = compiled
	}

	result, err := prog.Evaluate(exprScope(scope))
	if err != nil {
		return VerdictFailed, err
	}
	if result {
		return VerdictPassed, nil
	}
	return VerdictFailed, nil
}
