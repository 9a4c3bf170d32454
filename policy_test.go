package flowauth

import (
	"net/url"
	"testing"
	"time"

	"github.com/auricle/flowauth/internal/policyexpr"
)

func TestVerdictNegated(t *testing.T) {
	if VerdictPassed.negated() != VerdictFailed {
		t.Fatal("negated passed != failed")
	}
	if VerdictFailed.negated() != VerdictPassed {
		t.Fatal("negated failed != passed")
	}
	if VerdictNeutral.negated() != VerdictNeutral {
		t.Fatal("negation touched neutral")
	}
}

func TestPasswordExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	policy := &Policy{Kind: PolicyPasswordExpiry, MaxAge: 90 * 24 * time.Hour}
	pe := NewPolicyEngine(policyexpr.Limits{})

	tests := []struct {
		name  string
		scope *PolicyScope
		want  Verdict
	}{
		{
			name:  "no user",
			scope: &PolicyScope{Now: now},
			want:  VerdictNeutral,
		},
		{
			name: "fresh password",
			scope: &PolicyScope{
				User: &User{PasswordChangedAt: now.Add(-24 * time.Hour)},
				Now:  now,
			},
			want: VerdictPassed,
		},
		{
			name: "stale password",
			scope: &PolicyScope{
				User: &User{PasswordChangedAt: now.Add(-120 * 24 * time.Hour)},
				Now:  now,
			},
			want: VerdictFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pe.Evaluate(policy, tt.scope)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("verdict = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPasswordExpiryWithoutMaxAge(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	v, err := pe.Evaluate(&Policy{Kind: PolicyPasswordExpiry}, &PolicyScope{User: &User{}})
	if err != nil {
		t.Fatal(err)
	}
	if v != VerdictPassed {
		t.Fatalf("verdict = %s, want passed when no max age is set", v)
	}
}

func TestPasswordStrength(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	policy := &Policy{Kind: PolicyPasswordStrength, MinLength: 8, MinClasses: 3}

	tests := []struct {
		name     string
		password string
		want     Verdict
	}{
		{name: "no candidate", password: "", want: VerdictNeutral},
		{name: "too short", password: "Ab1", want: VerdictFailed},
		{name: "too few classes", password: "abcdefgh", want: VerdictFailed},
		{name: "acceptable", password: "Abcdef12", want: VerdictPassed},
		{name: "symbols count as a class", password: "abcdef1!", want: VerdictPassed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pe.Evaluate(policy, &PolicyScope{Password: tt.password})
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("verdict for %q = %s, want %s", tt.password, got, tt.want)
			}
		})
	}
}

func TestExpressionPolicy(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	policy := &Policy{ID: 1, Kind: PolicyExpression, Expression: `user.is_admin && client.loopback`}

	scope := &PolicyScope{
		User:     &User{Name: "root", IsAdmin: true},
		ClientIP: "127.0.0.1",
		URI:      &url.URL{Path: "/admin"},
	}
	v, err := pe.Evaluate(policy, scope)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != VerdictPassed {
		t.Fatalf("verdict = %s, want passed", v)
	}

	scope.ClientIP = "203.0.113.9"
	v, err = pe.Evaluate(policy, scope)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != VerdictFailed {
		t.Fatalf("verdict = %s for non-loopback client, want failed", v)
	}
}

func TestExpressionAnonymousScope(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	policy := &Policy{ID: 2, Kind: PolicyExpression, Expression: `!user.authenticated`}

	v, err := pe.Evaluate(policy, &PolicyScope{})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if v != VerdictPassed {
		t.Fatalf("verdict = %s for anonymous scope, want passed", v)
	}
}

func TestExpressionCompileErrorFails(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	policy := &Policy{ID: 3, Kind: PolicyExpression, Expression: `os.exit(1)`}

	v, err := pe.Evaluate(policy, &PolicyScope{})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if v != VerdictFailed {
		t.Fatalf("verdict = %s on compile error, want failed", v)
	}
}

func TestExpressionCacheInvalidation(t *testing.T) {
	pe := NewPolicyEngine(policyexpr.Limits{})
	policy := &Policy{ID: 4, Kind: PolicyExpression, Expression: `true`}

	if v, err := pe.Evaluate(policy, &PolicyScope{}); err != nil || v != VerdictPassed {
		t.Fatalf("initial = (%s, %v)", v, err)
	}

	// Without invalidation the stale program keeps answering.
	policy.Expression = `false`
	if v, _ := pe.Evaluate(policy, &PolicyScope{}); v != VerdictPassed {
		t.Fatalf("verdict = %s before invalidation, want cached passed", v)
	}

	pe.Invalidate(policy.ID)
	if v, _ := pe.Evaluate(policy, &PolicyScope{}); v != VerdictFailed {
		t.Fatalf("verdict = %s after invalidation, want failed", v)
	}
}
