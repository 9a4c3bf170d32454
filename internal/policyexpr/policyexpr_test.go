package policyexpr

import (
	"errors"
	"strings"
	"testing"
)

var testScope = map[string]bool{
	"user":    true,
	"request": true,
	"client":  true,
}

func compileOK(t *testing.T, source string) *Program {
	t.Helper()
	p, err := Compile(source, testScope, Limits{})
	if err != nil {
		t.Fatalf("Compile(%q): %v", source, err)
	}
	return p
}

func TestCompileAccepts(t *testing.T) {
	sources := []string{
		`true`,
		`user.is_admin`,
		`!user.is_admin`,
		`user.name == "alice" && client.loopback`,
		`len(user.name) >= 3`,
		`user.group_count > 0 || request.path == "/admin"`,
		`(user.is_admin || client.private) && !client.multicast`,
	}
	for _, s := range sources {
		if _, err := Compile(s, testScope, Limits{}); err != nil {
			t.Errorf("Compile(%q) rejected: %v", s, err)
		}
	}
}

func TestCompileRejections(t *testing.T) {
	tests := []struct {
		name   string
		source string
		limits Limits
		reason string
	}{
		{name: "empty", source: "", reason: "empty"},
		{
			name:   "over length ceiling",
			source: "user.is_admin && " + strings.Repeat("true && ", 40) + "true",
			reason: "exceeds ceiling",
		},
		{
			name:   "tight length ceiling",
			source: "user.is_admin",
			limits: Limits{MaxSourceLength: 4},
			reason: "exceeds ceiling",
		},
		{
			name:   "operation ceiling",
			source: "1+1+1+1+1+1+1 == 7",
			limits: Limits{MaxOperations: 3},
			reason: "exceeds ceiling",
		},
		{name: "undeclared identifier", source: "secrets.api_key", reason: "undeclared"},
		{name: "non-builtin call", source: "exec(user.name)", reason: "builtin"},
		{
			name:   "comprehension",
			source: `[for x in user.groups {x}]`,
			reason: "not permitted",
		},
		{name: "struct literal", source: `{a: 1}.a == 1`, reason: "not permitted"},
		{name: "parse error", source: "user. == 1", reason: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.source, testScope, tt.limits)
			if err == nil {
				t.Fatalf("Compile(%q) accepted", tt.source)
			}
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("error type %T, want *CompileError", err)
			}
			if tt.reason != "" && !strings.Contains(ce.Reason, tt.reason) {
				t.Fatalf("reason %q does not mention %q", ce.Reason, tt.reason)
			}
		})
	}
}

func TestEvaluate(t *testing.T) {
	scope := map[string]any{
		"user": map[string]any{
			"name":        "alice",
			"is_admin":    false,
			"group_count": 2,
		},
		"request": map[string]any{"path": "/admin"},
		"client":  map[string]any{"loopback": true},
	}

	tests := []struct {
		source string
		want   bool
	}{
		{`user.name == "alice"`, true},
		{`user.is_admin`, false},
		{`!user.is_admin`, true},
		{`user.group_count >= 2 && client.loopback`, true},
		{`len(user.name) == 5`, true},
		{`request.path == "/login"`, false},
	}
	for _, tt := range tests {
		p := compileOK(t, tt.source)
		got, err := p.Evaluate(scope)
		if err != nil {
			t.Errorf("Evaluate(%q): %v", tt.source, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Evaluate(%q) = %v, want %v", tt.source, got, tt.want)
		}
	}
}

func TestEvaluateMissingScopeKeyFails(t *testing.T) {
	p := compileOK(t, "user.is_admin")
	if _, err := p.Evaluate(map[string]any{"user": map[string]any{}}); err == nil {
		t.Fatal("evaluation over an incomplete scope succeeded")
	}
}

func TestEvaluateNonBoolFails(t *testing.T) {
	p := compileOK(t, "user.group_count")
	_, err := p.Evaluate(map[string]any{
		"user": map[string]any{"group_count": 3},
	})
	if err == nil {
		t.Fatal("non-boolean result accepted")
	}
}

func TestOpsCounted(t *testing.T) {
	simple := compileOK(t, "true")
	complex := compileOK(t, "user.is_admin && len(user.name) > 3")
	if simple.Ops() >= complex.Ops() {
		t.Fatalf("ops(simple)=%d not below ops(complex)=%d", simple.Ops(), complex.Ops())
	}
}
