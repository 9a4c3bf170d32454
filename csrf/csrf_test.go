package csrf

import (
	"strings"
	"testing"
)

func TestNewSecretShape(t *testing.T) {
	s, err := NewSecret()
	if err != nil {
		t.Fatalf("NewSecret: %v", err)
	}
	if len(s) != SecretLength {
		t.Fatalf("len = %d, want %d", len(s), SecretLength)
	}
	if !Valid(s) {
		t.Fatalf("generated secret %q not Valid", s)
	}
}

func TestValidRejects(t *testing.T) {
	cases := []string{
		"",
		strings.Repeat("a", SecretLength-1),
		strings.Repeat("a", SecretLength+1),
		strings.Repeat("a", SecretLength-1) + "!",
		strings.Repeat("a", SecretLength-1) + " ",
	}
	for _, c := range cases {
		if Valid(c) {
			t.Errorf("Valid(%q) = true, want false", c)
		}
	}
}

func TestMaskRoundTrip(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	token, err := Mask(secret)
	if err != nil {
		t.Fatalf("Mask: %v", err)
	}
	if len(token) != 2*SecretLength {
		t.Fatalf("token length = %d, want %d", len(token), 2*SecretLength)
	}
	if got := Unmask(token); got != secret {
		t.Fatalf("Unmask(Mask(s)) = %q, want %q", got, secret)
	}
	if !Matches(token, secret) {
		t.Fatal("Matches(masked token) = false")
	}
}

func TestMaskedTokensDiffer(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	t1, err := Mask(secret)
	if err != nil {
		t.Fatal(err)
	}
	t2, err := Mask(secret)
	if err != nil {
		t.Fatal(err)
	}
	if t1 == t2 {
		t.Fatal("two masked tokens for the same secret are identical")
	}
	if strings.Contains(t1, secret) {
		t.Fatal("masked token embeds the raw secret")
	}
}

func TestUnmaskRawPassthrough(t *testing.T) {
	// Anything that is not exactly twice the secret length compares raw.
	secret := strings.Repeat("b", SecretLength)
	if got := Unmask(secret); got != secret {
		t.Fatalf("Unmask(raw) = %q, want passthrough", got)
	}
	if !Matches(secret, secret) {
		t.Fatal("Matches(raw secret) = false")
	}
}

func TestMatchesRejectsWrongSecret(t *testing.T) {
	s1, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	s2, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	token, err := Mask(s1)
	if err != nil {
		t.Fatal(err)
	}
	if Matches(token, s2) {
		t.Fatal("token for s1 matched s2")
	}
	if Matches("", s1) {
		t.Fatal("empty token matched")
	}
}
