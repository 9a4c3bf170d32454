// Package csrf implements a stateless double-submit CSRF token: a long-lived
// random secret cookie paired with per-form one-time tokens masked under a
// fixed modular operation over a 62-symbol alphanumeric alphabet.
package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"strings"
)

const (
	// SecretLength is the length of the secret cookie value.
	SecretLength = 64
	// CookieName is the fixed secret cookie name.
	CookieName = "flowauth_csrf"
	// HeaderName is the fixed request header carrying the form token.
	HeaderName = "X-Flowauth-CSRF"
	// FormField is the form field carrying the token when no header is set.
	FormField = "csrf_token"

	alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var alphabetIndex = func() [256]int16 {
	var idx [256]int16
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		idx[alphabet[i]] = int16(i)
	}
	return idx
}()

// NewSecret returns a fresh random secret of SecretLength symbols drawn from
// the token alphabet.
func NewSecret() (string, error) {
	var b strings.Builder
	b.Grow(SecretLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := 0; i < SecretLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Valid reports whether v is a plausible secret: correct length, alphabet
// symbols only.
func Valid(v string) bool {
	if len(v) != SecretLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		if alphabetIndex[v[i]] < 0 {
			return false
		}
	}
	return true
}

// Mask combines secret with a fresh random pad and returns pad||masked. Each
// form embeds a distinct token for the same cookie secret, so the secret
// never appears verbatim in page bodies.
func Mask(secret string) (string, error) {
	pad, err := NewSecret()
	if err != nil {
		return "", err
	}
	masked := make([]byte, len(secret))
	for i := 0; i < len(secret); i++ {
		si := alphabetIndex[secret[i]]
		pi := alphabetIndex[pad[i]]
		if si < 0 || pi < 0 {
			masked[i] = secret[i]
			continue
		}
		masked[i] = alphabet[(int(si)+int(pi))%len(alphabet)]
	}
	return pad + string(masked), nil
}

// Unmask recovers the secret from a token. A token of exactly twice the
// secret length is always treated as masked; anything else is returned raw
// for direct comparison.
func Unmask(token string) string {
	if len(token) != 2*SecretLength {
		return token
	}
	pad := token[:SecretLength]
	masked := token[SecretLength:]
	out := make([]byte, SecretLength)
	for i := 0; i < SecretLength; i++ {
		mi := alphabetIndex[masked[i]]
		pi := alphabetIndex[pad[i]]
		if mi < 0 || pi < 0 {
			out[i] = masked[i]
			continue
		}
		out[i] = alphabet[(int(mi)-int(pi)+len(alphabet))%len(alphabet)]
	}
	return string(out)
}

// Matches verifies token against the cookie secret in constant time over the
// unmasked value.
func Matches(token, secret string) bool {
	unmasked := Unmask(token)
	if len(unmasked) != len(secret) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(unmasked), []byte(secret)) == 1
}
