package csrf

import (
	"net/http"
	"net/url"
)

// Options tunes the middleware. AllowedOrigins entries are compared against
// the Origin header's host; "*" allows any origin.
type Options struct {
	AllowedOrigins []string
	// CookieSecure marks the secret cookie Secure. Defaults off so local
	// http development works; production deployments should enable it.
	CookieSecure bool
}

func safeMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

// Middleware enforces the double-submit check. Safe methods only soft-check:
// a missing or malformed secret cookie triggers reissuance and the request
// proceeds. Unsafe methods hard-fail with 403 on a missing Host header, an
// Origin mismatch against the allow-list, or a token mismatch.
func Middleware(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := ""
			if c, err := r.Cookie(CookieName); err == nil {
				secret = c.Value
			}

			if safeMethod(r.Method) {
				if !Valid(secret) {
					fresh, err := NewSecret()
					if err != nil {
						http.Error(w, "internal error", http.StatusInternalServerError)
						return
					}
					http.SetCookie(w, secretCookie(fresh, opts.CookieSecure))
				}
				next.ServeHTTP(w, r)
				return
			}

			if r.Host == "" {
				http.Error(w, "forbidden: missing host", http.StatusForbidden)
				return
			}
			if origin := r.Header.Get("Origin"); origin != "" && origin != "null" {
				if !originAllowed(origin, r.Host, opts.AllowedOrigins) {
					http.Error(w, "forbidden: origin mismatch", http.StatusForbidden)
					return
				}
			}
			if !Valid(secret) {
				http.Error(w, "forbidden: csrf cookie missing", http.StatusForbidden)
				return
			}

			token := r.Header.Get(HeaderName)
			if token == "" {
				token = r.PostFormValue(FormField)
			}
			if token == "" || !Matches(token, secret) {
				http.Error(w, "forbidden: csrf token mismatch", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin, host string, allowed []string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == host {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == u.Host || a == origin {
			return true
		}
	}
	return false
}

func secretCookie(secret string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    secret,
		Path:     "/",
		MaxAge:   int((365 * 24 * 60 * 60)),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
