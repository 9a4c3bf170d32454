package csrf

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestSafeMethodReissuesMissingCookie(t *testing.T) {
	var called bool
	h := Middleware(Options{})(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/flow/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler not reached on GET without cookie")
	}
	var issued *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			issued = c
		}
	}
	if issued == nil {
		t.Fatal("no secret cookie issued")
	}
	if !Valid(issued.Value) {
		t.Fatalf("issued cookie %q is not a valid secret", issued.Value)
	}
	if !issued.HttpOnly {
		t.Fatal("issued cookie not HttpOnly")
	}
}

func TestSafeMethodKeepsValidCookie(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	var called bool
	h := Middleware(Options{})(okHandler(&called))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !called {
		t.Fatal("handler not reached")
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName {
			t.Fatal("valid cookie was reissued")
		}
	}
}

func TestUnsafeMethodRejections(t *testing.T) {
	secret, err := NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	token, err := Mask(secret)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(r *http.Request)
		allowed []string
		status  int
	}{
		{
			name:   "no cookie",
			mutate: func(r *http.Request) {},
			status: http.StatusForbidden,
		},
		{
			name: "cookie without token",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
			},
			status: http.StatusForbidden,
		},
		{
			name: "wrong token",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				r.Header.Set(HeaderName, strings.Repeat("a", SecretLength))
			},
			status: http.StatusForbidden,
		},
		{
			name: "origin mismatch",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				r.Header.Set(HeaderName, token)
				r.Header.Set("Origin", "https://evil.example.com")
			},
			status: http.StatusForbidden,
		},
		{
			name: "header token accepted",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				r.Header.Set(HeaderName, token)
			},
			status: http.StatusOK,
		},
		{
			name: "raw secret accepted",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				r.Header.Set(HeaderName, secret)
			},
			status: http.StatusOK,
		},
		{
			name: "allow-listed origin",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				r.Header.Set(HeaderName, token)
				r.Header.Set("Origin", "https://app.example.com")
			},
			allowed: []string{"app.example.com"},
			status:  http.StatusOK,
		},
		{
			name: "form field token accepted",
			mutate: func(r *http.Request) {
				r.AddCookie(&http.Cookie{Name: CookieName, Value: secret})
				form := url.Values{FormField: {token}}
				r.Body = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode())).Body
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			},
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called bool
			h := Middleware(Options{AllowedOrigins: tt.allowed})(okHandler(&called))

			req := httptest.NewRequest(http.MethodPost, "https://example.com/flow/login", nil)
			tt.mutate(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.status, rec.Body.String())
			}
			if wantCalled := tt.status == http.StatusOK; called != wantCalled {
				t.Fatalf("handler called = %v, want %v", called, wantCalled)
			}
		})
	}
}
