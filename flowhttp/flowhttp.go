// Package flowhttp exposes the flow engine over HTTP with chi routing, CSRF
// double-submit protection, and cookie sessions.
package flowhttp

import (
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	flowauth "github.com/auricle/flowauth"
	"github.com/auricle/flowauth/csrf"
	"github.com/auricle/flowauth/session"
)

// SessionCookie carries the opaque session id.
const SessionCookie = "flowauth_session"

// Options tunes the HTTP surface.
type Options struct {
	// AllowedOrigins extends the CSRF origin allowlist beyond the request
	// host.
	AllowedOrigins []string
	// CookieSecure marks issued cookies Secure. Enable everywhere TLS
	// terminates in front of the service.
	CookieSecure bool
}

// Routes mounts the flow executor endpoints:
//
//	GET  /flow/{slug}   render the current challenge, starting on first visit
//	POST /flow/{slug}   submit the current challenge
//
// Both accept a ?next= continuation URL. POST bodies may be JSON or form
// encoded.
func Routes(engine *flowauth.Engine, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(csrf.Middleware(csrf.Options{
		AllowedOrigins: opts.AllowedOrigins,
		CookieSecure:   opts.CookieSecure,
	}))
	r.Use(sessionCookie(opts.CookieSecure))

	h := &handler{engine: engine}
	r.Get("/flow/{slug}", h.render)
	r.Post("/flow/{slug}", h.submit)
	return r
}

// sessionCookie guarantees every request carries a session id, issuing a
// fresh random one when absent.
func sessionCookie(secure bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := r.Cookie(SessionCookie); err != nil {
				c := &http.Cookie{
					Name:     SessionCookie,
					Value:    uuid.NewString(),
					Path:     "/",
					HttpOnly: true,
					Secure:   secure,
					SameSite: http.SameSiteLaxMode,
				}
				http.SetCookie(w, c)
				r.AddCookie(c)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type handler struct {
	engine *flowauth.Engine
}

// envelope is the response body for both endpoints.
type envelope struct {
	Flow        flowInfo            `json:"flow"`
	Component   *flowauth.Component `json:"component"`
	PendingUser string              `json:"pending_user,omitempty"`
	Error       string              `json:"error,omitempty"`
}

type flowInfo struct {
	Title string `json:"title"`
}

func (h *handler) render(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, true, nil)
}

func (h *handler) submit(w http.ResponseWriter, r *http.Request) {
	form, err := parseBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	h.serve(w, r, false, form)
}

// serve runs one render or submit round trip: resolve the session user on
// the request's transaction lease, resolve or start the execution, drive the
// engine, and commit the lease only when the whole round trip succeeded.
func (h *handler) serve(w http.ResponseWriter, r *http.Request, mayStart bool, form map[string]any) {
	ctx := r.Context()
	sid := sessionID(r)

	req := h.engine.NewRequest(sid, nil)
	committed := false
	defer func() {
		if !committed {
			if err := req.Lease.Rollback(); err != nil {
				log.Printf("flowhttp: rollback: %v", err)
			}
		}
	}()

	req.ClientIP = clientIP(r)
	req.URI = r.URL
	req.Next = r.URL.Query().Get("next")

	if rec, err := h.engine.Sessions().Get(ctx, sid); err == nil {
		user, err := h.engine.LoadUser(ctx, req, rec.UserID)
		if err == nil {
			req.User = user
		} else if !flowauth.IsNotFound(err) {
			writeError(w, http.StatusInternalServerError, "session resolution failed")
			return
		}
	} else if !errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	slug := chi.URLParam(r, "slug")
	exec, err := h.engine.ResolveOrStart(ctx, req, slug, mayStart)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	var comp *flowauth.Component
	if form != nil {
		comp, err = h.engine.Submit(ctx, req, exec, form)
	} else {
		comp, err = h.engine.Render(ctx, req, exec)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}

	if err := req.Lease.Commit(); err != nil {
		writeError(w, http.StatusInternalServerError, "datastore commit failed")
		return
	}
	committed = true

	env := envelope{
		Flow:      flowInfo{Title: exec.Flow().Title},
		Component: comp,
	}
	if p := exec.PendingUser(); p != nil && p.User != nil {
		env.PendingUser = p.User.Name
	}
	writeJSON(w, http.StatusOK, env)
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flowauth.ErrExecutionNotFound),
		errors.Is(err, flowauth.ErrNotFound),
		errors.Is(err, flowauth.ErrNumericCacheKey):
		writeError(w, http.StatusNotFound, "unknown flow")
	case errors.Is(err, flowauth.ErrExecutionBusy):
		writeError(w, http.StatusConflict, "execution busy")
	case errors.Is(err, flowauth.ErrNoContinuation):
		writeError(w, http.StatusBadRequest, "flow completed without a continuation URL")
	case errors.Is(err, flowauth.ErrFlowEmpty),
		errors.Is(err, flowauth.ErrFrozenUnresolved):
		writeError(w, http.StatusConflict, "flow is not executable")
	default:
		log.Printf("flowhttp: engine error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseBody accepts a JSON object or a classic form encoding.
func parseBody(r *http.Request) (map[string]any, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		form := map[string]any{}
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&form); err != nil {
			return nil, err
		}
		return form, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	form := make(map[string]any, len(r.PostForm))
	for k, vs := range r.PostForm {
		if k == csrf.FormField {
			continue
		}
		if len(vs) > 0 {
			form[k] = vs[0]
		}
	}
	return form, nil
}

func sessionID(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("flowhttp: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}
