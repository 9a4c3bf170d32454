package flowauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/auricle/flowauth/internal/audit"
	"github.com/auricle/flowauth/internal/lease"
	"github.com/auricle/flowauth/internal/rate"
	"github.com/auricle/flowauth/jwt"
	"github.com/auricle/flowauth/password"
	"github.com/auricle/flowauth/session"
)

// Reserved execution-context field names.
const (
	fieldUID         = "uid"
	fieldPassword    = "password"
	fieldAccessToken = "access_token"

	consentFieldPrefix = "consent/"
)

// Engine runs flow executions. Build one with New()...Build() and treat it
// as immutable afterwards.
type Engine struct {
	config   Config
	loader   EntityLoader
	db       *sql.DB
	store    *Store
	cache    *executionCache
	policies *PolicyEngine
	hasher   *password.Argon2
	jwt      *jwt.Manager
	sessions *session.Store
	limiter  *rate.Limiter
	audit    *audit.Dispatcher
	metrics  *Metrics

	now func() time.Time
}

// Request carries the per-request state the engine needs: the session
// identity, client metadata for policy scopes, the continuation URL, and the
// transaction lease shared by every datastore consumer of this request.
type Request struct {
	SessionID string
	User      *User
	ClientIP  string
	URI       *url.URL
	Next      string
	Lease     *lease.Lease
}

// NewRequest assembles a request with a fresh lease over the engine's
// datastore. The caller commits the lease on overall success and rolls it
// back otherwise.
func (e *Engine) NewRequest(sessionID string, user *User) *Request {
	return &Request{SessionID: sessionID, User: user, Lease: lease.New(e.db)}
}

// Close stops the cache janitor and drains the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.cache != nil {
		e.cache.stop()
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Store exposes the live reference store, mainly for the external
// invalidation hook.
func (e *Engine) Store() *Store { return e.store }

// Policies exposes the policy engine, mainly for compile-cache invalidation
// after configuration edits.
func (e *Engine) Policies() *PolicyEngine { return e.policies }

// Sessions exposes the session store for middleware session resolution.
func (e *Engine) Sessions() *session.Store { return e.sessions }

// JWT exposes the token manager for middleware validation.
func (e *Engine) JWT() *jwt.Manager { return e.jwt }

// LoadUser resolves a user id on the request's leased transaction.
func (e *Engine) LoadUser(ctx context.Context, req *Request, id int64) (*User, error) {
	var user *User
	err := e.withTx(ctx, req, func(q Querier) error {
		u, err := e.loader.UserByID(ctx, q, id)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	return user, err
}

// ResolveOrStart looks up the live execution for (session, flow slug). On a
// miss with mayStart set it builds a frozen snapshot plus a fresh execution
// context and inserts the execution; without mayStart a miss returns
// ErrExecutionNotFound. A flow with no entries cannot start.
func (e *Engine) ResolveOrStart(ctx context.Context, req *Request, flowSlug string, mayStart bool) (*Execution, error) {
	if e == nil || e.cache == nil {
		return nil, ErrEngineNotReady
	}
	key, err := NewExecutionKey(req.SessionID, BySlug[*Flow](flowSlug))
	if err != nil {
		return nil, err
	}

	exec, ok, err := e.cache.getOrStart(key, mayStart, func() (*Execution, error) {
		return e.startExecution(ctx, req, key)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return exec, nil
}

func (e *Engine) startExecution(ctx context.Context, req *Request, key ExecutionKey) (*Execution, error) {
	var (
		snap *Snapshot
		flow *Flow
		errs []RefError
	)
	err := e.withTx(ctx, req, func(q Querier) error {
		snap, flow, errs = BuildSnapshot(ctx, q, e.store, BySlug[*Flow](key.FlowSlug))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if flow == nil {
		if len(errs) > 0 {
			return nil, fmt.Errorf("%w: %v", ErrNotFound, errs[0])
		}
		return nil, ErrNotFound
	}
	if len(errs) > 0 {
		// Unresolved post-freeze references are a configuration error for
		// this execution. Every failure is logged; none is silent.
		for _, re := range errs {
			e.logf("flow %s snapshot unresolved: %v", key.FlowSlug, re)
		}
		e.metricInc(MetricSnapshotUnresolved)
		return nil, fmt.Errorf("%w: %d unresolved", ErrFrozenUnresolved, len(errs))
	}
	if len(flow.Entries) == 0 {
		return nil, ErrFlowEmpty
	}

	ec := NewExecutionContext(req.User, e.now())
	exec := newExecution(key, flow, snap, ec)
	e.metricInc(MetricExecutionStarted)
	e.emit(EventExecutionStarted, req, exec, nil)
	return exec, nil
}

// Render produces the challenge component for the execution's current
// position: AccessDenied when the check denies, the continuation redirect
// once completed, or the component of the current stage.
func (e *Engine) Render(ctx context.Context, req *Request, exec *Execution) (*Component, error) {
	if !exec.mu.TryLock() {
		return nil, ErrExecutionBusy
	}
	defer exec.mu.Unlock()
	return e.renderLocked(ctx, req, exec, nil)
}

// Submit validates one form submission against the current stage. Submission
// errors re-render the unchanged stage with a structured response_error;
// success advances the cursor, runs completion side effects, and renders the
// next challenge or the continuation redirect.
func (e *Engine) Submit(ctx context.Context, req *Request, exec *Execution, form map[string]any) (*Component, error) {
	if !exec.mu.TryLock() {
		return nil, ErrExecutionBusy
	}
	defer exec.mu.Unlock()

	if exec.context.TerminalErr != nil {
		return &Component{Kind: ComponentError, Message: genericErrorMessage}, nil
	}
	if d := e.check(ctx, req, exec); d.denied {
		e.metricInc(MetricAccessDenied)
		e.emit(EventAccessDenied, req, exec, nil)
		return &Component{Kind: ComponentAccessDenied, Message: d.message}, nil
	}
	if exec.Completed() {
		return e.renderLocked(ctx, req, exec, nil)
	}

	entry, ok := exec.currentEntry()
	if !ok {
		return e.renderLocked(ctx, req, exec, nil)
	}
	stage, err := Resolve(ctx, nil, exec.snapshot, entry.Stage)
	if err != nil {
		return nil, err
	}

	if stage.Kind == StageDeny {
		e.metricInc(MetricAccessDenied)
		return &Component{Kind: ComponentAccessDenied, Message: "access denied"}, nil
	}

	if err := e.submitStage(ctx, req, exec, stage, form); err != nil {
		if se, ok := AsSubmissionError(err); ok {
			e.metricInc(MetricSubmissionRejected)
			e.emit(EventSubmissionRejected, req, exec, map[string]string{
				"stage": stage.Slug,
				"error": se.Error(),
			})
			return e.renderLocked(ctx, req, exec, responseError(se))
		}
		return nil, err
	}

	e.emit(EventStageSubmitted, req, exec, map[string]string{"stage": stage.Slug})

	if exec.nested != nil {
		// Identification accepted but its inline password challenge is
		// still open; the cursor holds until the credential is verified.
		return e.renderLocked(ctx, req, exec, nil)
	}
	exec.advance()
	if err := e.runCompletion(ctx, req, exec); err != nil {
		return nil, err
	}
	return e.renderLocked(ctx, req, exec, nil)
}

// submitStage dispatches a submission to the current stage kind. Kinds
// without a handler are a hard error, never silently skipped.
func (e *Engine) submitStage(ctx context.Context, req *Request, exec *Execution, stage *Stage, form map[string]any) error {
	// An open nested challenge absorbs the input; the entry itself is done
	// only once the nested stage accepts.
	if n := exec.nested; n != nil {
		if err := e.submitPassword(ctx, req, exec, n, form); err != nil {
			return err
		}
		exec.nested = nil
		return nil
	}

	switch stage.Kind {
	case StageIdentification:
		return e.submitIdentification(ctx, req, exec, stage, form)
	case StagePassword:
		return e.submitPassword(ctx, req, exec, stage, form)
	case StagePrompt:
		return e.submitPrompt(ctx, req, exec, stage, form)
	case StageConsent:
		return e.submitConsent(exec, stage, form)
	case StageUserLogin, StageUserLogout, StageUserWrite:
		// Accepted as a no-op; the completion loop performs the side effect.
		return nil
	default:
		return fmt.Errorf("%w: %d", ErrStageUnsupported, stage.Kind)
	}
}

const genericErrorMessage = "something went wrong, please contact your administrator"

func (e *Engine) renderLocked(ctx context.Context, req *Request, exec *Execution, respErr *ResponseError) (*Component, error) {
	if exec.context.TerminalErr != nil {
		return &Component{Kind: ComponentError, Message: genericErrorMessage}, nil
	}

	if d := e.check(ctx, req, exec); d.denied {
		e.metricInc(MetricAccessDenied)
		e.emit(EventAccessDenied, req, exec, nil)
		return &Component{Kind: ComponentAccessDenied, Message: d.message}, nil
	}

	// A freshly started (or resumed) execution may sit on a stage that runs
	// without input; drive it through the completion loop first.
	if !exec.Completed() {
		if err := e.runCompletion(ctx, req, exec); err != nil {
			return nil, err
		}
		if exec.context.TerminalErr != nil {
			return &Component{Kind: ComponentError, Message: genericErrorMessage}, nil
		}
	}

	if exec.Completed() {
		if req.Next == "" {
			return nil, ErrNoContinuation
		}
		e.cache.invalidate(exec.key)
		e.metricInc(MetricExecutionCompleted)
		e.emit(EventExecutionCompleted, req, exec, map[string]string{"next": req.Next})
		return &Component{Kind: ComponentRedirect, To: req.Next}, nil
	}

	entry, ok := exec.currentEntry()
	if !ok {
		return nil, fmt.Errorf("entry index %d out of range", exec.EntryIndex())
	}
	stage, err := Resolve(ctx, nil, exec.snapshot, entry.Stage)
	if err != nil {
		return nil, err
	}
	if exec.nested != nil {
		stage = exec.nested
	}

	// Implicit consent with a recorded approval needs no prompt; advance
	// through it and render whatever follows.
	if stage.Kind == StageConsent && stage.Consent != nil && stage.Consent.Mode == ConsentImplicit {
		if approved, err := exec.context.GetBool(consentFieldPrefix + exec.flow.Slug); err == nil && approved {
			exec.advance()
			if err := e.runCompletion(ctx, req, exec); err != nil {
				return nil, err
			}
			return e.renderLocked(ctx, req, exec, respErr)
		}
	}

	// The cursor only rests on a no-input stage here when the completion
	// loop halted at its ceiling. The halt is already logged and counted;
	// the execution stays live and picks the loop back up on the next
	// request.
	if !stage.RequiresInput() {
		return &Component{Kind: ComponentRetry, Message: "please try again"}, nil
	}

	comp, err := e.renderStage(stage)
	if err != nil {
		return nil, err
	}
	comp.ResponseError = respErr
	return comp, nil
}

// renderStage maps one input-bearing stage onto its challenge component.
func (e *Engine) renderStage(stage *Stage) (*Component, error) {
	switch stage.Kind {
	case StageDeny:
		return &Component{Kind: ComponentAccessDenied, Message: "access denied"}, nil
	case StageIdentification:
		comp := &Component{Kind: ComponentIdentification}
		if cfg := stage.Identification; cfg != nil {
			for _, f := range cfg.UserFields {
				comp.Sources = append(comp.Sources, f.String())
			}
			comp.RecoveryURL = cfg.RecoveryURL
		}
		return comp, nil
	case StagePassword:
		comp := &Component{Kind: ComponentPassword}
		if cfg := stage.Password; cfg != nil {
			comp.RecoveryURL = cfg.RecoveryURL
		}
		return comp, nil
	case StagePrompt:
		comp := &Component{Kind: ComponentPrompt}
		if cfg := stage.Prompt; cfg != nil {
			comp.Fields = cfg.Fields
		}
		return comp, nil
	case StageConsent:
		return &Component{Kind: ComponentConsent, Message: "approval required to continue"}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrStageUnsupported, stage.Kind)
	}
}

// runCompletion drives the execution while the current stage runs without
// input, performing each stage's synchronous side effect and advancing. The
// iteration ceiling is a safety valve against miswired flows, not a
// correctness guarantee: exceeding it logs, counts, and halts without
// completing, leaving the execution retryable.
func (e *Engine) runCompletion(ctx context.Context, req *Request, exec *Execution) error {
	ceiling := e.config.CompletionCeiling
	if ceiling <= 0 {
		ceiling = defaultCompletionCeiling
	}

	for i := 0; !exec.Completed(); i++ {
		entry, ok := exec.currentEntry()
		if !ok {
			return nil
		}
		stage, err := Resolve(ctx, nil, exec.snapshot, entry.Stage)
		if err != nil {
			return err
		}
		if stage.RequiresInput() {
			return nil
		}
		if i >= ceiling {
			e.logf("flow %s completion loop exceeded ceiling %d at entry %d, halting",
				exec.flow.Slug, ceiling, exec.EntryIndex())
			e.metricInc(MetricCompletionCeiling)
			return nil
		}
		if err := e.stageSideEffect(ctx, req, exec, stage); err != nil {
			return err
		}
		if exec.context.TerminalErr != nil {
			return nil
		}
		exec.advance()
	}
	return nil
}

func (e *Engine) stageSideEffect(ctx context.Context, req *Request, exec *Execution, stage *Stage) error {
	switch stage.Kind {
	case StageUserLogin:
		return e.applyUserLogin(ctx, req, exec, stage)
	case StageUserLogout:
		return e.applyUserLogout(ctx, req, exec, stage)
	case StageUserWrite:
		return e.applyUserWrite(ctx, req, exec, stage)
	default:
		return fmt.Errorf("%w: %d has no side effect", ErrStageUnsupported, stage.Kind)
	}
}

// withTx borrows the request's shared transaction for one consumer.
// Sequential borrows within a request see the same transaction; overlapping
// borrows fail fast in the lease.
func (e *Engine) withTx(ctx context.Context, req *Request, fn func(q Querier) error) error {
	if req.Lease == nil {
		return errors.New("request has no transaction lease")
	}
	b, err := req.Lease.Borrow(ctx)
	if err != nil {
		return err
	}
	defer b.Release()
	return fn(b.Tx())
}

func (e *Engine) logf(format string, args ...any) {
	log.Printf("flowauth: "+format, args...)
}

func (e *Engine) metricInc(id MetricID) {
	if e.metrics != nil {
		e.metrics.Inc(id)
	}
}
