package flowauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/auricle/flowauth/internal/rate"
)

// submitPassword verifies the submitted credential for the pending user
// against each configured backend. A wrong password is a field error and
// charges the attempt budget; any other backend failure is fatal for the
// request. Success flips the pending user to authenticated.
func (e *Engine) submitPassword(ctx context.Context, req *Request, exec *Execution, stage *Stage, form map[string]any) error {
	cfg := stage.Password
	if cfg == nil {
		return errors.New("password stage without configuration")
	}

	pw, err := formString(form, fieldPassword)
	if err != nil {
		return err
	}

	pending := exec.context.Pending
	if pending == nil {
		return &SubmissionError{Kind: SubmissionNoPendingUser}
	}

	if e.limiter != nil {
		if err := e.limiter.Check(ctx, pending.User.Name, req.ClientIP); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				return &SubmissionError{
					Kind: SubmissionInvalid, Field: fieldPassword,
					Message: "too many attempts, try again later",
				}
			}
			return err
		}
	}

	for _, backend := range cfg.Backends {
		switch backend {
		case BackendInternal:
			ok, err := e.verifyInternal(ctx, req, pending, pw)
			if err != nil {
				// Anything other than a wrong password is fatal.
				return err
			}
			if !ok {
				continue
			}
			pending.Authenticated = true
			exec.context.Set(fieldPassword, StringField(pw))
			if e.limiter != nil {
				if err := e.limiter.Reset(ctx, pending.User.Name, req.ClientIP); err != nil {
					e.logf("attempt counter reset failed for %s: %v", pending.User.Name, err)
				}
			}
			e.emit(EventPasswordVerified, req, exec, map[string]string{"stage": stage.Slug})
			return nil
		default:
			return fmt.Errorf("%w: password backend %d", ErrStageUnsupported, backend)
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Increment(ctx, pending.User.Name, req.ClientIP); err != nil &&
			!errors.Is(err, rate.ErrRateLimited) {
			return err
		}
	}
	return &SubmissionError{
		Kind: SubmissionInvalid, Field: fieldPassword,
		Message: "invalid password",
	}
}

// verifyInternal fetches the current stored hash on the leased transaction
// and verifies the candidate against it. The hash is re-read rather than
// taken from the pending user so a concurrent password change is honored.
func (e *Engine) verifyInternal(ctx context.Context, req *Request, pending *PendingUser, pw string) (bool, error) {
	var stored string
	err := e.withTx(ctx, req, func(q Querier) error {
		u, err := e.loader.UserByID(ctx, q, pending.User.ID)
		if err != nil {
			return err
		}
		stored = u.PasswordHash
		return nil
	})
	if err != nil {
		return false, err
	}
	if stored == "" {
		return false, nil
	}
	return e.hasher.Verify(pw, stored)
}
