package flowauth

import (
	"context"
	"errors"
	"strconv"

	"github.com/auricle/flowauth/session"
)

// applyUserLogin binds the authenticated pending user to the session: a
// session record is persisted and an access token minted. An unauthenticated
// or missing pending user is a terminal execution error, not a retryable
// submission failure.
func (e *Engine) applyUserLogin(ctx context.Context, req *Request, exec *Execution, stage *Stage) error {
	pending := exec.context.Pending
	if pending == nil || !pending.Authenticated {
		exec.context.TerminalErr = errors.New("user login reached without authenticated pending user")
		e.logf("flow %s: %v", exec.flow.Slug, exec.context.TerminalErr)
		e.emit(EventLoginFailed, req, exec, map[string]string{"stage": stage.Slug})
		return nil
	}

	if e.sessions != nil {
		rec := &session.Record{
			UserID:          pending.User.ID,
			AuthenticatedAt: e.now().Unix(),
		}
		if err := e.sessions.Save(ctx, req.SessionID, rec); err != nil {
			return err
		}
	}
	if e.jwt != nil {
		token, err := e.jwt.Issue(strconv.FormatInt(pending.User.ID, 10), req.SessionID)
		if err != nil {
			return err
		}
		exec.context.Set(fieldAccessToken, StringField(token))
	}

	exec.context.User = pending.User
	e.metricInc(MetricLoginSuccess)
	e.emit(EventLogin, req, exec, map[string]string{
		"user": pending.User.Name,
	})
	return nil
}

// applyUserLogout removes the session's identity binding.
func (e *Engine) applyUserLogout(ctx context.Context, req *Request, exec *Execution, stage *Stage) error {
	if e.sessions != nil {
		if err := e.sessions.Delete(ctx, req.SessionID); err != nil &&
			!errors.Is(err, session.ErrSessionNotFound) {
			return err
		}
	}
	exec.context.User = nil
	e.metricInc(MetricLogout)
	e.emit(EventLogout, req, exec, nil)
	return nil
}

// applyUserWrite persists the context fields collected by earlier prompt
// stages onto the pending user through the leased transaction. A collected
// candidate password is hashed and written as the new credential.
func (e *Engine) applyUserWrite(ctx context.Context, req *Request, exec *Execution, stage *Stage) error {
	pending := exec.context.Pending
	if pending == nil {
		exec.context.TerminalErr = errors.New("user write reached without pending user")
		e.logf("flow %s: %v", exec.flow.Slug, exec.context.TerminalErr)
		return nil
	}

	attrs := make(map[string]string)
	for name, v := range exec.context.fields {
		if reservedField(name) || v.Kind != FieldString {
			continue
		}
		attrs[name] = v.Str
	}

	return e.withTx(ctx, req, func(q Querier) error {
		if len(attrs) > 0 {
			if err := e.loader.WriteUserAttributes(ctx, q, pending.User.ID, attrs); err != nil {
				return err
			}
		}
		if v, ok := exec.context.Get(fieldPassword); ok && v.Kind == FieldString {
			hash, err := e.hasher.Hash(v.Str)
			if err != nil {
				return err
			}
			if err := e.loader.UpdatePasswordHash(ctx, q, pending.User.ID, hash); err != nil {
				return err
			}
		}
		e.emit(EventUserWritten, req, exec, map[string]string{
			"user":   pending.User.Name,
			"fields": strconv.Itoa(len(attrs)),
		})
		return nil
	})
}

func reservedField(name string) bool {
	switch name {
	case fieldUID, fieldPassword, fieldAccessToken:
		return true
	}
	return len(name) > len(consentFieldPrefix) && name[:len(consentFieldPrefix)] == consentFieldPrefix
}
