package flowauth

import (
	"context"
	"errors"
)

// identificationOrder is the fixed match priority. Configuration order does
// not matter; the first enabled field with a match wins.
var identificationOrder = [...]UserField{UserFieldName, UserFieldEmail, UserFieldUUID}

// submitIdentification extracts the typed "uid" field, resolves it to a user
// by the stage's enabled fields, and stores the result as the pending,
// not-yet-authenticated identity. With a nested password stage configured, a
// submission that already carries the credential is verified in the same
// step; an identifier-only submission opens the password challenge instead.
func (e *Engine) submitIdentification(ctx context.Context, req *Request, exec *Execution, stage *Stage, form map[string]any) error {
	cfg := stage.Identification
	if cfg == nil {
		return errors.New("identification stage without configuration")
	}

	uid, err := formString(form, fieldUID)
	if err != nil {
		return err
	}

	var matched *User
	err = e.withTx(ctx, req, func(q Querier) error {
		for _, field := range identificationOrder {
			if !cfg.Enabled(field) {
				continue
			}
			u, err := e.loader.UserByField(ctx, q, field, uid)
			if err != nil {
				if IsNotFound(err) {
					continue
				}
				return err
			}
			matched = u
			return nil
		}
		return nil
	})
	if err != nil {
		return err
	}
	if matched == nil {
		return &SubmissionError{
			Kind: SubmissionInvalid, Field: fieldUID,
			Message: "failed to identify user",
		}
	}

	exec.context.Pending = &PendingUser{User: matched}
	exec.context.Set(fieldUID, StringField(uid))

	if cfg.PasswordStage != nil {
		nested, err := Resolve(ctx, nil, exec.snapshot, *cfg.PasswordStage)
		if err != nil {
			return err
		}
		if _, ok := form[fieldPassword]; ok {
			return e.submitPassword(ctx, req, exec, nested, form)
		}
		exec.nested = nested
		return nil
	}
	return nil
}
