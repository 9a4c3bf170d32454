package flowauth

// submitConsent records an approval for this flow. Implicit mode accepts a
// previously recorded approval without requiring the field again; always
// mode demands an explicit true every time.
func (e *Engine) submitConsent(exec *Execution, stage *Stage, form map[string]any) error {
	cfg := stage.Consent
	key := consentFieldPrefix + exec.flow.Slug

	if cfg != nil && cfg.Mode == ConsentImplicit {
		if approved, err := exec.context.GetBool(key); err == nil && approved {
			return nil
		}
	}

	approved, err := formBool(form, "consent")
	if err != nil {
		return err
	}
	if !approved {
		return &SubmissionError{
			Kind: SubmissionInvalid, Field: "consent",
			Message: "approval is required to continue",
		}
	}
	exec.context.Set(key, BoolField(true))
	return nil
}
