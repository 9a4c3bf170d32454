package flowauth

import (
	"context"
	"errors"
	"time"
)

// submitPrompt extracts every configured field with its declared type into
// the context field bag, then evaluates the prompt's validation bindings
// over the updated context. A failing validation rejects the submission and
// leaves the stage unchanged.
func (e *Engine) submitPrompt(ctx context.Context, req *Request, exec *Execution, stage *Stage, form map[string]any) error {
	cfg := stage.Prompt
	if cfg == nil {
		return errors.New("prompt stage without configuration")
	}

	// Extract into a staging map first so a failing field leaves the
	// context untouched.
	staged := make(map[string]FieldValue, len(cfg.Fields))
	for _, field := range cfg.Fields {
		if _, present := form[field.Key]; !present {
			if field.Required {
				return &SubmissionError{Kind: SubmissionMissingField, Field: field.Key}
			}
			continue
		}
		fv, err := extractPromptField(field, form)
		if err != nil {
			return err
		}
		staged[field.Key] = fv
	}
	for k, v := range staged {
		exec.context.Set(k, v)
	}

	if len(cfg.Bindings) > 0 {
		if d := e.checkBindings(ctx, req, exec, cfg.Bindings); d.denied {
			return &SubmissionError{
				Kind: SubmissionInvalid, Field: "",
				Message: "submitted values failed validation",
			}
		}
	}
	return nil
}

func extractPromptField(field PromptField, form map[string]any) (FieldValue, error) {
	switch field.Kind {
	case FieldString:
		s, err := formString(form, field.Key)
		if err != nil {
			return FieldValue{}, err
		}
		return StringField(s), nil
	case FieldInt:
		n, err := formInt(form, field.Key)
		if err != nil {
			return FieldValue{}, err
		}
		return IntField(n), nil
	case FieldBool:
		b, err := formBool(form, field.Key)
		if err != nil {
			return FieldValue{}, err
		}
		return BoolField(b), nil
	case FieldTime:
		s, err := formString(form, field.Key)
		if err != nil {
			return FieldValue{}, err
		}
		t, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return FieldValue{}, &SubmissionError{
				Kind: SubmissionInvalid, Field: field.Key,
				Message: "expected RFC 3339 timestamp",
			}
		}
		return TimeField(t), nil
	default:
		return FieldValue{}, &SubmissionError{
			Kind: SubmissionInvalid, Field: field.Key,
			Message: "unsupported field type",
		}
	}
}
