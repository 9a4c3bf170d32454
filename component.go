package flowauth

// ComponentKind names the challenge component a render resolves to.
type ComponentKind string

const (
	// ComponentAccessDenied reports a denied check. Normal rendering, not an
	// error.
	ComponentAccessDenied ComponentKind = "access_denied"
	// ComponentIdentification prompts for a user identifier.
	ComponentIdentification ComponentKind = "identification"
	// ComponentPassword prompts for the pending user's credential.
	ComponentPassword ComponentKind = "password"
	// ComponentPrompt collects arbitrary typed fields.
	ComponentPrompt ComponentKind = "prompt"
	// ComponentConsent asks for approval to continue.
	ComponentConsent ComponentKind = "consent"
	// ComponentRedirect sends the client to the continuation URL.
	ComponentRedirect ComponentKind = "redirect"
	// ComponentRetry asks the client to repeat the request; the execution is
	// intact and continues on the next attempt.
	ComponentRetry ComponentKind = "retry"
	// ComponentError reports an unrecoverable execution error generically.
	ComponentError ComponentKind = "error"
)

// Component is the rendered challenge for the current stage.
type Component struct {
	Kind    ComponentKind `json:"type"`
	Message string        `json:"message,omitempty"`

	// ComponentIdentification
	Sources []string `json:"sources,omitempty"`

	// ComponentIdentification / ComponentPassword
	RecoveryURL string `json:"recovery_url,omitempty"`

	// ComponentPrompt
	Fields []PromptField `json:"fields,omitempty"`

	// ComponentRedirect
	To string `json:"to,omitempty"`

	// Set when a submission was rejected; the stage and cursor are
	// unchanged.
	ResponseError *ResponseError `json:"response_error,omitempty"`
}

// ResponseError is the structured submission failure attached to a
// re-render.
type ResponseError struct {
	Type  string     `json:"type"`
	Error FieldError `json:"error"`
}

// FieldError describes which field failed and how.
type FieldError struct {
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message,omitempty"`
	Expected string `json:"expected,omitempty"`
	Got      string `json:"got,omitempty"`
}

func responseError(se *SubmissionError) *ResponseError {
	fe := FieldError{Kind: string(se.Kind), Field: se.Field, Message: se.Message}
	if se.Kind == SubmissionInvalidType {
		fe.Expected = se.Expected.String()
		fe.Got = se.Got.String()
	}
	return &ResponseError{Type: "field", Error: fe}
}
