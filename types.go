package flowauth

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Authentication is a flow-level requirement evaluated before any entry
// bindings. It decides whether the requesting session may use the flow at
// all.
type Authentication uint8

const (
	// AuthenticationNone requires that no user is signed in. A signed-in
	// session is denied (e.g. an enrollment flow).
	AuthenticationNone Authentication = iota
	// AuthenticationRequired requires any signed-in user.
	AuthenticationRequired
	// AuthenticationSuperuser requires a signed-in user with the admin flag.
	AuthenticationSuperuser
	// AuthenticationIgnored never contributes to the access decision.
	AuthenticationIgnored
)

// Flow is an ordered, configurable multi-stage process (login, logout,
// enrollment...). Flows are loaded from the datastore and immutable
// afterwards.
type Flow struct {
	ID             int64
	Slug           string
	Title          string
	Designation    string
	Authentication Authentication
	Bindings       []Binding
	Entries        []FlowEntry
}

// EntityID implements Entity.
func (f *Flow) EntityID() int64 { return f.ID }

// EntitySlug implements Entity.
func (f *Flow) EntitySlug() string { return f.Slug }

// FlowEntry is one positional slot of a flow: ordering, entry-level access
// bindings, and the stage executed at that position.
type FlowEntry struct {
	Order    int
	Bindings []Binding
	Stage    Ref[*Stage]
}

// StageKind tags the behavior of a stage.
type StageKind uint8

const (
	// StageDeny unconditionally refuses the flow at this position.
	StageDeny StageKind = iota
	// StagePrompt collects arbitrary typed fields from the user.
	StagePrompt
	// StageIdentification resolves a submitted identifier to a pending user.
	StageIdentification
	// StageUserLogin binds the pending user to the session.
	StageUserLogin
	// StageUserLogout removes the session's identity binding.
	StageUserLogout
	// StageUserWrite persists collected context fields to the user record.
	StageUserWrite
	// StagePassword verifies the pending user's credential.
	StagePassword
	// StageConsent asks the user to approve continuing.
	StageConsent
)

// Stage is one step type within a flow. Exactly one of the kind-specific
// config structs is set, matching Kind.
type Stage struct {
	ID      int64
	Slug    string
	Kind    StageKind
	Timeout time.Duration

	Prompt         *PromptConfig
	Identification *IdentificationConfig
	Password       *PasswordStageConfig
	Consent        *ConsentConfig
}

// EntityID implements Entity.
func (s *Stage) EntityID() int64 { return s.ID }

// EntitySlug implements Entity.
func (s *Stage) EntitySlug() string { return s.Slug }

// RequiresInput reports whether the stage renders a challenge and waits for
// a submission. The three user-lifecycle kinds run as synchronous side
// effects inside the completion loop instead.
func (s *Stage) RequiresInput() bool {
	switch s.Kind {
	case StageUserLogin, StageUserLogout, StageUserWrite:
		return false
	default:
		return true
	}
}

// UserField names a user column the identification stage may match against.
type UserField uint8

const (
	// UserFieldName matches the unique username.
	UserFieldName UserField = iota
	// UserFieldEmail matches the email address.
	UserFieldEmail
	// UserFieldUUID matches the stable user UUID.
	UserFieldUUID
)

func (f UserField) String() string {
	switch f {
	case UserFieldName:
		return "name"
	case UserFieldEmail:
		return "email"
	case UserFieldUUID:
		return "uuid"
	default:
		return fmt.Sprintf("field(%d)", uint8(f))
	}
}

// IdentificationConfig configures a StageIdentification stage.
type IdentificationConfig struct {
	// UserFields are the enabled match fields, tried in the fixed priority
	// order name, email, uuid regardless of configuration order.
	UserFields []UserField
	// PasswordStage, when set, verifies the credential in the same
	// submission instead of a separate password step.
	PasswordStage *Ref[*Stage]
	RecoveryURL   string
}

// Enabled reports whether f is in the enabled field set.
func (c *IdentificationConfig) Enabled(f UserField) bool {
	for _, uf := range c.UserFields {
		if uf == f {
			return true
		}
	}
	return false
}

// PasswordBackend selects a credential verification backend.
type PasswordBackend uint8

const (
	// BackendInternal verifies against the stored argon2id hash.
	BackendInternal PasswordBackend = iota
)

// PasswordStageConfig configures a StagePassword stage.
type PasswordStageConfig struct {
	Backends    []PasswordBackend
	RecoveryURL string
}

// ConsentMode controls when a consent stage re-prompts.
type ConsentMode uint8

const (
	// ConsentAlways prompts on every execution.
	ConsentAlways ConsentMode = iota
	// ConsentImplicit auto-approves when a prior approval is recorded in the
	// execution context.
	ConsentImplicit
)

// ConsentConfig configures a StageConsent stage.
type ConsentConfig struct {
	Mode ConsentMode
}

// PromptField is one input collected by a prompt stage.
type PromptField struct {
	Key      string
	Label    string
	Kind     FieldKind
	Required bool
}

// PromptConfig configures a StagePrompt stage. Bindings act as validation
// policies over the submitted values.
type PromptConfig struct {
	Fields   []PromptField
	Bindings []Binding
}

// BindingKind tags the subject of an access-control binding.
type BindingKind uint8

const (
	// BindingUser matches a specific user id.
	BindingUser BindingKind = iota
	// BindingGroup matches membership in a group id.
	BindingGroup
	// BindingPolicy delegates to a policy evaluation.
	BindingPolicy
)

// Binding is a single access-control rule. Bindings are evaluated ascending
// by Order; Negate inverts Passed/Failed verdicts but never Neutral ones.
type Binding struct {
	Enabled bool
	Negate  bool
	Order   int
	Kind    BindingKind

	UserID  int64
	GroupID int64
	Policy  Ref[*Policy]
}

// PolicyKind tags the evaluation strategy of a policy.
type PolicyKind uint8

const (
	// PolicyPasswordExpiry fails when the user's password is older than MaxAge.
	PolicyPasswordExpiry PolicyKind = iota
	// PolicyPasswordStrength checks the candidate password in the execution
	// context against length and character-class minimums.
	PolicyPasswordStrength
	// PolicyExpression evaluates a sandboxed boolean expression.
	PolicyExpression
)

// Policy is a reusable access or validation rule referenced by bindings.
type Policy struct {
	ID   int64
	Slug string
	Kind PolicyKind

	// PolicyPasswordExpiry
	MaxAge time.Duration

	// PolicyPasswordStrength
	MinLength  int
	MinClasses int

	// PolicyExpression
	Expression string
}

// EntityID implements Entity.
func (p *Policy) EntityID() int64 { return p.ID }

// EntitySlug implements Entity.
func (p *Policy) EntitySlug() string { return p.Slug }

// User is the resolved identity record.
type User struct {
	ID                int64
	UUID              string
	Name              string
	Email             string
	PasswordHash      string
	PasswordChangedAt time.Time
	IsAdmin           bool
	Groups            []int64
	Attributes        map[string]string
}

// InGroup reports membership in the given group id.
func (u *User) InGroup(groupID int64) bool {
	for _, g := range u.Groups {
		if g == groupID {
			return true
		}
	}
	return false
}

// PendingUser is the candidate identity produced by an identification stage.
// Authenticated stays false until a password backend verified the credential.
type PendingUser struct {
	User          *User
	Authenticated bool
}

// FieldKind tags the runtime type of a context field.
type FieldKind uint8

const (
	// FieldString holds a string value.
	FieldString FieldKind = iota
	// FieldInt holds an int64 value.
	FieldInt
	// FieldBool holds a bool value.
	FieldBool
	// FieldTime holds a time.Time value.
	FieldTime
)

func (k FieldKind) String() string {
	switch k {
	case FieldString:
		return "string"
	case FieldInt:
		return "int"
	case FieldBool:
		return "bool"
	case FieldTime:
		return "time"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FieldValue is a tagged value in the execution context field bag. Reads go
// through the typed accessors, which check the tag instead of casting blind.
type FieldValue struct {
	Kind FieldKind

	Str  string
	Int  int64
	Bool bool
	Time time.Time
}

// StringField wraps s as a tagged field value.
func StringField(s string) FieldValue { return FieldValue{Kind: FieldString, Str: s} }

// IntField wraps i as a tagged field value.
func IntField(i int64) FieldValue { return FieldValue{Kind: FieldInt, Int: i} }

// BoolField wraps b as a tagged field value.
func BoolField(b bool) FieldValue { return FieldValue{Kind: FieldBool, Bool: b} }

// TimeField wraps t as a tagged field value.
func TimeField(t time.Time) FieldValue { return FieldValue{Kind: FieldTime, Time: t} }

// ExecutionContext is the mutable per-execution state: the pending identity,
// the session user at start, the typed field bag, and an optional terminal
// error that poisons the execution.
type ExecutionContext struct {
	StartedAt time.Time
	Pending   *PendingUser
	User      *User

	fields map[string]FieldValue

	// TerminalErr marks the execution unrecoverable; render reports a
	// generic error from then on.
	TerminalErr error
}

// NewExecutionContext returns a context stamped with the start time and the
// session user active when the execution began.
func NewExecutionContext(user *User, now time.Time) *ExecutionContext {
	return &ExecutionContext{
		StartedAt: now,
		User:      user,
		fields:    make(map[string]FieldValue),
	}
}

// Set stores a tagged field value under name.
func (ec *ExecutionContext) Set(name string, v FieldValue) {
	ec.fields[name] = v
}

// Get returns the tagged value for name.
func (ec *ExecutionContext) Get(name string) (FieldValue, bool) {
	v, ok := ec.fields[name]
	return v, ok
}

// GetString returns the string field name, or a typed submission error when
// the field is absent or tagged otherwise.
func (ec *ExecutionContext) GetString(name string) (string, error) {
	v, ok := ec.fields[name]
	if !ok {
		return "", &SubmissionError{Kind: SubmissionMissingField, Field: name}
	}
	if v.Kind != FieldString {
		return "", &SubmissionError{
			Kind: SubmissionInvalidType, Field: name,
			Expected: FieldString, Got: v.Kind,
		}
	}
	return v.Str, nil
}

// GetBool returns the bool field name under the same tag rules as GetString.
func (ec *ExecutionContext) GetBool(name string) (bool, error) {
	v, ok := ec.fields[name]
	if !ok {
		return false, &SubmissionError{Kind: SubmissionMissingField, Field: name}
	}
	if v.Kind != FieldBool {
		return false, &SubmissionError{
			Kind: SubmissionInvalidType, Field: name,
			Expected: FieldBool, Got: v.Kind,
		}
	}
	return v.Bool, nil
}

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx. All
// loader calls go through it so request-scoped reads and writes can run on
// the leased transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EntityLoader maps datastore rows onto the entity model. Implementations
// return ErrNotFound for missing rows; lookups accept either a slug or a
// positive numeric id (slug wins when both are set).
type EntityLoader interface {
	Flow(ctx context.Context, q Querier, slug string, id int64) (*Flow, error)
	Stage(ctx context.Context, q Querier, slug string, id int64) (*Stage, error)
	Policy(ctx context.Context, q Querier, slug string, id int64) (*Policy, error)

	UserByID(ctx context.Context, q Querier, id int64) (*User, error)
	UserByField(ctx context.Context, q Querier, field UserField, value string) (*User, error)
	WriteUserAttributes(ctx context.Context, q Querier, userID int64, attrs map[string]string) error
	UpdatePasswordHash(ctx context.Context, q Querier, userID int64, hash string) error
}
