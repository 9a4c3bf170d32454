package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	flowauth "github.com/auricle/flowauth"
)

// Loader implements flowauth.EntityLoader over the schema in schema.sql.
// It is stateless; every call runs on the Querier it is handed, so
// request-scoped calls share the request's leased transaction.
type Loader struct{}

// NewLoader returns the SQLite entity loader.
func NewLoader() *Loader { return &Loader{} }

// JSON row shapes. These are the storage format, deliberately decoupled from
// the engine's model types.

type refJSON struct {
	Slug string `json:"slug,omitempty"`
	ID   int64  `json:"id,omitempty"`
}

type bindingJSON struct {
	Enabled bool     `json:"enabled"`
	Negate  bool     `json:"negate,omitempty"`
	Order   int      `json:"order"`
	Kind    uint8    `json:"kind"`
	UserID  int64    `json:"user_id,omitempty"`
	GroupID int64    `json:"group_id,omitempty"`
	Policy  *refJSON `json:"policy,omitempty"`
}

type entryJSON struct {
	Order    int           `json:"order"`
	Bindings []bindingJSON `json:"bindings,omitempty"`
	Stage    refJSON       `json:"stage"`
}

type promptFieldJSON struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Kind     uint8  `json:"kind"`
	Required bool   `json:"required,omitempty"`
}

type stageConfigJSON struct {
	Prompt *struct {
		Fields   []promptFieldJSON `json:"fields,omitempty"`
		Bindings []bindingJSON     `json:"bindings,omitempty"`
	} `json:"prompt,omitempty"`
	Identification *struct {
		UserFields    []uint8  `json:"user_fields,omitempty"`
		PasswordStage *refJSON `json:"password_stage,omitempty"`
		RecoveryURL   string   `json:"recovery_url,omitempty"`
	} `json:"identification,omitempty"`
	Password *struct {
		Backends    []uint8 `json:"backends,omitempty"`
		RecoveryURL string  `json:"recovery_url,omitempty"`
	} `json:"password,omitempty"`
	Consent *struct {
		Mode uint8 `json:"mode"`
	} `json:"consent,omitempty"`
}

func refFromJSON(r refJSON) flowauth.Ref[*flowauth.Stage] {
	if r.Slug != "" {
		return flowauth.BySlug[*flowauth.Stage](r.Slug)
	}
	return flowauth.ByID[*flowauth.Stage](r.ID)
}

func policyRefFromJSON(r refJSON) flowauth.Ref[*flowauth.Policy] {
	if r.Slug != "" {
		return flowauth.BySlug[*flowauth.Policy](r.Slug)
	}
	return flowauth.ByID[*flowauth.Policy](r.ID)
}

func bindingsFromJSON(rows []bindingJSON) []flowauth.Binding {
	if len(rows) == 0 {
		return nil
	}
	out := make([]flowauth.Binding, 0, len(rows))
	for _, b := range rows {
		bind := flowauth.Binding{
			Enabled: b.Enabled,
			Negate:  b.Negate,
			Order:   b.Order,
			Kind:    flowauth.BindingKind(b.Kind),
			UserID:  b.UserID,
			GroupID: b.GroupID,
		}
		if b.Policy != nil {
			bind.Policy = policyRefFromJSON(*b.Policy)
		}
		out = append(out, bind)
	}
	return out
}

// Flow loads a flow by slug or id. Slug wins when both are set.
func (l *Loader) Flow(ctx context.Context, q flowauth.Querier, slug string, id int64) (*flowauth.Flow, error) {
	row := lookupRow(ctx, q,
		`SELECT id, slug, title, designation, authentication, bindings, entries FROM flows`,
		slug, id)

	var (
		f                   flowauth.Flow
		auth                uint8
		bindingsB, entriesB []byte
	)
	err := row.Scan(&f.ID, &f.Slug, &f.Title, &f.Designation, &auth, &bindingsB, &entriesB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	f.Authentication = flowauth.Authentication(auth)

	var bindings []bindingJSON
	if err := json.Unmarshal(bindingsB, &bindings); err != nil {
		return nil, fmt.Errorf("flow %s bindings: %w", f.Slug, err)
	}
	f.Bindings = bindingsFromJSON(bindings)

	var entries []entryJSON
	if err := json.Unmarshal(entriesB, &entries); err != nil {
		return nil, fmt.Errorf("flow %s entries: %w", f.Slug, err)
	}
	for _, e := range entries {
		f.Entries = append(f.Entries, flowauth.FlowEntry{
			Order:    e.Order,
			Bindings: bindingsFromJSON(e.Bindings),
			Stage:    refFromJSON(e.Stage),
		})
	}
	return &f, nil
}

// Stage loads a stage by slug or id.
func (l *Loader) Stage(ctx context.Context, q flowauth.Querier, slug string, id int64) (*flowauth.Stage, error) {
	row := lookupRow(ctx, q,
		`SELECT id, slug, kind, timeout_ms, config FROM stages`,
		slug, id)

	var (
		s         flowauth.Stage
		kind      uint8
		timeoutMS int64
		configB   []byte
	)
	err := row.Scan(&s.ID, &s.Slug, &kind, &timeoutMS, &configB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load stage: %w", err)
	}
	s.Kind = flowauth.StageKind(kind)
	s.Timeout = time.Duration(timeoutMS) * time.Millisecond

	var cfg stageConfigJSON
	if err := json.Unmarshal(configB, &cfg); err != nil {
		return nil, fmt.Errorf("stage %s config: %w", s.Slug, err)
	}
	if cfg.Prompt != nil {
		pc := &flowauth.PromptConfig{Bindings: bindingsFromJSON(cfg.Prompt.Bindings)}
		for _, f := range cfg.Prompt.Fields {
			pc.Fields = append(pc.Fields, flowauth.PromptField{
				Key:      f.Key,
				Label:    f.Label,
				Kind:     flowauth.FieldKind(f.Kind),
				Required: f.Required,
			})
		}
		s.Prompt = pc
	}
	if cfg.Identification != nil {
		ic := &flowauth.IdentificationConfig{RecoveryURL: cfg.Identification.RecoveryURL}
		for _, uf := range cfg.Identification.UserFields {
			ic.UserFields = append(ic.UserFields, flowauth.UserField(uf))
		}
		if cfg.Identification.PasswordStage != nil {
			ref := refFromJSON(*cfg.Identification.PasswordStage)
			ic.PasswordStage = &ref
		}
		s.Identification = ic
	}
	if cfg.Password != nil {
		pc := &flowauth.PasswordStageConfig{RecoveryURL: cfg.Password.RecoveryURL}
		for _, b := range cfg.Password.Backends {
			pc.Backends = append(pc.Backends, flowauth.PasswordBackend(b))
		}
		s.Password = pc
	}
	if cfg.Consent != nil {
		s.Consent = &flowauth.ConsentConfig{Mode: flowauth.ConsentMode(cfg.Consent.Mode)}
	}
	return &s, nil
}

// Policy loads a policy by slug or id.
func (l *Loader) Policy(ctx context.Context, q flowauth.Querier, slug string, id int64) (*flowauth.Policy, error) {
	row := lookupRow(ctx, q,
		`SELECT id, slug, kind, max_age_s, min_length, min_classes, expression FROM policies`,
		slug, id)

	var (
		p       flowauth.Policy
		kind    uint8
		maxAgeS int64
	)
	err := row.Scan(&p.ID, &p.Slug, &kind, &maxAgeS, &p.MinLength, &p.MinClasses, &p.Expression)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	p.Kind = flowauth.PolicyKind(kind)
	p.MaxAge = time.Duration(maxAgeS) * time.Second
	return &p, nil
}

const userColumns = `id, uuid, name, email, password_hash, password_changed_at, is_admin, groups, attributes`

// UserByID loads a user by primary key.
func (l *Loader) UserByID(ctx context.Context, q flowauth.Querier, id int64) (*flowauth.User, error) {
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// UserByField loads a user by one of the identification match fields.
func (l *Loader) UserByField(ctx context.Context, q flowauth.Querier, field flowauth.UserField, value string) (*flowauth.User, error) {
	var col string
	switch field {
	case flowauth.UserFieldName:
		col = "name"
	case flowauth.UserFieldEmail:
		col = "email"
	case flowauth.UserFieldUUID:
		col = "uuid"
	default:
		return nil, fmt.Errorf("unknown user field %d", field)
	}
	row := q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+col+` = ?`, value)
	return scanUser(row)
}

// WriteUserAttributes merges attrs into the user's attribute map.
func (l *Loader) WriteUserAttributes(ctx context.Context, q flowauth.Querier, userID int64, attrs map[string]string) error {
	u, err := l.UserByID(ctx, q, userID)
	if err != nil {
		return err
	}
	merged := make(map[string]string, len(u.Attributes)+len(attrs))
	for k, v := range u.Attributes {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	blob, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `UPDATE users SET attributes = ? WHERE id = ?`, blob, userID)
	return err
}

// UpdatePasswordHash replaces the stored hash and stamps the change time.
func (l *Loader) UpdatePasswordHash(ctx context.Context, q flowauth.Querier, userID int64, hash string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE users SET password_hash = ?, password_changed_at = ? WHERE id = ?`,
		hash, time.Now().Unix(), userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return flowauth.ErrNotFound
	}
	return nil
}

func scanUser(row *sql.Row) (*flowauth.User, error) {
	var (
		u         flowauth.User
		changedAt int64
		groupsB   []byte
		attrsB    []byte
	)
	err := row.Scan(&u.ID, &u.UUID, &u.Name, &u.Email, &u.PasswordHash,
		&changedAt, &u.IsAdmin, &groupsB, &attrsB)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flowauth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	if changedAt != 0 {
		u.PasswordChangedAt = time.Unix(changedAt, 0)
	}
	if err := json.Unmarshal(groupsB, &u.Groups); err != nil {
		return nil, fmt.Errorf("user %d groups: %w", u.ID, err)
	}
	if err := json.Unmarshal(attrsB, &u.Attributes); err != nil {
		return nil, fmt.Errorf("user %d attributes: %w", u.ID, err)
	}
	return &u, nil
}

// lookupRow issues base with a slug or id predicate. Slug wins when both are
// set, matching the engine's reference semantics.
func lookupRow(ctx context.Context, q flowauth.Querier, base, slug string, id int64) *sql.Row {
	if slug != "" {
		return q.QueryRowContext(ctx, base+` WHERE slug = ?`, slug)
	}
	return q.QueryRowContext(ctx, base+` WHERE id = ?`, id)
}
