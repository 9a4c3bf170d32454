package store

import (
	"context"
	"encoding/json"
	"fmt"

	flowauth "github.com/auricle/flowauth"
)

// Seed helpers write model entities into the schema, converting structured
// sub-objects to their JSON row form. They are used by provisioning tools
// and tests; the engine itself only reads.

func refToJSON[T flowauth.Entity](r flowauth.Ref[T]) refJSON {
	return refJSON{Slug: r.Slug, ID: r.ID}
}

func bindingsToJSON(bindings []flowauth.Binding) []bindingJSON {
	out := make([]bindingJSON, 0, len(bindings))
	for _, b := range bindings {
		row := bindingJSON{
			Enabled: b.Enabled,
			Negate:  b.Negate,
			Order:   b.Order,
			Kind:    uint8(b.Kind),
			UserID:  b.UserID,
			GroupID: b.GroupID,
		}
		if !b.Policy.IsZero() {
			ref := refToJSON(b.Policy)
			row.Policy = &ref
		}
		out = append(out, row)
	}
	return out
}

// SaveFlow inserts or replaces a flow row keyed by slug.
func SaveFlow(ctx context.Context, q flowauth.Querier, f *flowauth.Flow) (int64, error) {
	bindings, err := json.Marshal(bindingsToJSON(f.Bindings))
	if err != nil {
		return 0, err
	}
	entries := make([]entryJSON, 0, len(f.Entries))
	for _, e := range f.Entries {
		entries = append(entries, entryJSON{
			Order:    e.Order,
			Bindings: bindingsToJSON(e.Bindings),
			Stage:    refToJSON(e.Stage),
		})
	}
	entriesB, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO flows (slug, title, designation, authentication, bindings, entries)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.Slug, f.Title, f.Designation, uint8(f.Authentication), bindings, entriesB)
	if err != nil {
		return 0, fmt.Errorf("save flow %s: %w", f.Slug, err)
	}
	return res.LastInsertId()
}

// SaveStage inserts or replaces a stage row keyed by slug.
func SaveStage(ctx context.Context, q flowauth.Querier, s *flowauth.Stage) (int64, error) {
	var cfg stageConfigJSON
	if s.Prompt != nil {
		cfg.Prompt = &struct {
			Fields   []promptFieldJSON `json:"fields,omitempty"`
			Bindings []bindingJSON     `json:"bindings,omitempty"`
		}{Bindings: bindingsToJSON(s.Prompt.Bindings)}
		for _, f := range s.Prompt.Fields {
			cfg.Prompt.Fields = append(cfg.Prompt.Fields, promptFieldJSON{
				Key:      f.Key,
				Label:    f.Label,
				Kind:     uint8(f.Kind),
				Required: f.Required,
			})
		}
	}
	if s.Identification != nil {
		cfg.Identification = &struct {
			UserFields    []uint8  `json:"user_fields,omitempty"`
			PasswordStage *refJSON `json:"password_stage,omitempty"`
			RecoveryURL   string   `json:"recovery_url,omitempty"`
		}{RecoveryURL: s.Identification.RecoveryURL}
		for _, uf := range s.Identification.UserFields {
			cfg.Identification.UserFields = append(cfg.Identification.UserFields, uint8(uf))
		}
		if s.Identification.PasswordStage != nil {
			ref := refToJSON(*s.Identification.PasswordStage)
			cfg.Identification.PasswordStage = &ref
		}
	}
	if s.Password != nil {
		cfg.Password = &struct {
			Backends    []uint8 `json:"backends,omitempty"`
			RecoveryURL string  `json:"recovery_url,omitempty"`
		}{RecoveryURL: s.Password.RecoveryURL}
		for _, b := range s.Password.Backends {
			cfg.Password.Backends = append(cfg.Password.Backends, uint8(b))
		}
	}
	if s.Consent != nil {
		cfg.Consent = &struct {
			Mode uint8 `json:"mode"`
		}{Mode: uint8(s.Consent.Mode)}
	}
	configB, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO stages (slug, kind, timeout_ms, config) VALUES (?, ?, ?, ?)`,
		s.Slug, uint8(s.Kind), s.Timeout.Milliseconds(), configB)
	if err != nil {
		return 0, fmt.Errorf("save stage %s: %w", s.Slug, err)
	}
	return res.LastInsertId()
}

// SavePolicy inserts or replaces a policy row keyed by slug.
func SavePolicy(ctx context.Context, q flowauth.Querier, p *flowauth.Policy) (int64, error) {
	res, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO policies (slug, kind, max_age_s, min_length, min_classes, expression)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Slug, uint8(p.Kind), int64(p.MaxAge.Seconds()), p.MinLength, p.MinClasses, p.Expression)
	if err != nil {
		return 0, fmt.Errorf("save policy %s: %w", p.Slug, err)
	}
	return res.LastInsertId()
}

// SaveUser inserts or replaces a user row keyed by name.
func SaveUser(ctx context.Context, q flowauth.Querier, u *flowauth.User) (int64, error) {
	groups := u.Groups
	if groups == nil {
		groups = []int64{}
	}
	groupsB, err := json.Marshal(groups)
	if err != nil {
		return 0, err
	}
	attrs := u.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrsB, err := json.Marshal(attrs)
	if err != nil {
		return 0, err
	}
	var changedAt int64
	if !u.PasswordChangedAt.IsZero() {
		changedAt = u.PasswordChangedAt.Unix()
	}
	res, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (uuid, name, email, password_hash, password_changed_at, is_admin, groups, attributes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.UUID, u.Name, u.Email, u.PasswordHash, changedAt, u.IsAdmin, groupsB, attrsB)
	if err != nil {
		return 0, fmt.Errorf("save user %s: %w", u.Name, err)
	}
	return res.LastInsertId()
}
