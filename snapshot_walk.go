package flowauth

import (
	"context"
)

// BuildSnapshot resolves every reference reachable from flowRef into a fresh
// snapshot and freezes it. The walk visits the flow itself, every policy
// reference in flow- and entry-level bindings, every entry's stage, and the
// stage-specific nested references (prompt-binding policies and nested
// identification password stages, recursively).
//
// When freezing reports unresolved references the snapshot is returned
// alongside the error list so the caller can log every failure; the
// execution must not start.
func BuildSnapshot(ctx context.Context, q Querier, live *Store, flowRef Ref[*Flow]) (*Snapshot, *Flow, []RefError) {
	snap := NewSnapshot(live)

	flow, err := Resolve(ctx, q, snap, flowRef)
	if err != nil {
		return snap, nil, snap.Freeze()
	}

	walkBindings(ctx, q, snap, flow.Bindings)

	visited := make(map[storeKey]bool)
	for _, entry := range flow.Entries {
		walkBindings(ctx, q, snap, entry.Bindings)
		stage, err := Resolve(ctx, q, snap, entry.Stage)
		if err != nil {
			continue
		}
		walkStage(ctx, q, snap, stage, visited)
	}

	return snap, flow, snap.Freeze()
}

func walkBindings(ctx context.Context, q Querier, snap *Snapshot, bindings []Binding) {
	for _, b := range bindings {
		if b.Kind != BindingPolicy || b.Policy.IsZero() {
			continue
		}
		// Failures are recorded by the snapshot itself.
		_, _ = Resolve(ctx, q, snap, b.Policy)
	}
}

func walkStage(ctx context.Context, q Querier, snap *Snapshot, stage *Stage, visited map[storeKey]bool) {
	key := storeKey{kind: KindStage, id: stage.ID, slug: stage.Slug}
	if visited[key] {
		return
	}
	visited[key] = true

	switch stage.Kind {
	case StagePrompt:
		if stage.Prompt != nil {
			walkBindings(ctx, q, snap, stage.Prompt.Bindings)
		}
	case StageIdentification:
		if stage.Identification != nil && stage.Identification.PasswordStage != nil {
			nested, err := Resolve(ctx, q, snap, *stage.Identification.PasswordStage)
			if err == nil {
				walkStage(ctx, q, snap, nested, visited)
			}
		}
	}
}
