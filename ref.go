package flowauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Entity is anything addressable through the reference store.
type Entity interface {
	EntityID() int64
	EntitySlug() string
}

// EntityKind discriminates store tables. It is derived from the reference's
// type parameter, never stored in the reference value itself.
type EntityKind uint8

const (
	// KindFlow keys flow entities.
	KindFlow EntityKind = iota
	// KindStage keys stage entities.
	KindStage
	// KindPolicy keys policy entities.
	KindPolicy
)

func (k EntityKind) String() string {
	switch k {
	case KindFlow:
		return "flow"
	case KindStage:
		return "stage"
	case KindPolicy:
		return "policy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Ref is a phantom-typed pointer to an entity, carried as either a slug or a
// positive numeric id. The type parameter fixes the target entity kind at
// compile time; the runtime value is just the slug-or-id pair.
type Ref[T Entity] struct {
	Slug string
	ID   int64
}

// BySlug returns a slug-form reference.
func BySlug[T Entity](slug string) Ref[T] { return Ref[T]{Slug: slug} }

// ByID returns an id-form reference.
func ByID[T Entity](id int64) Ref[T] { return Ref[T]{ID: id} }

// IsZero reports whether the reference points at nothing.
func (r Ref[T]) IsZero() bool { return r.Slug == "" && r.ID == 0 }

// Key returns the untyped slug/id pair. Reference equality compares keys
// only; the target-type tag does not participate.
func (r Ref[T]) Key() RefKey { return RefKey{Slug: r.Slug, ID: r.ID} }

func (r Ref[T]) String() string {
	if r.Slug != "" {
		return r.Slug
	}
	return fmt.Sprintf("#%d", r.ID)
}

// RefKey is the untyped value of a reference.
type RefKey struct {
	Slug string
	ID   int64
}

func kindOf[T Entity]() EntityKind {
	var zero T
	switch any(zero).(type) {
	case *Flow:
		return KindFlow
	case *Stage:
		return KindStage
	case *Policy:
		return KindPolicy
	default:
		panic(fmt.Sprintf("flowauth: unregistered entity type %T", zero))
	}
}

type storeKey struct {
	kind EntityKind
	slug string
	id   int64
}

// Store is the process-wide live lookup table over an EntityLoader. Entries
// are inserted on first resolution, keyed by both slug and id, and never
// evicted; staleness is tolerated and handled by the explicit Invalidate
// hook.
type Store struct {
	loader EntityLoader

	mu     sync.RWMutex
	bySlug map[storeKey]any
	byID   map[storeKey]any
}

// NewStore returns an empty live store over loader.
func NewStore(loader EntityLoader) *Store {
	return &Store{
		loader: loader,
		bySlug: make(map[storeKey]any),
		byID:   make(map[storeKey]any),
	}
}

// Invalidate drops any cached entry for the given kind and slug/id pair.
// External configuration writers call this after editing an entity.
func (s *Store) Invalidate(kind EntityKind, slug string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slug != "" {
		delete(s.bySlug, storeKey{kind: kind, slug: slug})
	}
	if id != 0 {
		delete(s.byID, storeKey{kind: kind, id: id})
	}
}

func (s *Store) cached(kind EntityKind, r RefKey) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r.Slug != "" {
		if v, ok := s.bySlug[storeKey{kind: kind, slug: r.Slug}]; ok {
			return v, true
		}
	}
	if r.ID != 0 {
		if v, ok := s.byID[storeKey{kind: kind, id: r.ID}]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *Store) insert(kind EntityKind, e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slug := e.EntitySlug(); slug != "" {
		s.bySlug[storeKey{kind: kind, slug: slug}] = e
	}
	if id := e.EntityID(); id != 0 {
		s.byID[storeKey{kind: kind, id: id}] = e
	}
}

func (s *Store) load(ctx context.Context, q Querier, kind EntityKind, r RefKey) (any, error) {
	switch kind {
	case KindFlow:
		return s.loader.Flow(ctx, q, r.Slug, r.ID)
	case KindStage:
		return s.loader.Stage(ctx, q, r.Slug, r.ID)
	case KindPolicy:
		return s.loader.Policy(ctx, q, r.Slug, r.ID)
	default:
		return nil, fmt.Errorf("unknown entity kind %s", kind)
	}
}

// Lookup resolves r through the live store, populating the table on miss.
// Concurrent lookups of the same cold reference may both hit the loader;
// last insert wins, which is harmless for immutable configuration rows.
func Lookup[T Entity](ctx context.Context, q Querier, s *Store, r Ref[T]) (T, error) {
	var zero T
	if r.IsZero() {
		return zero, fmt.Errorf("%w: empty reference", ErrNotFound)
	}
	kind := kindOf[T]()
	if v, ok := s.cached(kind, r.Key()); ok {
		return v.(T), nil
	}
	v, err := s.load(ctx, q, kind, r.Key())
	if err != nil {
		return zero, err
	}
	e := v.(T)
	s.insert(kind, e)
	return e, nil
}

// RefError records one unresolved reference discovered while building a
// snapshot.
type RefError struct {
	Kind EntityKind
	Ref  RefKey
	Err  error
}

func (e RefError) Error() string {
	ref := e.Ref.Slug
	if ref == "" {
		ref = fmt.Sprintf("#%d", e.Ref.ID)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, ref, e.Err)
}

func (e RefError) Unwrap() error { return e.Err }

// Snapshot is the per-execution frozen view of the entity graph. While
// unfrozen it delegates misses to the live store, recording every successful
// resolution into its private table and every failure into its error list.
// Freeze severs delegation permanently; anything not visited by then stays
// unresolved for the execution's whole lifetime.
type Snapshot struct {
	mu         sync.Mutex
	live       *Store
	frozen     bool
	table      map[storeKey]any
	unresolved []RefError
}

// NewSnapshot returns an unfrozen snapshot delegating to live.
func NewSnapshot(live *Store) *Snapshot {
	return &Snapshot{
		live:  live,
		table: make(map[storeKey]any),
	}
}

// Freeze severs delegation to the live store and returns every reference
// that failed to resolve while the snapshot was being built. Freeze is
// idempotent: a second call returns an empty list and mutates nothing.
func (s *Snapshot) Freeze() []RefError {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return nil
	}
	s.frozen = true
	errs := s.unresolved
	s.unresolved = nil
	return errs
}

// Frozen reports whether Freeze has been called.
func (s *Snapshot) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Resolve resolves r against the snapshot. Before freeze, misses fall
// through to the live store and are recorded either way. After freeze only
// the private table answers; a miss is a configuration error for this
// execution.
func Resolve[T Entity](ctx context.Context, q Querier, s *Snapshot, r Ref[T]) (T, error) {
	var zero T
	kind := kindOf[T]()

	s.mu.Lock()
	if r.Slug != "" {
		if v, ok := s.table[storeKey{kind: kind, slug: r.Slug}]; ok {
			s.mu.Unlock()
			return v.(T), nil
		}
	}
	if r.ID != 0 {
		if v, ok := s.table[storeKey{kind: kind, id: r.ID}]; ok {
			s.mu.Unlock()
			return v.(T), nil
		}
	}
	if s.frozen {
		s.mu.Unlock()
		return zero, fmt.Errorf("%w: %s %s", ErrSnapshotFrozen, kind, r)
	}
	s.mu.Unlock()

	v, err := Lookup(ctx, q, s.live, r)
	if err != nil {
		s.mu.Lock()
		if !s.frozen {
			s.unresolved = append(s.unresolved, RefError{Kind: kind, Ref: r.Key(), Err: err})
		}
		s.mu.Unlock()
		return zero, err
	}

	s.mu.Lock()
	if !s.frozen {
		if slug := v.EntitySlug(); slug != "" {
			s.table[storeKey{kind: kind, slug: slug}] = v
		}
		if id := v.EntityID(); id != 0 {
			s.table[storeKey{kind: kind, id: id}] = v
		}
	}
	s.mu.Unlock()
	return v, nil
}

// IsNotFound reports whether err is a missing-entity error from the loader.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
