// Package lease shares one lazily-opened database transaction between the
// request-scoped consumers of a single request.
//
// The first borrower opens the transaction and installs it into the
// single-slot container; each borrower holds sole temporary ownership and
// hands it back on release. A second borrow while one is outstanding is a
// correctness violation and fails fast instead of queueing. The request
// orchestrator commits exactly once on overall success; an uncommitted
// transaction rolls back implicitly when the lease is discarded.
package lease

import (
	"context"
	"database/sql"
	"errors"
)

var (
	// ErrOverlappingExtractors is returned when a borrow is attempted while
	// another borrow is outstanding.
	ErrOverlappingExtractors = errors.New("lease: overlapping extractors")
	// ErrFinished is returned for borrows after the lease was committed or
	// rolled back.
	ErrFinished = errors.New("lease: already finished")
)

// Opener abstracts the transaction source. *sql.DB satisfies it.
type Opener interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Lease is the single-slot transaction container for one request. Safe for
// concurrent Borrow attempts; only one borrow may be outstanding.
type Lease struct {
	opener Opener
	slot   chan *sql.Tx // holds the idle transaction, empty while borrowed
	opened bool
	done   bool
}

// New returns an empty lease over opener. No transaction is opened until the
// first borrow.
func New(opener Opener) *Lease {
	l := &Lease{opener: opener, slot: make(chan *sql.Tx, 1)}
	l.slot <- nil
	return l
}

// Borrow takes sole ownership of the shared transaction, opening it on the
// first call. It fails fast with ErrOverlappingExtractors when the slot is
// already taken.
func (l *Lease) Borrow(ctx context.Context) (*Borrow, error) {
	select {
	case tx := <-l.slot:
		if l.done {
			l.slot <- tx
			return nil, ErrFinished
		}
		if tx == nil {
			opened, err := l.opener.BeginTx(ctx, nil)
			if err != nil {
				l.slot <- nil
				return nil, err
			}
			tx = opened
			l.opened = true
		}
		return &Borrow{lease: l, tx: tx}, nil
	default:
		return nil, ErrOverlappingExtractors
	}
}

// Commit takes the transaction out of the slot and commits it. Calling
// Commit while a borrow is outstanding is the same overlap violation as a
// concurrent borrow. Commit on a lease that never opened a transaction is a
// no-op.
func (l *Lease) Commit() error {
	select {
	case tx := <-l.slot:
		l.done = true
		l.slot <- nil
		if tx == nil {
			return nil
		}
		return tx.Commit()
	default:
		return ErrOverlappingExtractors
	}
}

// Rollback discards the transaction if one was opened and is idle in the
// slot. It is safe to call unconditionally on the failure path, including
// after Commit.
func (l *Lease) Rollback() error {
	select {
	case tx := <-l.slot:
		l.done = true
		l.slot <- nil
		if tx == nil {
			return nil
		}
		return tx.Rollback()
	default:
		return ErrOverlappingExtractors
	}
}

// Opened reports whether a transaction has ever been opened by this lease.
func (l *Lease) Opened() bool { return l.opened }

// Borrow is a temporarily-owned handle on the shared transaction.
type Borrow struct {
	lease    *Lease
	tx       *sql.Tx
	released bool
}

// Tx exposes the shared transaction. Valid until Release.
func (b *Borrow) Tx() *sql.Tx { return b.tx }

// Release returns the transaction to the slot. Idempotent.
func (b *Borrow) Release() {
	if b.released {
		return
	}
	b.released = true
	b.lease.slot <- b.tx
}
