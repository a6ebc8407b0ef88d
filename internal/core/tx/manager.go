// Package tx provides transaction management abstractions. It defines the
// contract between domain services and the underlying nested-transaction
// engine without exposing any database-specific type, following the
// Dependency Inversion Principle.
package tx

import (
	"context"
)

// Options configures how a transaction frame is opened.
type Options struct {
	// Serializable requests SQL SERIALIZABLE isolation for this frame.
	// Only meaningful on the outermost call of a transaction context;
	// requesting it on a nested call whose outer frame did not request
	// it is a programming error.
	Serializable bool
}

// Manager defines the contract for nested transaction management.
// Implementations handle BEGIN, SAVEPOINT, RELEASE, ROLLBACK [TO], and
// COMMIT, presenting every level of nesting as the same logical unit of
// work to callers.
//
// Domain services depend on this interface, not the concrete
// implementation, which lives in infrastructure/storage/postgres.
type Manager interface {
	// WithTransaction executes fn within a transaction frame. If no
	// transaction is active on ctx, one is opened; otherwise a nested
	// frame (savepoint) is pushed. If fn returns an error, only that
	// frame unwinds — outer frames are unaffected unless the underlying
	// connection itself is unusable. The outermost frame's completion
	// performs the physical COMMIT or ROLLBACK.
	WithTransaction(ctx context.Context, opts Options, fn func(ctx context.Context) error) error

	// PostCommit registers fn to run after the outermost transaction
	// physically commits. fn never runs if the transaction (or the
	// savepoint frame it was registered under) is rolled back. Calling
	// PostCommit outside of any transaction is an error.
	PostCommit(ctx context.Context, fn func(ctx context.Context)) error
}
