package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/tx"
	"fhirtx/pkg/logger"
)

var tracer = otel.Tracer("fhirtx/tx")

// Compile-time check that TxManager implements tx.Manager.
var _ tx.Manager = (*TxManager)(nil)

// Sentinel causes wrapped by apperror.NewInternal for programming errors
// that should never reach production if callers respect the contract.
var (
	ErrSerializableMismatch = errors.New("nested transaction requested serializable isolation but the outer transaction did not")
	ErrNoActiveTransaction  = errors.New("post-commit callback registered outside of any transaction")
)

// txExecutor is the common surface of pgx.Tx and *pgxpool.Pool that
// ConnHandle delegates raw queries to.
type txExecutor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

var (
	_ txExecutor = pgx.Tx(nil)
	_ txExecutor = (*pgxpool.Pool)(nil)
)

// ConnHandle is the raw-query escape hatch for advanced callers: a thin
// wrapper over the single physical connection backing one outermost
// transaction for its entire lifetime, or, outside of any transaction,
// over the pool itself. It is acquired once, on the outermost
// WithTransaction call, and released exactly once, when that call's
// physical COMMIT or ROLLBACK completes; every nested frame reuses the
// same handle via SAVEPOINT rather than acquiring its own. Once its owning
// transaction context is marked aborted, Exec, Query, QueryRow and CopyFrom
// fail fast without touching the connection; SendBatch does not check the
// flag and sends the batch to the connection.
type ConnHandle struct {
	conn  *pgxpool.Conn // non-nil only for the handle backing an open transaction
	exec  txExecutor
	state *txState // non-nil when backing an active transaction
}

func (h *ConnHandle) checkAborted() error {
	if h.state != nil && h.state.aborted {
		return apperror.NewTransactionAborted()
	}
	return nil
}

// Exec implements Querier.
func (h *ConnHandle) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := h.checkAborted(); err != nil {
		return pgconn.CommandTag{}, err
	}
	return h.exec.Exec(ctx, sql, args...)
}

// Query implements Querier.
func (h *ConnHandle) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := h.checkAborted(); err != nil {
		return nil, err
	}
	return h.exec.Query(ctx, sql, args...)
}

// QueryRow implements Querier.
func (h *ConnHandle) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := h.checkAborted(); err != nil {
		return erroredRow{err: err}
	}
	return h.exec.QueryRow(ctx, sql, args...)
}

// CopyFrom bulk-loads rows via the COPY protocol. Fails fast if the
// transaction context is already aborted.
func (h *ConnHandle) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	if err := h.checkAborted(); err != nil {
		return 0, err
	}
	return h.exec.CopyFrom(ctx, tableName, columnNames, rowSrc)
}

// SendBatch queues multiple statements for a single round trip. Unlike
// Exec/Query/CopyFrom it delegates directly rather than pre-checking
// state.aborted: once a session is in an aborted block, PostgreSQL already
// rejects every queued statement individually, and pgx surfaces that
// through each BatchResults.Exec()/Query() call.
func (h *ConnHandle) SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults {
	return h.exec.SendBatch(ctx, batch)
}

// erroredRow is a pgx.Row that always fails Scan with a fixed error, used
// to report an aborted transaction context without a round trip.
type erroredRow struct{ err error }

func (r erroredRow) Scan(dest ...any) error { return r.err }

// postCommitEntry is one registered post-commit callback.
type postCommitEntry struct {
	fn func(ctx context.Context)
}

// txState is the transaction context (TC): everything shared by every
// frame nested under one outermost transaction. It is threaded through
// the ambient context store (ACS), i.e. context.Context, rather than
// through a second piece of goroutine-local state.
type txState struct {
	handle *ConnHandle
	pgTx   pgx.Tx

	serializable bool // isolation requested by the outermost frame
	aborted      bool // session is in an aborted-block state (25P02)
	depth        int  // current nesting depth, 1 at the outermost frame

	nextSavepoint int // monotonic counter; savepoint names are never reused
	postCommit    []postCommitEntry
}

type txStateKey struct{}

func withTxState(ctx context.Context, s *txState) context.Context {
	return context.WithValue(ctx, txStateKey{}, s)
}

func getTxState(ctx context.Context) *txState {
	s, _ := ctx.Value(txStateKey{}).(*txState)
	return s
}

// TxManager implements the nested-transaction execution layer on top of a
// PostgreSQL connection pool, using SAVEPOINT/RELEASE/ROLLBACK TO to
// emulate nesting that PostgreSQL itself does not support natively.
type TxManager struct {
	pool *pgxpool.Pool
}

// NewTxManager creates a new transaction manager backed by a wrapped pool.
func NewTxManager(pool *Pool) *TxManager {
	return &TxManager{pool: pool.Pool}
}

// NewTxManagerFromRawPool creates a new transaction manager from a raw pgxpool.Pool.
func NewTxManagerFromRawPool(pool *pgxpool.Pool) *TxManager {
	return &TxManager{pool: pool}
}

// WithTransaction implements tx.Manager. The first call on a given ctx
// acquires a connection and opens a physical transaction; every call
// nested under it (detected via ctx carrying a *txState) instead pushes a
// savepoint on the same connection.
func (m *TxManager) WithTransaction(ctx context.Context, opts tx.Options, fn func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, "transaction",
		trace.WithAttributes(attribute.Bool("tx.serializable", opts.Serializable)))
	defer span.End()

	if state := getTxState(ctx); state != nil {
		return m.withSavepoint(ctx, state, opts, fn)
	}
	return m.withRoot(ctx, opts, fn)
}

// withRoot acquires a dedicated connection and opens the outermost physical
// transaction for this transaction context.
func (m *TxManager) withRoot(ctx context.Context, opts tx.Options, fn func(ctx context.Context) error) error {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return apperror.NewConnectionLost(err)
	}
	handle := &ConnHandle{conn: conn}

	txOpts := pgx.TxOptions{AccessMode: pgx.ReadWrite}
	if opts.Serializable {
		txOpts.IsoLevel = pgx.Serializable
	}

	pgTx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		conn.Release()
		return classifyError(err)
	}

	state := &txState{
		handle:       handle,
		pgTx:         pgTx,
		serializable: opts.Serializable,
		depth:        1,
	}
	handle.exec = pgTx
	handle.state = state
	txCtx := withTxState(ctx, state)

	err = fn(txCtx)
	if err != nil {
		m.rollbackRoot(ctx, state)
		return err
	}

	if state.aborted {
		// fn claimed success but left the session in an aborted block;
		// treat it as a failure rather than attempt a doomed commit.
		m.rollbackRoot(ctx, state)
		return apperror.NewTransactionAborted()
	}

	if cerr := pgTx.Commit(ctx); cerr != nil {
		conn.Release()
		return classifyError(cerr)
	}
	conn.Release()

	m.runPostCommit(ctx, state)
	return nil
}

// rollbackRoot rolls back the physical transaction and releases its
// connection. Uses context.Background so rollback completes even if ctx
// was already cancelled.
func (m *TxManager) rollbackRoot(ctx context.Context, state *txState) {
	if rbErr := state.pgTx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
		logger.Error(ctx, "rollback failed", "error", rbErr)
	}
	state.handle.conn.Release()
}

// withSavepoint pushes a new savepoint frame on the existing physical
// transaction, executes fn, and releases or rolls back to that savepoint
// depending on the outcome. Only the frame that failed unwinds; sibling
// and ancestor frames are unaffected, unless the session itself becomes
// unusable (aborted or connection lost).
func (m *TxManager) withSavepoint(ctx context.Context, state *txState, opts tx.Options, fn func(ctx context.Context) error) error {
	if opts.Serializable && !state.serializable {
		return apperror.NewInternal(ErrSerializableMismatch)
	}
	if state.aborted {
		return apperror.NewTransactionAborted()
	}

	state.nextSavepoint++
	spName := fmt.Sprintf("sp%d", state.nextSavepoint)
	pcqMark := len(state.postCommit)

	if _, err := state.pgTx.Exec(ctx, "SAVEPOINT "+spName); err != nil {
		classified := classifyError(err)
		if apperror.Is(classified, apperror.CodeTransactionAborted) {
			state.aborted = true
		}
		return classified
	}

	state.depth++
	err := fn(ctx)
	state.depth--

	if err != nil {
		if _, rbErr := state.pgTx.Exec(context.Background(), "ROLLBACK TO SAVEPOINT "+spName); rbErr != nil {
			logger.Error(ctx, "rollback to savepoint failed", "savepoint", spName, "error", rbErr)
			state.aborted = true
		} else if _, relErr := state.pgTx.Exec(context.Background(), "RELEASE SAVEPOINT "+spName); relErr != nil {
			// Tolerate: the savepoint is already rolled back to, so the
			// frame's effects are undone either way; a failed RELEASE here
			// just means the name can't be reused, which this manager never
			// does (savepoint names are monotonic, never recycled).
			logger.Error(ctx, "release savepoint after rollback failed", "savepoint", spName, "error", relErr)
		}
		// Drop post-commit callbacks registered inside the rolled-back frame.
		state.postCommit = state.postCommit[:pcqMark]
		return err
	}

	if _, relErr := state.pgTx.Exec(ctx, "RELEASE SAVEPOINT "+spName); relErr != nil {
		classified := classifyError(relErr)
		if apperror.Is(classified, apperror.CodeTransactionAborted) {
			state.aborted = true
		}
		return classified
	}

	return nil
}

// PostCommit implements tx.Manager. fn is appended to the flat, FIFO
// post-commit queue carried by the transaction context; it runs only
// after the outermost physical COMMIT succeeds, and only if the frame it
// was registered under never rolled back.
func (m *TxManager) PostCommit(ctx context.Context, fn func(ctx context.Context)) error {
	state := getTxState(ctx)
	if state == nil {
		return apperror.NewInternal(ErrNoActiveTransaction)
	}
	state.postCommit = append(state.postCommit, postCommitEntry{fn: fn})
	return nil
}

// runPostCommit fires every surviving post-commit callback, in
// registration order, after the outermost transaction durably commits.
// A panicking or misbehaving callback is logged, never raised to the
// caller who already received a successful commit.
func (m *TxManager) runPostCommit(ctx context.Context, state *txState) {
	for _, entry := range state.postCommit {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error(ctx, "post-commit callback panicked", "panic", r)
				}
			}()
			entry.fn(ctx)
		}()
	}
}

// GetTx returns the connection handle backing ctx's active transaction, or
// nil outside of any transaction. Distinct from GetQuerier, which falls
// back to the pool: GetTx is for callers like BatchInserter and
// OutboxPublisher that require an explicit, already-open transaction to
// participate in.
func (m *TxManager) GetTx(ctx context.Context) *ConnHandle {
	if state := getTxState(ctx); state != nil {
		return state.handle
	}
	return nil
}

// Querier is satisfied by both pgx.Tx and *pgxpool.Pool (and, wrapping
// either, *ConnHandle), letting repository code run unmodified whether or
// not a transaction is active.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*ConnHandle)(nil)

// GetQuerier returns the raw-query escape hatch for ctx: the connection
// handle for the active transaction if one exists, otherwise a handle
// wrapping the pool directly, which acquires its own connection per call.
func (m *TxManager) GetQuerier(ctx context.Context) Querier {
	if state := getTxState(ctx); state != nil {
		return state.handle
	}
	return &ConnHandle{exec: m.pool}
}

// ClassifyError maps a database error into the structured taxonomy the
// rest of the platform reasons about. Exported for repository packages
// that need to translate a raw driver error outside the transaction
// manager itself.
func ClassifyError(err error) error {
	return classifyError(err)
}

// classifyError maps a database error into the structured taxonomy the
// rest of the platform reasons about, using the PostgreSQL SQLSTATE code
// where one is available.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return apperror.NewUniqueConflict(pgErr.TableName, pgErr.ConstraintName).WithCause(err)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return apperror.NewSerializationConflict().WithCause(err)
		case pgErr.Code == "25P02" || pgErr.Code == "25P01":
			return apperror.NewTransactionAborted().WithCause(err)
		case strings.HasPrefix(pgErr.Code, "08"):
			return apperror.NewConnectionLost(err)
		case pgErr.Code == "23503" || pgErr.Code == "23514" || pgErr.Code == "23502":
			return apperror.NewValidation(pgErr.Message).WithCause(err)
		default:
			return apperror.NewInternal(err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperror.NewConnectionLost(err)
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return apperror.NewNotFound("resource", "")
	}

	return apperror.NewInternal(err)
}
