package postgres

import (
	"context"
)

type txManagerKey struct{}

// WithTxManager stores the TxManager in context for infrastructure code
// that needs direct access to it (e.g. resource_repo, which looks it up
// on every call).
func WithTxManager(ctx context.Context, m *TxManager) context.Context {
	return context.WithValue(ctx, txManagerKey{}, m)
}

// MustGetTxManager returns *postgres.TxManager from context.
// It is meant for infrastructure code that needs access to GetQuerier()/GetTx().
//
// Domain code should depend only on internal/core/tx.Manager.
func MustGetTxManager(ctx context.Context) *TxManager {
	m, ok := ctx.Value(txManagerKey{}).(*TxManager)
	if !ok || m == nil {
		panic("no TxManager in context")
	}
	return m
}
