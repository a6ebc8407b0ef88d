package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"fhirtx/internal/core/apperror"
)

func TestClassifyError_SQLSTATEMapping(t *testing.T) {
	cases := []struct {
		name string
		code string
		want string
	}{
		{"unique violation", "23505", apperror.CodeUniqueConflict},
		{"serialization failure", "40001", apperror.CodeSerializationConflict},
		{"deadlock detected", "40P01", apperror.CodeSerializationConflict},
		{"in failed sql transaction", "25P02", apperror.CodeTransactionAborted},
		{"no active sql transaction", "25P01", apperror.CodeTransactionAborted},
		{"connection exception", "08006", apperror.CodeConnectionLost},
		{"foreign key violation", "23503", apperror.CodeValidation},
		{"check violation", "23514", apperror.CodeValidation},
		{"not null violation", "23502", apperror.CodeValidation},
		{"unmapped code", "99999", apperror.CodeInternal},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pgErr := &pgconn.PgError{Code: c.code, Message: c.name}
			got := classifyError(pgErr)
			outcome, ok := apperror.AsOutcome(got)
			if !ok {
				t.Fatalf("expected an *apperror.Outcome, got %v", got)
			}
			if outcome.Code != c.want {
				t.Errorf("code %s: expected %s, got %s", c.code, c.want, outcome.Code)
			}
			if !errors.Is(got, pgErr) {
				t.Errorf("expected classified error to wrap the original pgconn.PgError")
			}
		})
	}
}

func TestClassifyError_ContextAndNoRows(t *testing.T) {
	if outcome, _ := apperror.AsOutcome(classifyError(context.Canceled)); outcome.Code != apperror.CodeConnectionLost {
		t.Errorf("expected context.Canceled to classify as connection lost, got %s", outcome.Code)
	}
	if outcome, _ := apperror.AsOutcome(classifyError(context.DeadlineExceeded)); outcome.Code != apperror.CodeConnectionLost {
		t.Errorf("expected context.DeadlineExceeded to classify as connection lost, got %s", outcome.Code)
	}
	if outcome, _ := apperror.AsOutcome(classifyError(pgx.ErrNoRows)); outcome.Code != apperror.CodeNotFound {
		t.Errorf("expected pgx.ErrNoRows to classify as not found, got %s", outcome.Code)
	}
}

func TestClassifyError_Nil(t *testing.T) {
	if classifyError(nil) != nil {
		t.Errorf("expected nil in, nil out")
	}
}

func TestClassifyError_ExportedWrapper(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505"}
	if ClassifyError(pgErr) == nil {
		t.Errorf("expected ClassifyError to classify a unique violation, got nil")
	}
}
