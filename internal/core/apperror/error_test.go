package apperror

import (
	"errors"
	"net/http"
	"testing"
)

func TestOutcome_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	o := NewConnectionLost(cause)

	if !errors.Is(o, cause) {
		t.Errorf("expected errors.Is to find the wrapped cause")
	}
	if o.Error() == "" {
		t.Errorf("expected a non-empty error message")
	}
}

func TestOutcome_HTTPStatus(t *testing.T) {
	cases := []struct {
		outcome *Outcome
		want    int
	}{
		{NewValidation("bad input"), http.StatusBadRequest},
		{NewNotFound("Patient", "123"), http.StatusNotFound},
		{NewUniqueConflict("Patient", "identifier"), http.StatusConflict},
		{NewSerializationConflict(), http.StatusConflict},
		{NewTransactionAborted(), http.StatusConflict},
		{NewConnectionLost(errors.New("x")), http.StatusServiceUnavailable},
		{NewInternal(errors.New("x")), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := c.outcome.HTTPStatus(); got != c.want {
			t.Errorf("%s: expected status %d, got %d", c.outcome.Code, c.want, got)
		}
	}
}

func TestOutcome_WithDetailAndExpressionChain(t *testing.T) {
	o := NewValidation("bad field", "Patient.name").
		WithDetail("id", "abc").
		WithExpression("Patient.birthDate")

	if o.Details["id"] != "abc" {
		t.Errorf("expected detail id=abc, got %v", o.Details)
	}
	if len(o.Expression) != 2 {
		t.Errorf("expected 2 expressions, got %v", o.Expression)
	}
}

func TestAsOutcome_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := NewNotFound("Patient", "123")
	wrapped := errorfWrap(base)

	o, ok := AsOutcome(wrapped)
	if !ok {
		t.Fatalf("expected to extract an Outcome from a wrapped error")
	}
	if o.Code != CodeNotFound {
		t.Errorf("expected %s, got %s", CodeNotFound, o.Code)
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(NewNotFound("Patient", "1")) {
		t.Errorf("expected IsNotFound to be true")
	}
	if !IsSerializationConflict(NewSerializationConflict()) {
		t.Errorf("expected IsSerializationConflict to be true")
	}
	if !IsTransactionAborted(NewTransactionAborted()) {
		t.Errorf("expected IsTransactionAborted to be true")
	}
	if IsNotFound(NewValidation("x")) {
		t.Errorf("expected IsNotFound to be false for a validation error")
	}
}

func TestGetHTTPStatus_NonOutcomeDefaultsToInternal(t *testing.T) {
	if got := GetHTTPStatus(errors.New("plain error")); got != http.StatusInternalServerError {
		t.Errorf("expected %d, got %d", http.StatusInternalServerError, got)
	}
}

func errorfWrap(err error) error {
	return &wrappedErr{err: err}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
