// Package apperror provides structured error handling in the shape of a
// FHIR OperationOutcome: a severity, a machine-readable code, human text,
// and the field expressions the problem applies to. All errors surfaced
// across a transaction boundary must use Outcome for consistent handling.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Severity mirrors FHIR's OperationOutcome.issue.severity.
type Severity string

const (
	SeverityFatal       Severity = "fatal"
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
)

// Error codes classify the underlying condition regardless of transport.
const (
	// CodeValidation: caller-supplied data failed a check, either before
	// anything reached the database or as a foreign-key, check or
	// not-null constraint violation (SQLSTATE 23503/23514/23502).
	CodeValidation = "VALIDATION_ERROR"

	// CodeNotFound: the referenced resource does not exist (or is not
	// visible to the caller).
	CodeNotFound = "NOT_FOUND"

	// CodeUniqueConflict: a unique constraint was violated (SQLSTATE 23505).
	CodeUniqueConflict = "UNIQUE_CONFLICT"

	// CodeSerializationConflict: the database refused to serialize the
	// transaction against concurrent activity (SQLSTATE 40001/40P01).
	CodeSerializationConflict = "SERIALIZATION_CONFLICT"

	// CodeTransactionAborted: the session is in the aborted-block state
	// (SQLSTATE 25P02); only ROLLBACK is accepted until the block ends.
	CodeTransactionAborted = "TRANSACTION_ABORTED"

	// CodeConnectionLost: the connection to the database was lost or
	// could not be established; fatal for the owning transaction context.
	CodeConnectionLost = "CONNECTION_LOST"

	// CodeInternal: an unclassified or programming error.
	CodeInternal = "INTERNAL_ERROR"
)

// httpStatus maps each taxonomy code to a suggested HTTP status. Only the
// HTTP edge consults this; the transactional core never does.
var httpStatus = map[string]int{
	CodeValidation:            http.StatusBadRequest,
	CodeNotFound:              http.StatusNotFound,
	CodeUniqueConflict:        http.StatusConflict,
	CodeSerializationConflict: http.StatusConflict,
	CodeTransactionAborted:    http.StatusConflict,
	CodeConnectionLost:        http.StatusServiceUnavailable,
	CodeInternal:              http.StatusInternalServerError,
}

// Outcome is the standard error type for the platform, shaped after a
// FHIR OperationOutcome.issue entry.
type Outcome struct {
	// Severity classifies how serious the issue is.
	Severity Severity `json:"severity"`

	// Code is a machine-readable error identifier.
	Code string `json:"code"`

	// Text is a human-readable description.
	Text string `json:"text"`

	// Expression names the field paths the issue applies to, e.g.
	// []string{"Patient.birthDate"}.
	Expression []string `json:"expression,omitempty"`

	// Details carries additional structured context.
	Details map[string]any `json:"details,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *Outcome) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Text, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

func (e *Outcome) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Outcome) HTTPStatus() int {
	if status, ok := httpStatus[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// WithDetail adds a detail key-value pair and returns the error for chaining.
func (e *Outcome) WithDetail(key string, value any) *Outcome {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithExpression appends field path expressions and returns the error for chaining.
func (e *Outcome) WithExpression(expr ...string) *Outcome {
	e.Expression = append(e.Expression, expr...)
	return e
}

// WithCause attaches the underlying error for errors.Is/As unwrapping.
func (e *Outcome) WithCause(err error) *Outcome {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400). expression names the
// offending field paths, e.g. "Patient.birthDate".
func NewValidation(message string, expression ...string) *Outcome {
	return &Outcome{
		Severity:   SeverityError,
		Code:       CodeValidation,
		Text:       message,
		Expression: expression,
	}
}

// NewNotFound creates a not-found error (404).
func NewNotFound(resourceType string, id any) *Outcome {
	return &Outcome{
		Severity: SeverityError,
		Code:     CodeNotFound,
		Text:     fmt.Sprintf("%s/%v not found", resourceType, id),
		Details:  map[string]any{"resourceType": resourceType, "id": id},
	}
}

// NewUniqueConflict creates a unique-constraint-violation error (409).
func NewUniqueConflict(resourceType, field string) *Outcome {
	return &Outcome{
		Severity:   SeverityError,
		Code:       CodeUniqueConflict,
		Text:       fmt.Sprintf("%s violates a uniqueness constraint on %s", resourceType, field),
		Expression: []string{field},
	}
}

// NewSerializationConflict creates a serialization-failure error (409).
// Retryable at the caller's discretion; the core never retries on its own.
func NewSerializationConflict() *Outcome {
	return &Outcome{
		Severity: SeverityError,
		Code:     CodeSerializationConflict,
		Text:     "could not serialize access due to concurrent update",
	}
}

// NewTransactionAborted creates an aborted-transaction error (409). The
// session accepts only ROLLBACK until the transaction block ends.
func NewTransactionAborted() *Outcome {
	return &Outcome{
		Severity: SeverityError,
		Code:     CodeTransactionAborted,
		Text:     "current transaction is aborted, commands ignored until end of transaction block",
	}
}

// NewConnectionLost creates a connection-lost error (503). Fatal for the
// owning transaction context; any in-flight rollback is moot.
func NewConnectionLost(cause error) *Outcome {
	return &Outcome{
		Severity: SeverityFatal,
		Code:     CodeConnectionLost,
		Text:     "database connection lost",
		Err:      cause,
	}
}

// NewInternal wraps an unclassified error (500). Text is deliberately
// generic; the cause is preserved on Err for logging.
func NewInternal(cause error) *Outcome {
	return &Outcome{
		Severity: SeverityFatal,
		Code:     CodeInternal,
		Text:     "internal error",
		Err:      cause,
	}
}

// --- Helper functions ---

// IsOutcome reports whether err is (or wraps) an *Outcome.
func IsOutcome(err error) bool {
	var o *Outcome
	return errors.As(err, &o)
}

// AsOutcome extracts an *Outcome from the error chain.
func AsOutcome(err error) (*Outcome, bool) {
	var o *Outcome
	if errors.As(err, &o) {
		return o, true
	}
	return nil, false
}

// GetHTTPStatus returns the appropriate HTTP status for any error.
func GetHTTPStatus(err error) int {
	if o, ok := AsOutcome(err); ok {
		return o.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is reports whether err is an *Outcome with the given code.
func Is(err error, code string) bool {
	o, ok := AsOutcome(err)
	return ok && o.Code == code
}

// IsNotFound checks whether err is a CodeNotFound outcome.
func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}

// IsSerializationConflict checks whether err is a CodeSerializationConflict outcome.
func IsSerializationConflict(err error) bool {
	return Is(err, CodeSerializationConflict)
}

// IsTransactionAborted checks whether err is a CodeTransactionAborted outcome.
func IsTransactionAborted(err error) bool {
	return Is(err, CodeTransactionAborted)
}
