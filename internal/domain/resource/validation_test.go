package resource

import (
	"testing"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/entity"
)

func TestValidateContent_AllowsKnownFields(t *testing.T) {
	err := validateContent("Patient", entity.Attributes{"name": "Ada", "gender": "female"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateContent_RejectsUnknownField(t *testing.T) {
	err := validateContent("Patient", entity.Attributes{"ssn": "123-45-6789"})
	outcome, ok := apperror.AsOutcome(err)
	if !ok {
		t.Fatalf("expected an *apperror.Outcome, got %v", err)
	}
	if outcome.Code != apperror.CodeValidation {
		t.Errorf("expected %s, got %s", apperror.CodeValidation, outcome.Code)
	}
	if len(outcome.Expression) != 1 || outcome.Expression[0] != "Patient.ssn" {
		t.Errorf("expected expression [Patient.ssn], got %v", outcome.Expression)
	}
}

func TestValidateContent_UnknownResourceTypePassesThrough(t *testing.T) {
	err := validateContent("Observation", entity.Attributes{"anything": "goes"})
	if err != nil {
		t.Fatalf("expected no validation for unmodeled resource type, got %v", err)
	}
}
