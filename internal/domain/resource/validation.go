package resource

import (
	"fmt"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/entity"
)

// allowedFields is a minimal per-resourceType schema guard. The real
// resource validation layer is an external collaborator; this only keeps
// the demo resource types honest enough to exercise ValidationError.
var allowedFields = map[string]map[string]bool{
	"Patient": {
		"identifier": true, "name": true, "birthDate": true, "gender": true, "active": true,
	},
}

// validateContent rejects unknown top-level fields for resource types this
// package knows about; unrecognized resource types pass through untouched.
func validateContent(resourceType string, content entity.Attributes) error {
	allowed, known := allowedFields[resourceType]
	if !known {
		return nil
	}
	for field := range content {
		if !allowed[field] {
			expr := fmt.Sprintf("%s.%s", resourceType, field)
			return apperror.NewValidation(
				fmt.Sprintf("Invalid additional property %q", field),
				expr,
			)
		}
	}
	return nil
}
