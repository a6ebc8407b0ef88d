// Package resource implements the FHIR-style resource repository that
// exercises the nested transactional core: every Service write method runs
// entirely inside one or more tx.Manager.WithTransaction frames, while the
// reads (GetByID, Search) run without one.
package resource

import (
	"time"

	"fhirtx/internal/core/entity"
	"fhirtx/internal/core/id"
)

// Resource is a minimal FHIR-like resource envelope: a typed, versioned
// JSON document. ResourceType plus ID forms the resource's logical
// reference (e.g. "Patient/0186...").
type Resource struct {
	ID           id.ID             `db:"id" json:"id"`
	ResourceType string            `db:"resource_type" json:"resourceType"`
	VersionID    int               `db:"version_id" json:"versionId"`
	LastUpdated  time.Time         `db:"last_updated" json:"lastUpdated"`
	Content      entity.Attributes `db:"content" json:"content"`
	DeletionMark bool              `db:"deletion_mark" json:"-"`
}

// SearchOptions constrains a Search call.
type SearchOptions struct {
	IDs            []id.ID
	FieldEquals    map[string]any // content field equality filters
	IncludeDeleted bool
	Limit          int
	Offset         int
}
