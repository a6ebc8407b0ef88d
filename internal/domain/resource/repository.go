package resource

import (
	"context"

	"fhirtx/internal/core/id"
)

// Repository persists Resource envelopes. Implementations must run under
// the ambient transaction found on ctx (via tx.Manager) rather than
// managing their own connections.
type Repository interface {
	Create(ctx context.Context, res *Resource) error
	GetByID(ctx context.Context, resourceType string, resourceID id.ID) (*Resource, error)
	GetForUpdate(ctx context.Context, resourceType string, resourceID id.ID) (*Resource, error)
	FindByField(ctx context.Context, resourceType, field string, value any) (*Resource, error)
	Update(ctx context.Context, res *Resource, expectedVersion int) error
	Delete(ctx context.Context, resourceType string, resourceID id.ID) error
	Search(ctx context.Context, resourceType string, opts SearchOptions) ([]*Resource, error)

	// BulkInsert loads pre-validated resources via COPY, for trusted bulk
	// imports where per-item isolation is unnecessary. Must run inside an
	// active transaction.
	BulkInsert(ctx context.Context, resources []*Resource) (int64, error)
}
