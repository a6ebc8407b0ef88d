package resource

import (
	"context"

	"fhirtx/internal/core/id"
	"fhirtx/internal/infrastructure/storage/postgres"
)

// AuditLogger records a durable audit trail entry inside the caller's
// transaction frame. Satisfied by *postgres.AuditService.
type AuditLogger interface {
	LogChange(ctx context.Context, entityType string, entityID id.ID, action postgres.AuditAction, changes map[string]any) error
}

// EventPublisher writes domain events to the transactional outbox inside
// the caller's transaction frame. Satisfied by *postgres.OutboxPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, event postgres.DomainEvent) error
	PublishBatch(ctx context.Context, events []postgres.DomainEvent) error
}
