package resource

import (
	"context"
	"time"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/entity"
	"fhirtx/internal/core/id"
	"fhirtx/internal/core/tx"
	"fhirtx/internal/infrastructure/storage/postgres"
	"fhirtx/pkg/logger"
)

// Service is the repository-layer collaborator the transactional core is
// built to serve: every write runs inside one or more tx.Manager frames,
// registers its durable side effects (audit trail, outbox event) in the
// same frame, and defers anything observable outside the database to a
// PostCommit callback.
type Service struct {
	txm    tx.Manager
	repo   Repository
	audit  AuditLogger
	outbox EventPublisher
	log    *logger.Logger
}

// NewService wires the resource repository to the transactional core and
// its supporting infrastructure.
func NewService(txm tx.Manager, repo Repository, audit AuditLogger, outbox EventPublisher, log *logger.Logger) *Service {
	return &Service{txm: txm, repo: repo, audit: audit, outbox: outbox, log: log.WithComponent("resource")}
}

// Create validates and persists a new resource inside a single outermost
// transaction.
func (s *Service) Create(ctx context.Context, resourceType string, content entity.Attributes) (*Resource, error) {
	if err := validateContent(resourceType, content); err != nil {
		return nil, err
	}

	var created *Resource
	err := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
		res := &Resource{
			ID:           id.New(),
			ResourceType: resourceType,
			VersionID:    1,
			LastUpdated:  time.Now().UTC(),
			Content:      content,
		}
		if err := s.repo.Create(ctx, res); err != nil {
			return err
		}
		if err := s.audit.LogChange(ctx, resourceType, res.ID, postgres.AuditActionCreate, content); err != nil {
			return err
		}
		if err := s.outbox.Publish(ctx, postgres.DomainEvent{
			AggregateType: resourceType,
			AggregateID:   res.ID,
			EventType:     resourceType + "Created",
			Payload:       res,
		}); err != nil {
			return err
		}

		created = res
		return s.txm.PostCommit(ctx, func(ctx context.Context) {
			s.log.Infow("resource created", "resourceType", resourceType, "id", res.ID)
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// CreateBundle persists each item in its own nested transaction under one
// outermost transaction: a validation failure in one item
// rolls back only that item's savepoint, leaving earlier and later items
// unaffected, while post-commit callbacks registered by every surviving
// item still fire once, in registration order, after the bundle commits.
// The bundle itself fails only if every item failed.
func (s *Service) CreateBundle(ctx context.Context, resourceType string, items []entity.Attributes) ([]*Resource, []error) {
	var created []*Resource
	var itemErrs []error

	bundleErr := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
		for i, content := range items {
			content := content
			nestedErr := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
				if err := validateContent(resourceType, content); err != nil {
					return err
				}
				res := &Resource{
					ID:           id.New(),
					ResourceType: resourceType,
					VersionID:    1,
					LastUpdated:  time.Now().UTC(),
					Content:      content,
				}
				if err := s.repo.Create(ctx, res); err != nil {
					return err
				}
				created = append(created, res)
				return s.txm.PostCommit(ctx, func(ctx context.Context) {
					s.log.Infow("bundle item created", "resourceType", resourceType, "id", res.ID, "index", i)
				})
			})
			if nestedErr != nil {
				itemErrs = append(itemErrs, nestedErr)
			}
		}
		if len(created) == 0 {
			return apperror.NewValidation("no items in bundle could be created")
		}
		return nil
	})
	if bundleErr != nil {
		return nil, append(itemErrs, bundleErr)
	}
	return created, itemErrs
}

// ImportBundle bulk-loads pre-validated resources via COPY inside a single
// transaction. Every item is validated up front and, unlike CreateBundle, a
// single bad item fails the whole import before anything is written,
// trading per-item isolation for throughput on bulk loads.
func (s *Service) ImportBundle(ctx context.Context, resourceType string, items []entity.Attributes) ([]*Resource, error) {
	for _, content := range items {
		if err := validateContent(resourceType, content); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	resources := make([]*Resource, len(items))
	for i, content := range items {
		resources[i] = &Resource{
			ID:           id.New(),
			ResourceType: resourceType,
			VersionID:    1,
			LastUpdated:  now,
			Content:      content,
		}
	}

	err := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
		if _, err := s.repo.BulkInsert(ctx, resources); err != nil {
			return err
		}

		events := make([]postgres.DomainEvent, len(resources))
		for i, res := range resources {
			events[i] = postgres.DomainEvent{
				AggregateType: resourceType,
				AggregateID:   res.ID,
				EventType:     resourceType + "Created",
				Payload:       res,
			}
		}
		if err := s.outbox.PublishBatch(ctx, events); err != nil {
			return err
		}

		return s.txm.PostCommit(ctx, func(ctx context.Context) {
			s.log.Infow("bundle imported", "resourceType", resourceType, "count", len(resources))
		})
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

// GetByID reads a resource. Reads do not require an explicit transaction;
// when called with no ambient TC, the repository falls back to the pool.
func (s *Service) GetByID(ctx context.Context, resourceType string, resourceID id.ID) (*Resource, error) {
	return s.repo.GetByID(ctx, resourceType, resourceID)
}

// Search looks up resources by the given options without requiring a transaction.
func (s *Service) Search(ctx context.Context, resourceType string, opts SearchOptions) ([]*Resource, error) {
	return s.repo.Search(ctx, resourceType, opts)
}

// Update applies an optimistic-locked update: concurrent updates to the
// same resource race on the version column; of the racers passing the same
// expected version, one succeeds and the others settle with a
// SerializationConflict.
func (s *Service) Update(ctx context.Context, resourceType string, resourceID id.ID, expectedVersion int, content entity.Attributes) (*Resource, error) {
	if err := validateContent(resourceType, content); err != nil {
		return nil, err
	}

	var updated *Resource
	err := s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
		res, err := s.repo.GetForUpdate(ctx, resourceType, resourceID)
		if err != nil {
			return err
		}

		res.Content = content
		res.VersionID = expectedVersion + 1
		res.LastUpdated = time.Now().UTC()

		if err := s.repo.Update(ctx, res, expectedVersion); err != nil {
			return err
		}
		if err := s.audit.LogChange(ctx, resourceType, res.ID, postgres.AuditActionUpdate, content); err != nil {
			return err
		}

		updated = res
		return s.txm.PostCommit(ctx, func(ctx context.Context) {
			s.log.Infow("resource updated", "resourceType", resourceType, "id", res.ID, "versionId", res.VersionID)
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ConditionalCreate implements a FHIR "If-None-Exist" create: search for a
// resource matching field/value, returning it if found, otherwise creating
// one. Run with Serializable true, at most one concurrent racer succeeds;
// the rest fail with SerializationConflict. Run at default isolation, both
// racers may succeed and duplicates are possible — callers wanting
// uniqueness must opt into serializable.
func (s *Service) ConditionalCreate(ctx context.Context, resourceType, field string, value any, content entity.Attributes, serializable bool) (res *Resource, existed bool, err error) {
	if verr := validateContent(resourceType, content); verr != nil {
		return nil, false, verr
	}

	txErr := s.txm.WithTransaction(ctx, tx.Options{Serializable: serializable}, func(ctx context.Context) error {
		existing, findErr := s.repo.FindByField(ctx, resourceType, field, value)
		if findErr == nil {
			res = existing
			existed = true
			return nil
		}
		if !apperror.IsNotFound(findErr) {
			return findErr
		}

		created := &Resource{
			ID:           id.New(),
			ResourceType: resourceType,
			VersionID:    1,
			LastUpdated:  time.Now().UTC(),
			Content:      content,
		}
		if createErr := s.repo.Create(ctx, created); createErr != nil {
			return createErr
		}
		res = created
		return nil
	})
	if txErr != nil {
		return nil, false, txErr
	}
	return res, existed, nil
}

// Delete soft-deletes a resource.
func (s *Service) Delete(ctx context.Context, resourceType string, resourceID id.ID) error {
	return s.txm.WithTransaction(ctx, tx.Options{}, func(ctx context.Context) error {
		if err := s.repo.Delete(ctx, resourceType, resourceID); err != nil {
			return err
		}
		return s.audit.LogChange(ctx, resourceType, resourceID, postgres.AuditActionDelete, nil)
	})
}
