package resource

import (
	"context"
	"sync"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/id"
	"fhirtx/internal/core/tx"
	"fhirtx/internal/infrastructure/storage/postgres"
)

// fakeTxManager reproduces the nested-frame contract of tx.Manager without
// a database: each call pushes a frame, a failing frame drops only the
// post-commit entries it registered, and post-commit callbacks run once,
// in registration order, only when the outermost frame returns nil.
type fakeTxManager struct {
	mu         sync.Mutex
	depth      int
	postCommit []func(context.Context)
	fired      int // post-commit callbacks run so far
}

func (f *fakeTxManager) WithTransaction(ctx context.Context, opts tx.Options, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	f.depth++
	mark := len(f.postCommit)
	f.mu.Unlock()

	err := fn(ctx)

	f.mu.Lock()
	f.depth--
	outermost := f.depth == 0
	if err != nil {
		f.postCommit = f.postCommit[:mark]
	}
	var toRun []func(context.Context)
	if err == nil && outermost {
		toRun = f.postCommit
		f.postCommit = nil
		f.fired += len(toRun)
	}
	f.mu.Unlock()

	for _, cb := range toRun {
		cb(ctx)
	}
	return err
}

func (f *fakeTxManager) PostCommit(ctx context.Context, fn func(ctx context.Context)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postCommit = append(f.postCommit, fn)
	return nil
}

// fakeRepository is an in-memory stand-in for Repository, keyed by
// resourceType+ID, with hooks to force specific failure modes.
type fakeRepository struct {
	mu    sync.Mutex
	items map[string]*Resource

	createErr error
	updateErr error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{items: make(map[string]*Resource)}
}

func (r *fakeRepository) key(resourceType string, resourceID id.ID) string {
	return resourceType + "/" + resourceID.String()
}

func (r *fakeRepository) Create(ctx context.Context, res *Resource) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[r.key(res.ResourceType, res.ID)] = res
	return nil
}

func (r *fakeRepository) GetByID(ctx context.Context, resourceType string, resourceID id.ID) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.items[r.key(resourceType, resourceID)]
	if !ok || res.DeletionMark {
		return nil, apperror.NewNotFound(resourceType, resourceID.String())
	}
	copied := *res
	return &copied, nil
}

func (r *fakeRepository) GetForUpdate(ctx context.Context, resourceType string, resourceID id.ID) (*Resource, error) {
	return r.GetByID(ctx, resourceType, resourceID)
}

func (r *fakeRepository) FindByField(ctx context.Context, resourceType, field string, value any) (*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.items {
		if res.ResourceType != resourceType || res.DeletionMark {
			continue
		}
		if res.Content.GetString(field) == value {
			copied := *res
			return &copied, nil
		}
	}
	return nil, apperror.NewNotFound(resourceType, field)
}

func (r *fakeRepository) Update(ctx context.Context, res *Resource, expectedVersion int) error {
	if r.updateErr != nil {
		return r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.items[r.key(res.ResourceType, res.ID)]
	if !ok {
		return apperror.NewNotFound(res.ResourceType, res.ID.String())
	}
	if existing.VersionID != expectedVersion {
		return apperror.NewSerializationConflict()
	}
	copied := *res
	r.items[r.key(res.ResourceType, res.ID)] = &copied
	return nil
}

func (r *fakeRepository) Delete(ctx context.Context, resourceType string, resourceID id.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.items[r.key(resourceType, resourceID)]
	if !ok {
		return apperror.NewNotFound(resourceType, resourceID.String())
	}
	res.DeletionMark = true
	return nil
}

func (r *fakeRepository) BulkInsert(ctx context.Context, resources []*Resource) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range resources {
		r.items[r.key(res.ResourceType, res.ID)] = res
	}
	return int64(len(resources)), nil
}

func (r *fakeRepository) Search(ctx context.Context, resourceType string, opts SearchOptions) ([]*Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Resource
	for _, res := range r.items {
		if res.ResourceType == resourceType && !res.DeletionMark {
			copied := *res
			out = append(out, &copied)
		}
	}
	return out, nil
}

// fakeAuditLogger records every LogChange call for assertion.
type fakeAuditLogger struct {
	mu      sync.Mutex
	entries []postgres.AuditAction
	err     error
}

func (a *fakeAuditLogger) LogChange(ctx context.Context, entityType string, entityID id.ID, action postgres.AuditAction, changes map[string]any) error {
	if a.err != nil {
		return a.err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, action)
	return nil
}

// fakeEventPublisher records every Publish call for assertion.
type fakeEventPublisher struct {
	mu     sync.Mutex
	events []postgres.DomainEvent
	err    error
}

func (p *fakeEventPublisher) Publish(ctx context.Context, event postgres.DomainEvent) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakeEventPublisher) PublishBatch(ctx context.Context, events []postgres.DomainEvent) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}
