package resource

import (
	"context"
	"testing"

	"fhirtx/internal/core/apperror"
	"fhirtx/internal/core/entity"
	"fhirtx/pkg/logger"
)

func newTestService() (*Service, *fakeTxManager, *fakeRepository, *fakeAuditLogger, *fakeEventPublisher) {
	txm := &fakeTxManager{}
	repo := newFakeRepository()
	audit := &fakeAuditLogger{}
	outbox := &fakeEventPublisher{}
	svc := NewService(txm, repo, audit, outbox, logger.Default())
	return svc, txm, repo, audit, outbox
}

func TestService_Create(t *testing.T) {
	svc, _, _, audit, outbox := newTestService()

	res, err := svc.Create(context.Background(), "Patient", entity.Attributes{"name": "Ada"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.VersionID != 1 {
		t.Errorf("expected versionId 1, got %d", res.VersionID)
	}
	if len(audit.entries) != 1 {
		t.Errorf("expected 1 audit entry, got %d", len(audit.entries))
	}
	if len(outbox.events) != 1 {
		t.Errorf("expected 1 outbox event, got %d", len(outbox.events))
	}
}

func TestService_Create_RejectsUnknownField(t *testing.T) {
	svc, _, repo, _, _ := newTestService()

	_, err := svc.Create(context.Background(), "Patient", entity.Attributes{"ssn": "123-45-6789"})
	if !apperror.Is(err, apperror.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(repo.items) != 0 {
		t.Errorf("expected nothing persisted, got %d items", len(repo.items))
	}
}

// TestService_CreateBundle_PartialFailure exercises the nested-frame
// contract: one item failing validation rolls back only that item, the
// others still commit, and the bundle as a whole succeeds.
func TestService_CreateBundle_PartialFailure(t *testing.T) {
	svc, _, repo, _, _ := newTestService()

	items := []entity.Attributes{
		{"name": "Ada"},
		{"ssn": "bad-field"}, // rejected by validateContent
		{"name": "Grace"},
	}

	created, itemErrs := svc.CreateBundle(context.Background(), "Patient", items)
	if len(created) != 2 {
		t.Fatalf("expected 2 items created, got %d", len(created))
	}
	if len(itemErrs) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(itemErrs))
	}
	if !apperror.Is(itemErrs[0], apperror.CodeValidation) {
		t.Errorf("expected validation error for failed item, got %v", itemErrs[0])
	}
	if len(repo.items) != 2 {
		t.Errorf("expected 2 items persisted, got %d", len(repo.items))
	}
}

// TestService_CreateBundle_AllFail checks the bundle fails outright when
// every item is rejected.
func TestService_CreateBundle_AllFail(t *testing.T) {
	svc, _, repo, _, _ := newTestService()

	items := []entity.Attributes{
		{"ssn": "bad-field"},
		{"ssn": "also-bad"},
	}

	created, itemErrs := svc.CreateBundle(context.Background(), "Patient", items)
	if created != nil {
		t.Fatalf("expected no items created, got %d", len(created))
	}
	if len(itemErrs) != 3 { // 2 item errors + the bundle-level error appended
		t.Fatalf("expected 3 errors (2 items + bundle), got %d", len(itemErrs))
	}
	if len(repo.items) != 0 {
		t.Errorf("expected nothing persisted, got %d items", len(repo.items))
	}
}

// TestService_CreateBundle_PostCommitSurvivesOnlyCommittedItems verifies
// that post-commit callbacks registered by a rolled-back item never fire,
// while callbacks from committed items fire exactly once after the whole
// bundle commits.
func TestService_CreateBundle_PostCommitSurvivesOnlyCommittedItems(t *testing.T) {
	svc, txm, _, _, _ := newTestService()

	items := []entity.Attributes{
		{"name": "Ada"},
		{"ssn": "bad-field"},
	}
	_, _ = svc.CreateBundle(context.Background(), "Patient", items)

	if len(txm.postCommit) != 0 {
		t.Errorf("expected post-commit queue drained after outermost commit, got %d pending", len(txm.postCommit))
	}
	if txm.fired != 1 {
		t.Errorf("expected exactly 1 post-commit callback fired (the committed item), got %d", txm.fired)
	}
}

func TestService_Update_OptimisticConflict(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "Patient", entity.Attributes{"name": "Ada"})
	if err != nil {
		t.Fatalf("setup create failed: %v", err)
	}

	// Updating with an expectedVersion that does not match the stored
	// version must fail with a serialization conflict rather than silently
	// overwrite.
	_, err = svc.Update(ctx, "Patient", created.ID, created.VersionID+1, entity.Attributes{"name": "Ada Lovelace"})
	if !apperror.IsSerializationConflict(err) {
		t.Fatalf("expected serialization conflict, got %v", err)
	}

	updated, err := svc.Update(ctx, "Patient", created.ID, created.VersionID, entity.Attributes{"name": "Ada Lovelace"})
	if err != nil {
		t.Fatalf("unexpected error on correct version: %v", err)
	}
	if updated.VersionID != created.VersionID+1 {
		t.Errorf("expected versionId %d, got %d", created.VersionID+1, updated.VersionID)
	}
}

func TestService_ConditionalCreate_FindsExisting(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "Patient", entity.Attributes{"name": "Ada"})
	if err != nil {
		t.Fatalf("setup create failed: %v", err)
	}

	res, existed, err := svc.ConditionalCreate(ctx, "Patient", "name", "Ada", entity.Attributes{"name": "Ada"}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !existed {
		t.Errorf("expected existed=true")
	}
	if res.ID != created.ID {
		t.Errorf("expected to find the existing resource, got a different id")
	}
}

func TestService_ConditionalCreate_CreatesWhenAbsent(t *testing.T) {
	svc, _, repo, _, _ := newTestService()
	ctx := context.Background()

	res, existed, err := svc.ConditionalCreate(ctx, "Patient", "name", "Grace", entity.Attributes{"name": "Grace"}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existed {
		t.Errorf("expected existed=false")
	}
	if _, ok := repo.items[repo.key("Patient", res.ID)]; !ok {
		t.Errorf("expected new resource to be persisted")
	}
}

func TestService_ImportBundle(t *testing.T) {
	svc, _, repo, _, _ := newTestService()

	items := []entity.Attributes{
		{"name": "Ada"},
		{"name": "Grace"},
	}
	created, err := svc.ImportBundle(context.Background(), "Patient", items)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(created))
	}
	if len(repo.items) != 2 {
		t.Errorf("expected 2 items persisted, got %d", len(repo.items))
	}
}

func TestService_ImportBundle_RejectsWholeBatchOnBadItem(t *testing.T) {
	svc, _, repo, _, _ := newTestService()

	items := []entity.Attributes{
		{"name": "Ada"},
		{"ssn": "bad-field"},
	}
	created, err := svc.ImportBundle(context.Background(), "Patient", items)
	if !apperror.Is(err, apperror.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if created != nil {
		t.Errorf("expected no resources returned on rejection")
	}
	if len(repo.items) != 0 {
		t.Errorf("expected nothing persisted, got %d items", len(repo.items))
	}
}

func TestService_Delete(t *testing.T) {
	svc, _, _, audit, _ := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, "Patient", entity.Attributes{"name": "Ada"})
	if err != nil {
		t.Fatalf("setup create failed: %v", err)
	}

	if err := svc.Delete(ctx, "Patient", created.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.GetByID(ctx, "Patient", created.ID); !apperror.IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
	if len(audit.entries) != 2 { // create + delete
		t.Errorf("expected 2 audit entries, got %d", len(audit.entries))
	}
}
