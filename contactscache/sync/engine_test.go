package sync_test

import (
	"context"
	"testing"

	"github.com/autotech-aaos/contactscache/contactscache/model"
	"github.com/autotech-aaos/contactscache/contactscache/store/memstore"
	"github.com/autotech-aaos/contactscache/contactscache/sync"
)

func newEngine() *sync.Engine {
	e := sync.New(memstore.New())
	tick := int64(1000)
	e.Clock = func() int64 {
		tick++
		return tick
	}
	return e
}

func TestApplyFullSyncFreshInsert(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	summary, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
		{ExternalContactID: "c2", DisplayName: "Priya", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Inserted != 2 {
		t.Errorf("Inserted=%d, want 2", summary.Inserted)
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Errorf("len(contacts)=%d, want 2", len(contacts))
	}
}

func TestApplyFullSyncCompleteSnapshotDeletesMissing(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
		{ExternalContactID: "c2", DisplayName: "Priya", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	summary, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 2, CompleteSnapshot: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deleted != 1 {
		t.Errorf("Deleted=%d, want 1", summary.Deleted)
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 {
		t.Errorf("len(contacts)=%d, want 1", len(contacts))
	}
}

func TestApplyFullSyncPartialSnapshotDoesNotDelete(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
		{ExternalContactID: "c2", DisplayName: "Priya", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	summary, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 2, CompleteSnapshot: false})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deleted != 0 {
		t.Errorf("Deleted=%d, want 0", summary.Deleted)
	}
	if !summary.PartialSnapshot {
		t.Error("expected PartialSnapshot=true")
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 2 {
		t.Errorf("len(contacts)=%d, want 2 (c2 should survive a partial snapshot)", len(contacts))
	}
}

func TestApplyDeltaSyncUpsertBeatsDeletionInSameBatch(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	summary, err := e.ApplyDeltaSync(ctx, "dev1",
		[]model.RawContact{{ExternalContactID: "c1", DisplayName: "Alex Updated", SourceVersion: 2, SourceLastModifiedMs: 200}},
		[]string{"c1"},
		&model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 2})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Deleted != 0 {
		t.Errorf("Deleted=%d, want 0 (upsert should win over the conflicting deletion)", summary.Deleted)
	}
	if summary.Updated != 1 {
		t.Errorf("Updated=%d, want 1", summary.Updated)
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].DisplayName != "Alex Updated" {
		t.Errorf("contacts=%v, want [Alex Updated]", contacts)
	}
}

func TestStaleVersionIgnored(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Alex", SourceVersion: 5, SourceLastModifiedMs: 500},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	summary, err := e.ApplyDeltaSync(ctx, "dev1",
		[]model.RawContact{{ExternalContactID: "c1", DisplayName: "Stale", SourceVersion: 3, SourceLastModifiedMs: 900}},
		nil,
		&model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 2})
	if err != nil {
		t.Fatal(err)
	}
	if summary.StaleIgnored != 1 {
		t.Errorf("StaleIgnored=%d, want 1", summary.StaleIgnored)
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if contacts[0].DisplayName != "Alex" {
		t.Errorf("DisplayName=%q, want %q (stale update should not apply)", contacts[0].DisplayName, "Alex")
	}
}

func TestSequenceRegressionRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", nil,
		&model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 5, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	_, err := e.ApplyFullSync(ctx, "dev1", nil,
		&model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 3, CompleteSnapshot: true})
	if err == nil {
		t.Fatal("expected a sequence regression to be rejected")
	}
	if _, ok := err.(interface{ Error() string }); !ok {
		t.Fatalf("expected an error, got %T", err)
	}
}

func TestSequenceRegressionAllowedWhenOverridden(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	if _, err := e.ApplyFullSync(ctx, "dev1", nil,
		&model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 5, CompleteSnapshot: true}); err != nil {
		t.Fatal(err)
	}

	_, err := e.ApplyFullSync(ctx, "dev1", nil,
		&model.SyncMetadata{SyncToken: "t2", SourceSyncSequence: 3, CompleteSnapshot: true, AllowSequenceRegression: true})
	if err != nil {
		t.Fatalf("expected the regression override to be honored, got %v", err)
	}
}

func TestDuplicateIDsInBatchKeepsNewest(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	summary, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "Old", SourceVersion: 1, SourceLastModifiedMs: 100},
		{ExternalContactID: "c1", DisplayName: "New", SourceVersion: 2, SourceLastModifiedMs: 200},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Inserted != 1 {
		t.Errorf("Inserted=%d, want 1 (duplicate ids in one batch collapse to one row)", summary.Inserted)
	}

	contacts, err := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].DisplayName != "New" {
		t.Errorf("contacts=%v, want [New] (the higher source_version wins)", contacts)
	}
}

func TestNormalizationDropsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	e := newEngine()

	summary, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "   ", DisplayName: "No ID"},
		{ExternalContactID: "c1", DisplayName: "Valid", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.InvalidDropped != 1 {
		t.Errorf("InvalidDropped=%d, want 1", summary.InvalidDropped)
	}
	if summary.Inserted != 1 {
		t.Errorf("Inserted=%d, want 1", summary.Inserted)
	}
}

func TestCapacityRejection(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	e.Limits.MaxContactsPerDevice = 1

	_, err := e.ApplyFullSync(ctx, "dev1", []model.RawContact{
		{ExternalContactID: "c1", DisplayName: "A", SourceVersion: 1, SourceLastModifiedMs: 100},
		{ExternalContactID: "c2", DisplayName: "B", SourceVersion: 1, SourceLastModifiedMs: 100},
	}, &model.SyncMetadata{SyncToken: "t1", SourceSyncSequence: 1, CompleteSnapshot: true})
	if err == nil {
		t.Fatal("expected a capacity rejection")
	}

	contacts, listErr := e.Store.ListActiveContacts(ctx, "dev1", "", 0)
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(contacts) != 0 {
		t.Errorf("contacts=%v, want none (a rejected batch must not be partially applied)", contacts)
	}
}

func TestBlankSourceDeviceRejected(t *testing.T) {
	ctx := context.Background()
	e := newEngine()
	_, err := e.ApplyFullSync(ctx, "   ", nil, nil)
	if err == nil {
		t.Fatal("expected blank source_device to be rejected")
	}
}
