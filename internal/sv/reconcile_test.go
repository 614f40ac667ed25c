package sv_test

import (
	"context"
	"errors"
	"testing"

	"sheetvault/internal/sv"
	"sheetvault/internal/testutil"
)

func putOrphan(t *testing.T, f *testutil.Fixture, owner string) string {
	t.Helper()
	stream, err := f.Blobs.OpenWriteStream(context.Background(), "orphan.csv", "text/csv", owner)
	if err != nil {
		t.Fatal(err)
	}
	stream.Write([]byte("a\n1\n"))
	if err := stream.Close(); err != nil {
		t.Fatal(err)
	}
	return stream.BlobID()
}

func TestUploadService_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("clean owner", func(t *testing.T) {
		f := testutil.NewFixture(t)
		upload(t, f, "alice", "a.csv", salesCSV)
		report, err := f.Service.Reconcile(ctx, "alice", false)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if !report.Clean() || report.Blobs != 1 || report.Records != 1 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("classifies disagreements", func(t *testing.T) {
		f := testutil.NewFixture(t)
		orphan := putOrphan(t, f, "alice")

		missing := upload(t, f, "alice", "missing.csv", salesCSV)
		f.Blobs.Delete(ctx, missing.ObjectStoreID)

		lingering := upload(t, f, "alice", "lingering.csv", salesCSV)
		f.Store.FailDeletes(errors.New("offline"))
		f.Service.OwnerDelete(ctx, lingering.ID, "alice")
		f.Store.FailDeletes(nil)

		upload(t, f, "alice", "fine.csv", salesCSV)
		upload(t, f, "bob", "other.csv", salesCSV)

		report, err := f.Service.Reconcile(ctx, "alice", false)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if len(report.Orphaned) != 1 || report.Orphaned[0].ID != orphan {
			t.Errorf("Orphaned = %v, want [%s]", report.Orphaned, orphan)
		}
		if len(report.Missing) != 1 || report.Missing[0].ID != missing.ID {
			t.Errorf("Missing = %v, want [%s]", report.Missing, missing.ID)
		}
		if len(report.Lingering) != 1 || report.Lingering[0].ID != lingering.ObjectStoreID {
			t.Errorf("Lingering = %v, want [%s]", report.Lingering, lingering.ObjectStoreID)
		}
		if report.Purged != 0 || !f.Blobs.Has(orphan) {
			t.Error("report-only reconcile deleted blobs")
		}
	})

	t.Run("purge removes orphaned and lingering blobs", func(t *testing.T) {
		f := testutil.NewFixture(t)
		orphan := putOrphan(t, f, "alice")
		lingering := upload(t, f, "alice", "lingering.csv", salesCSV)
		f.Store.FailDeletes(errors.New("offline"))
		f.Service.OwnerDelete(ctx, lingering.ID, "alice")
		f.Store.FailDeletes(nil)
		kept := upload(t, f, "alice", "kept.csv", salesCSV)

		report, err := f.Service.Reconcile(ctx, "alice", true)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if report.Purged != 2 || report.PurgeFailures != 0 {
			t.Errorf("Purged = %d PurgeFailures = %d, want 2 and 0", report.Purged, report.PurgeFailures)
		}
		if f.Blobs.Has(orphan) || f.Blobs.Has(lingering.ObjectStoreID) {
			t.Error("purged blobs still present")
		}
		if !f.Blobs.Has(kept.ObjectStoreID) {
			t.Error("live blob removed")
		}

		again, _ := f.Service.Reconcile(ctx, "alice", false)
		if !again.Clean() {
			t.Errorf("second reconcile not clean: %+v", again)
		}
	})

	t.Run("purge failures are counted", func(t *testing.T) {
		f := testutil.NewFixture(t)
		putOrphan(t, f, "alice")
		f.Store.FailDeletes(errors.New("offline"))

		report, err := f.Service.Reconcile(ctx, "alice", true)
		if err != nil {
			t.Fatalf("Reconcile() error = %v", err)
		}
		if report.PurgeFailures != 1 || report.Purged != 0 {
			t.Errorf("Purged = %d PurgeFailures = %d, want 0 and 1", report.Purged, report.PurgeFailures)
		}
	})

	t.Run("listing failure", func(t *testing.T) {
		f := testutil.NewFixture(t)
		f.Store.FailLists(sv.StorageError("list", errors.New("timeout")))
		if _, err := f.Service.Reconcile(ctx, "alice", false); !errors.Is(err, sv.ErrStorageUnavailable) {
			t.Errorf("Reconcile() error = %v, want ErrStorageUnavailable", err)
		}
	})
}

func TestScope_Reconcile(t *testing.T) {
	ctx := context.Background()
	f := newScopeFixture(t)

	if _, err := f.scope(f.alice).Reconcile(ctx, f.alice, "alice", false); !errors.Is(err, sv.ErrForbidden) {
		t.Errorf("self Reconcile() error = %v, want ErrForbidden", err)
	}
	if _, err := f.scope(f.root).Reconcile(ctx, f.root, "", false); !errors.Is(err, sv.ErrValidation) {
		t.Errorf("Reconcile(no owner) error = %v, want ErrValidation", err)
	}
	if _, err := f.scope(f.root).Reconcile(ctx, f.root, "root2", false); !errors.Is(err, sv.ErrForbidden) {
		t.Errorf("admin Reconcile(other admin) error = %v, want ErrForbidden", err)
	}
	if _, err := f.scope(f.root).Reconcile(ctx, f.root, "root", false); err != nil {
		t.Errorf("admin Reconcile(self) error = %v", err)
	}
	report, err := f.scope(f.root).Reconcile(ctx, f.root, "alice", false)
	if err != nil {
		t.Fatalf("admin Reconcile(user) error = %v", err)
	}
	if !report.Clean() || report.OwnerID != "alice" {
		t.Errorf("report = %+v", report)
	}
}
