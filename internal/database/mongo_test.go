package database

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sheetvault/internal/sv"
)

func TestUploadDocument_Conversion(t *testing.T) {
	oid := primitive.NewObjectID()
	deletedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &sv.UploadRecord{
		ID:            oid.Hex(),
		OwnerID:       "u1",
		OriginalName:  "a.xlsx",
		ObjectStoreID: "65f000000000000000000001",
		Columns:       []string{"a"},
		SamplePreview: []sv.Row{{"a": "1"}},
		TotalRows:     1,
		Deleted:       true,
		DeletedAt:     &deletedAt,
	}

	raw, err := bson.Marshal(toUploadDocument(record))
	if err != nil {
		t.Fatalf("bson.Marshal() error = %v", err)
	}
	var doc uploadDocument
	if err := bson.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("bson.Unmarshal() error = %v", err)
	}
	got := doc.toRecord()

	if got.ID != record.ID {
		t.Errorf("ID = %q, want %q", got.ID, record.ID)
	}
	if !got.Deleted || got.DeletedAt == nil || !got.DeletedAt.Equal(deletedAt) {
		t.Errorf("Deleted = %v, DeletedAt = %v", got.Deleted, got.DeletedAt)
	}
	if len(got.SamplePreview) != 1 || got.SamplePreview[0]["a"] != "1" {
		t.Errorf("SamplePreview = %v", got.SamplePreview)
	}
}

func TestUploadDocument_EmptyPreviewStoredAsArray(t *testing.T) {
	doc := toUploadDocument(&sv.UploadRecord{OwnerID: "u1"})
	if doc.Columns == nil || doc.SamplePreview == nil {
		t.Error("empty columns and preview must be stored as arrays, not null")
	}
	if got := doc.toRecord(); got.Columns != nil || got.Parsed() {
		t.Errorf("toRecord() Columns = %v, want nil", got.Columns)
	}
}

// newTestMongo connects to SHEETVAULT_TEST_MONGO_URI, skipping when it is unset.
func newTestMongo(t *testing.T) *MongoDatabase {
	t.Helper()
	uri := os.Getenv("SHEETVAULT_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SHEETVAULT_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	name := "sheetvault_test_" + primitive.NewObjectID().Hex()
	db, err := NewMongoDatabase(ctx, uri, name, nil)
	if err != nil {
		t.Fatalf("NewMongoDatabase() error = %v", err)
	}
	t.Cleanup(func() {
		db.db.Drop(context.Background())
		db.Close()
	})
	return db
}

func TestMongoDatabase_Lifecycle(t *testing.T) {
	db := newTestMongo(t)
	ctx := context.Background()

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	r := &sv.UploadRecord{OwnerID: "u1", OriginalName: "a.csv", ObjectStoreID: "blob-1"}
	if err := db.Create(ctx, r); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := db.SoftDelete(ctx, r.ID, time.Now()); err != nil {
		t.Fatalf("SoftDelete() error = %v", err)
	}
	if _, err := db.SoftDelete(ctx, r.ID, time.Now()); !errors.Is(err, sv.ErrAlreadyDeleted) {
		t.Errorf("second SoftDelete() error = %v, want ErrAlreadyDeleted", err)
	}

	live, _ := db.FindByOwner(ctx, "u1", false)
	if len(live) != 0 {
		t.Errorf("FindByOwner(includeDeleted=false) = %d records, want 0", len(live))
	}
	total, _ := db.CountByOwner(ctx, "u1", true)
	if total != 1 {
		t.Errorf("CountByOwner(includeDeleted=true) = %d, want 1", total)
	}

	if err := db.HardDelete(ctx, r.ID); err != nil {
		t.Fatalf("HardDelete() error = %v", err)
	}
	if _, err := db.FindByID(ctx, r.ID); !errors.Is(err, sv.ErrRecordNotFound) {
		t.Errorf("FindByID() after HardDelete error = %v", err)
	}
	if _, err := db.FindByID(ctx, "not-an-object-id"); !errors.Is(err, sv.ErrRecordNotFound) {
		t.Errorf("FindByID(bad id) error = %v", err)
	}

	if err := db.PutAccount(ctx, &sv.Account{ID: "u1", Role: sv.RoleUser}); err != nil {
		t.Fatalf("PutAccount() error = %v", err)
	}
	if role, err := db.RoleOf(ctx, "u1"); err != nil || role != sv.RoleUser {
		t.Errorf("RoleOf() = %q, %v", role, err)
	}
}
