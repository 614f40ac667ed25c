package testutil

import (
	"context"
	"io"
	"sync"

	"sheetvault/internal/sv"
)

// FaultyObjectStore wraps an ObjectStore and fails chosen operations.
// A nil error field passes the call through.
type FaultyObjectStore struct {
	sv.ObjectStore

	mu        sync.Mutex
	deleteErr error
	readErr   error
	listErr   error
	deletes   []string
}

func NewFaultyObjectStore(inner sv.ObjectStore) *FaultyObjectStore {
	return &FaultyObjectStore{ObjectStore: inner}
}

// FailDeletes makes every Delete return err until called again with nil.
func (f *FaultyObjectStore) FailDeletes(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

// FailReads makes every OpenReadStream return err.
func (f *FaultyObjectStore) FailReads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// FailLists makes every ListByOwner return err.
func (f *FaultyObjectStore) FailLists(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// Deletes returns the blob ids passed to Delete, failed calls included.
func (f *FaultyObjectStore) Deletes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *FaultyObjectStore) Delete(ctx context.Context, blobID string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, blobID)
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.ObjectStore.Delete(ctx, blobID)
}

func (f *FaultyObjectStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	f.mu.Lock()
	err := f.readErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ObjectStore.OpenReadStream(ctx, blobID)
}

func (f *FaultyObjectStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	f.mu.Lock()
	err := f.listErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.ObjectStore.ListByOwner(ctx, ownerID)
}
