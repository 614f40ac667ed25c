package objectstore

import (
	"context"
	"io"
	"sort"
	"sync"

	"sheetvault/internal/sv"
)

// MemoryStore is an in-memory implementation of sv.ObjectStore.
// Blobs are kept as chunk slices, making it useful for testing.
// This implementation is safe for concurrent use.
type MemoryStore struct {
	chunkSize int
	clock     sv.Clock
	idgen     sv.IDGenerator

	mu    sync.RWMutex
	blobs map[string]*memoryBlob // committed only
}

type memoryBlob struct {
	info   sv.BlobInfo
	chunks [][]byte
}

// NewMemoryStore creates an empty store. A nil clock or idgen selects the
// real implementation.
func NewMemoryStore(chunkSize int, clock sv.Clock, idgen sv.IDGenerator) *MemoryStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if clock == nil {
		clock = sv.RealClock{}
	}
	if idgen == nil {
		idgen = sv.UUIDGenerator{}
	}
	return &MemoryStore{
		chunkSize: chunkSize,
		clock:     clock,
		idgen:     idgen,
		blobs:     make(map[string]*memoryBlob),
	}
}

// OpenWriteStream buffers chunks privately; the blob becomes visible on Close.
func (m *MemoryStore) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	s := &memoryWriteStream{
		store: m,
		info: sv.BlobInfo{
			Filename:    name,
			ContentType: contentType,
			OwnerID:     ownerID,
			ChunkSize:   m.chunkSize,
		},
	}
	s.w = newChunkWriter(m.chunkSize, func(_ int, data []byte) error {
		s.chunks = append(s.chunks, data)
		return nil
	})
	return s, nil
}

// OpenReadStream returns a reader over the committed chunks. Chunks are never
// mutated after commit, so the reader holds no lock.
func (m *MemoryStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	m.mu.RLock()
	blob, ok := m.blobs[blobID]
	m.mu.RUnlock()
	if !ok {
		return nil, sv.ErrBlobNotFound
	}
	chunks := blob.chunks
	return newChunkReader(len(chunks), func(n int) ([]byte, error) {
		return chunks[n], nil
	}), nil
}

// Delete removes the blob. Unknown ids are ignored.
func (m *MemoryStore) Delete(ctx context.Context, blobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, blobID)
	return nil
}

// ListByOwner returns the owner's blobs oldest first.
func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var infos []*sv.BlobInfo
	for _, blob := range m.blobs {
		if blob.info.OwnerID == ownerID {
			info := blob.info
			infos = append(infos, &info)
		}
	}
	sortBlobInfos(infos)
	return infos, nil
}

// Has reports whether a committed blob exists.
func (m *MemoryStore) Has(blobID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[blobID]
	return ok
}

// Len returns the number of committed blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

type memoryWriteStream struct {
	store  *MemoryStore
	info   sv.BlobInfo
	w      *chunkWriter
	chunks [][]byte
	id     string
}

func (s *memoryWriteStream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *memoryWriteStream) Close() error {
	if err := s.w.finish(); err != nil {
		return err
	}
	s.info.ID = s.store.idgen.New()
	s.info.Length = s.w.total
	s.info.UploadedAt = s.store.clock.Now()

	s.store.mu.Lock()
	s.store.blobs[s.info.ID] = &memoryBlob{info: s.info, chunks: s.chunks}
	s.store.mu.Unlock()

	s.id = s.info.ID
	return nil
}

func (s *memoryWriteStream) Abort() error {
	if s.id != "" {
		return nil
	}
	s.w.closed = true
	s.chunks = nil
	return nil
}

func (s *memoryWriteStream) BlobID() string {
	return s.id
}

func sortBlobInfos(infos []*sv.BlobInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UploadedAt.Equal(infos[j].UploadedAt) {
			return infos[i].UploadedAt.Before(infos[j].UploadedAt)
		}
		return infos[i].ID < infos[j].ID
	})
}

// Compile-time check that MemoryStore implements sv.ObjectStore
var _ sv.ObjectStore = (*MemoryStore)(nil)
