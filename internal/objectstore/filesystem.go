package objectstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"sheetvault/internal/sv"
)

const (
	blobInfoFile = "blob.json"
	chunkNameFmt = "%08d"
)

// FileSystemStore keeps each blob in its own directory:
//
//	<root>/
//	  blobs/
//	    <blobID>/
//	      blob.json    (committed metadata)
//	      00000000     (chunk files, one per chunk)
//	  incoming/
//	    <blobID>/      (uploads in progress, and blobs being deleted)
//
// An upload is written under incoming/ and renamed into blobs/ on Close, so a
// blob is either fully visible or absent.
type FileSystemStore struct {
	root        string
	blobsDir    string
	incomingDir string
	chunkSize   int
	clock       sv.Clock
	idgen       sv.IDGenerator
}

type fileBlobInfo struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	OwnerID     string `json:"ownerId"`
	Length      int64  `json:"length"`
	ChunkSize   int    `json:"chunkSize"`
	UploadedAt  string `json:"uploadedAt"`
}

// NewFileSystemStore creates the directory structure under root. Uploads left
// in incoming/ by an earlier process are removed.
func NewFileSystemStore(root string, chunkSize int, clock sv.Clock, idgen sv.IDGenerator) (*FileSystemStore, error) {
	blobsDir := filepath.Join(root, "blobs")
	incomingDir := filepath.Join(root, "incoming")

	if err := os.MkdirAll(blobsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blobs directory: %w", err)
	}
	if err := os.RemoveAll(incomingDir); err != nil {
		return nil, fmt.Errorf("failed to clear incoming directory: %w", err)
	}
	if err := os.MkdirAll(incomingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create incoming directory: %w", err)
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if clock == nil {
		clock = sv.RealClock{}
	}
	if idgen == nil {
		idgen = sv.UUIDGenerator{}
	}
	return &FileSystemStore{
		root:        root,
		blobsDir:    blobsDir,
		incomingDir: incomingDir,
		chunkSize:   chunkSize,
		clock:       clock,
		idgen:       idgen,
	}, nil
}

// blobDir returns the committed directory of blobID, or false for ids that
// are not a single path element.
func (s *FileSystemStore) blobDir(blobID string) (string, bool) {
	if blobID == "" || blobID == "." || blobID == ".." || strings.ContainsAny(blobID, `/\`) {
		return "", false
	}
	return filepath.Join(s.blobsDir, blobID), true
}

func (s *FileSystemStore) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	id := s.idgen.New()
	dir := filepath.Join(s.incomingDir, id)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, sv.StorageError("opening write stream", err)
	}
	ws := &fileWriteStream{
		ctx:   ctx,
		store: s,
		dir:   dir,
		info: fileBlobInfo{
			ID:          id,
			Filename:    name,
			ContentType: contentType,
			OwnerID:     ownerID,
			ChunkSize:   s.chunkSize,
		},
	}
	ws.w = newChunkWriter(s.chunkSize, ws.writeChunk)
	return ws, nil
}

func (s *FileSystemStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	dir, ok := s.blobDir(blobID)
	if !ok {
		return nil, sv.ErrBlobNotFound
	}
	info, err := readBlobInfo(dir)
	if err != nil {
		return nil, err
	}
	return newChunkReader(chunkCount(info.Length, info.ChunkSize), func(n int) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf(chunkNameFmt, n)))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("chunk %d of %s: %w", n, blobID, sv.ErrBlobNotFound)
			}
			return nil, sv.StorageError("reading chunk", err)
		}
		return data, nil
	}), nil
}

// Delete moves the blob out of blobs/ before removing its files, so readers
// never see a half-deleted blob. Unknown ids are ignored.
func (s *FileSystemStore) Delete(ctx context.Context, blobID string) error {
	dir, ok := s.blobDir(blobID)
	if !ok {
		return nil
	}
	trash, err := os.MkdirTemp(s.incomingDir, "deleted-*")
	if err != nil {
		return sv.StorageError("deleting blob", err)
	}
	defer os.RemoveAll(trash)

	if err := os.Rename(dir, filepath.Join(trash, blobID)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sv.StorageError("deleting blob", err)
	}
	return nil
}

// ListByOwner reads the metadata of every committed blob and keeps the
// owner's, oldest first.
func (s *FileSystemStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	entries, err := os.ReadDir(s.blobsDir)
	if err != nil {
		return nil, sv.StorageError("listing blobs", err)
	}

	var infos []*sv.BlobInfo
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		info, err := readBlobInfo(filepath.Join(s.blobsDir, entry.Name()))
		if err != nil {
			if errors.Is(err, sv.ErrBlobNotFound) {
				// Deleted while listing.
				continue
			}
			return nil, err
		}
		if info.OwnerID == ownerID {
			infos = append(infos, info)
		}
	}
	sortBlobInfos(infos)
	return infos, nil
}

// Close is a no-op.
func (s *FileSystemStore) Close() error { return nil }

func readBlobInfo(dir string) (*sv.BlobInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, blobInfoFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, sv.ErrBlobNotFound
		}
		return nil, sv.StorageError("reading blob metadata", err)
	}
	var fi fileBlobInfo
	if err := json.Unmarshal(data, &fi); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Join(dir, blobInfoFile), err)
	}
	info := &sv.BlobInfo{
		ID:          fi.ID,
		Filename:    fi.Filename,
		ContentType: fi.ContentType,
		OwnerID:     fi.OwnerID,
		Length:      fi.Length,
		ChunkSize:   fi.ChunkSize,
	}
	if err := info.UploadedAt.UnmarshalText([]byte(fi.UploadedAt)); err != nil {
		return nil, fmt.Errorf("decoding upload time of %s: %w", fi.ID, err)
	}
	return info, nil
}

type fileWriteStream struct {
	ctx       context.Context
	store     *FileSystemStore
	dir       string
	info      fileBlobInfo
	w         *chunkWriter
	committed bool
}

func (ws *fileWriteStream) writeChunk(n int, data []byte) error {
	if err := ws.ctx.Err(); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(ws.dir, fmt.Sprintf(chunkNameFmt, n)), data, 0644); err != nil {
		return sv.StorageError("writing chunk", err)
	}
	return nil
}

func (ws *fileWriteStream) Write(p []byte) (int, error) {
	return ws.w.Write(p)
}

// Close writes blob.json and renames the upload into blobs/.
func (ws *fileWriteStream) Close() error {
	if err := ws.w.finish(); err != nil {
		ws.discard()
		return err
	}
	ws.info.Length = ws.w.total
	uploadedAt, err := ws.store.clock.Now().UTC().MarshalText()
	if err != nil {
		ws.discard()
		return err
	}
	ws.info.UploadedAt = string(uploadedAt)

	data, err := json.Marshal(ws.info)
	if err != nil {
		ws.discard()
		return fmt.Errorf("encoding blob metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws.dir, blobInfoFile), data, 0644); err != nil {
		ws.discard()
		return sv.StorageError("writing blob metadata", err)
	}
	if err := os.Rename(ws.dir, filepath.Join(ws.store.blobsDir, ws.info.ID)); err != nil {
		ws.discard()
		return sv.StorageError("committing blob", err)
	}
	ws.committed = true
	return nil
}

func (ws *fileWriteStream) Abort() error {
	if ws.committed {
		return nil
	}
	ws.w.closed = true
	return ws.discard()
}

func (ws *fileWriteStream) discard() error {
	if err := os.RemoveAll(ws.dir); err != nil {
		return sv.StorageError("discarding upload", err)
	}
	return nil
}

func (ws *fileWriteStream) BlobID() string {
	if !ws.committed {
		return ""
	}
	return ws.info.ID
}

// Compile-time check that FileSystemStore implements sv.ObjectStore
var _ sv.ObjectStore = (*FileSystemStore)(nil)
