package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"sheetvault/internal/database"
	"sheetvault/internal/database/migrations"
	"sheetvault/internal/sv"
)

// SQLiteStore keeps blobs in two tables: blob_chunks holds the chunk data
// keyed by (blob_id, n) and blobs holds one row per committed blob. Chunks are
// inserted as they fill; the blobs row is written last, so a blob without a
// row is an unfinished upload and invisible to every read path.
type SQLiteStore struct {
	db        *sql.DB
	chunkSize int
	clock     sv.Clock
	idgen     sv.IDGenerator
	owned     bool
}

// OpenSQLiteStore opens its own connection to the database file at path.
func OpenSQLiteStore(path string, chunkSize int, clock sv.Clock, idgen sv.IDGenerator) (*SQLiteStore, error) {
	db, err := database.OpenConnection(path)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteStore(db, chunkSize, clock, idgen)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteStore uses an existing connection and migrates the chunk tables.
// The caller keeps ownership of db.
func NewSQLiteStore(db *sql.DB, chunkSize int, clock sv.Clock, idgen sv.IDGenerator) (*SQLiteStore, error) {
	if err := migrations.MigrateUp(db, migrations.Blobs); err != nil {
		return nil, fmt.Errorf("migrating blob schema: %w", err)
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
	return &SQLiteStore{db: db, chunkSize: chunkSize, clock: clock, idgen: idgen}, nil
}

func (s *SQLiteStore) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, sv.StorageError("opening write stream", err)
	}
	ws := &sqliteWriteStream{
		ctx:         ctx,
		store:       s,
		pendingID:   s.idgen.New(),
		name:        name,
		contentType: contentType,
		ownerID:     ownerID,
	}
	ws.w = newChunkWriter(s.chunkSize, ws.insertChunk)
	return ws, nil
}

func (s *SQLiteStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	var length int64
	var chunkSize int
	err := s.db.QueryRowContext(ctx,
		`SELECT length, chunk_size FROM blobs WHERE id = ?`, blobID).Scan(&length, &chunkSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sv.ErrBlobNotFound
		}
		return nil, sv.StorageError("opening read stream", err)
	}

	return newChunkReader(chunkCount(length, chunkSize), func(n int) ([]byte, error) {
		var data []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT data FROM blob_chunks WHERE blob_id = ? AND n = ?`, blobID, n).Scan(&data)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Deleted while being read.
				return nil, fmt.Errorf("chunk %d: %w", n, sv.ErrBlobNotFound)
			}
			return nil, sv.StorageError(fmt.Sprintf("reading chunk %d", n), err)
		}
		return data, nil
	}), nil
}

// Delete removes the blob row and its chunks in one transaction.
// Unknown ids are not an error.
func (s *SQLiteStore) Delete(ctx context.Context, blobID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sv.StorageError("deleting blob", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, blobID); err != nil {
		return sv.StorageError("deleting blob", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM blob_chunks WHERE blob_id = ?`, blobID); err != nil {
		return sv.StorageError("deleting blob chunks", err)
	}
	if err := tx.Commit(); err != nil {
		return sv.StorageError("deleting blob", err)
	}
	return nil
}

func (s *SQLiteStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, filename, content_type, owner_id, length, chunk_size, uploaded_at
		FROM blobs WHERE owner_id = ? ORDER BY uploaded_at, id`, ownerID)
	if err != nil {
		return nil, sv.StorageError("listing blobs", err)
	}
	defer rows.Close()

	var infos []*sv.BlobInfo
	for rows.Next() {
		var b sv.BlobInfo
		if err := rows.Scan(&b.ID, &b.Filename, &b.ContentType, &b.OwnerID, &b.Length, &b.ChunkSize, &b.UploadedAt); err != nil {
			return nil, sv.StorageError("scanning blob", err)
		}
		infos = append(infos, &b)
	}
	if err := rows.Err(); err != nil {
		return nil, sv.StorageError("iterating blobs", err)
	}
	return infos, nil
}

// Close closes the connection if this store opened it.
func (s *SQLiteStore) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

type sqliteWriteStream struct {
	ctx         context.Context
	store       *SQLiteStore
	w           *chunkWriter
	pendingID   string
	name        string
	contentType string
	ownerID     string
	committed   bool
}

func (ws *sqliteWriteStream) insertChunk(n int, data []byte) error {
	_, err := ws.store.db.ExecContext(ws.ctx,
		`INSERT INTO blob_chunks (blob_id, n, data) VALUES (?, ?, ?)`, ws.pendingID, n, data)
	if err != nil {
		return sv.StorageError(fmt.Sprintf("writing chunk %d", n), err)
	}
	return nil
}

func (ws *sqliteWriteStream) Write(p []byte) (int, error) {
	return ws.w.Write(p)
}

func (ws *sqliteWriteStream) Close() error {
	if err := ws.w.finish(); err != nil {
		return err
	}
	_, err := ws.store.db.ExecContext(ws.ctx, `
		INSERT INTO blobs (id, filename, content_type, owner_id, length, chunk_size, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ws.pendingID, ws.name, ws.contentType, ws.ownerID, ws.w.total, ws.store.chunkSize, ws.store.clock.Now())
	if err != nil {
		return sv.StorageError("committing blob", err)
	}
	ws.committed = true
	return nil
}

// Abort removes the chunks written so far. It uses a fresh context because
// the upload's own context is often the reason for aborting.
func (ws *sqliteWriteStream) Abort() error {
	if ws.committed {
		return nil
	}
	ws.w.closed = true
	_, err := ws.store.db.ExecContext(context.Background(),
		`DELETE FROM blob_chunks WHERE blob_id = ?`, ws.pendingID)
	if err != nil {
		return sv.StorageError("aborting blob", err)
	}
	return nil
}

func (ws *sqliteWriteStream) BlobID() string {
	if !ws.committed {
		return ""
	}
	return ws.pendingID
}

// Compile-time check that SQLiteStore implements sv.ObjectStore
var _ sv.ObjectStore = (*SQLiteStore)(nil)
