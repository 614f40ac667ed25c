package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sheetvault/internal/sv"
)

// GridFSStore keeps blobs in a MongoDB GridFS bucket (<bucket>.files and
// <bucket>.chunks). GridFS writes the files document only when the upload
// stream is closed, which gives the same "visible once committed" rule as
// the other stores.
type GridFSStore struct {
	bucket    *gridfs.Bucket
	chunkSize int
	client    *mongo.Client // set when the store owns the connection
}

// gridfsFile is the stored shape of a GridFS files document.
type gridfsFile struct {
	ID         primitive.ObjectID `bson:"_id"`
	Length     int64              `bson:"length"`
	ChunkSize  int32              `bson:"chunkSize"`
	UploadDate time.Time          `bson:"uploadDate"`
	Filename   string             `bson:"filename"`
	Metadata   gridfsMetadata     `bson:"metadata"`
}

type gridfsMetadata struct {
	OwnerID     string `bson:"ownerId"`
	ContentType string `bson:"contentType"`
}

// OpenGridFSStore connects to uri and opens the bucket in database.
func OpenGridFSStore(ctx context.Context, uri, database, bucketName string, chunkSize int) (*GridFSStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, sv.StorageError("connecting to mongo", err)
	}
	s, err := NewGridFSStore(client.Database(database), bucketName, chunkSize)
	if err != nil {
		client.Disconnect(ctx)
		return nil, err
	}
	s.client = client
	return s, nil
}

// NewGridFSStore opens bucketName on an existing database handle.
func NewGridFSStore(db *mongo.Database, bucketName string, chunkSize int) (*GridFSStore, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	opts := options.GridFSBucket().SetName(bucketName).SetChunkSizeBytes(int32(chunkSize))
	bucket, err := gridfs.NewBucket(db, opts)
	if err != nil {
		return nil, fmt.Errorf("opening gridfs bucket %s: %w", bucketName, err)
	}
	return &GridFSStore{bucket: bucket, chunkSize: chunkSize}, nil
}

func (s *GridFSStore) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	opts := options.GridFSUpload().SetMetadata(gridfsMetadata{OwnerID: ownerID, ContentType: contentType})
	us, err := s.bucket.OpenUploadStream(name, opts)
	if err != nil {
		return nil, sv.StorageError("opening upload stream", err)
	}
	return &gridfsWriteStream{ctx: ctx, us: us}, nil
}

func (s *GridFSStore) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	oid, err := primitive.ObjectIDFromHex(blobID)
	if err != nil {
		return nil, sv.ErrBlobNotFound
	}
	ds, err := s.bucket.OpenDownloadStream(oid)
	if err != nil {
		if errors.Is(err, gridfs.ErrFileNotFound) {
			return nil, sv.ErrBlobNotFound
		}
		return nil, sv.StorageError("opening download stream", err)
	}
	return ds, nil
}

// Delete removes the files document and its chunks. GridFS reports
// ErrFileNotFound for unknown ids after still sweeping stray chunks; that is
// treated as success.
func (s *GridFSStore) Delete(ctx context.Context, blobID string) error {
	oid, err := primitive.ObjectIDFromHex(blobID)
	if err != nil {
		return nil
	}
	if err := s.bucket.DeleteContext(ctx, oid); err != nil && !errors.Is(err, gridfs.ErrFileNotFound) {
		return sv.StorageError("deleting blob", err)
	}
	return nil
}

func (s *GridFSStore) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	opts := options.GridFSFind().SetSort(bson.D{{Key: "uploadDate", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.bucket.FindContext(ctx, bson.M{"metadata.ownerId": ownerID}, opts)
	if err != nil {
		return nil, sv.StorageError("listing blobs", err)
	}
	defer cur.Close(ctx)

	var infos []*sv.BlobInfo
	for cur.Next(ctx) {
		var f gridfsFile
		if err := cur.Decode(&f); err != nil {
			return nil, sv.StorageError("decoding blob", err)
		}
		infos = append(infos, f.toBlobInfo())
	}
	if err := cur.Err(); err != nil {
		return nil, sv.StorageError("iterating blobs", err)
	}
	return infos, nil
}

// Close disconnects the client if this store created it.
func (s *GridFSStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (f *gridfsFile) toBlobInfo() *sv.BlobInfo {
	return &sv.BlobInfo{
		ID:          f.ID.Hex(),
		Filename:    f.Filename,
		ContentType: f.Metadata.ContentType,
		OwnerID:     f.Metadata.OwnerID,
		Length:      f.Length,
		ChunkSize:   int(f.ChunkSize),
		UploadedAt:  f.UploadDate.UTC(),
	}
}

type gridfsWriteStream struct {
	ctx       context.Context
	us        *gridfs.UploadStream
	committed bool
}

// Write checks the upload context between chunks; the GridFS stream itself
// has no context.
func (ws *gridfsWriteStream) Write(p []byte) (int, error) {
	if err := ws.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := ws.us.Write(p)
	if err != nil {
		return n, sv.StorageError("writing chunk", err)
	}
	return n, nil
}

func (ws *gridfsWriteStream) Close() error {
	if err := ws.us.Close(); err != nil {
		return sv.StorageError("committing blob", err)
	}
	ws.committed = true
	return nil
}

func (ws *gridfsWriteStream) Abort() error {
	if ws.committed {
		return nil
	}
	if err := ws.us.Abort(); err != nil && !errors.Is(err, gridfs.ErrStreamClosed) {
		return sv.StorageError("aborting blob", err)
	}
	return nil
}

func (ws *gridfsWriteStream) BlobID() string {
	if !ws.committed {
		return ""
	}
	if oid, ok := ws.us.FileID.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprint(ws.us.FileID)
}

// Compile-time check that GridFSStore implements sv.ObjectStore
var _ sv.ObjectStore = (*GridFSStore)(nil)
