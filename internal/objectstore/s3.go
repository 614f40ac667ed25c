package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"sheetvault/internal/sv"
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	manager.UploadAPIClient
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 user metadata keys.
const (
	s3MetaOwner    = "owner-id"
	s3MetaFilename = "filename"
	s3MetaChunk    = "chunk-size"
)

// S3Store keeps each blob as one S3 object written by the multipart upload
// manager, whose parts are the chunks. Objects live under
// <prefix>/blobs/<id>; an empty marker object under
// <prefix>/owners/<owner>/<id> indexes blobs by owner for ListByOwner.
type S3Store struct {
	client   S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
	partSize int64
	idgen    sv.IDGenerator
}

// S3Options configures NewS3Client.
type S3Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// NewS3Client builds an S3 client from the default AWS credential chain, or
// from static credentials when both keys are given (MinIO and friends).
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	}), nil
}

// NewS3Store creates a store writing to bucket under prefix. chunkSize is
// raised to the S3 minimum part size when smaller.
func NewS3Store(client S3API, bucket, prefix string, chunkSize int, idgen sv.IDGenerator) *S3Store {
	partSize := int64(chunkSize)
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	if idgen == nil {
		idgen = sv.UUIDGenerator{}
	}
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
		// One part in flight keeps memory at one chunk per upload.
		u.Concurrency = 1
	})
	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   bucket,
		prefix:   prefix,
		partSize: partSize,
		idgen:    idgen,
	}
}

func (s *S3Store) blobKey(blobID string) string {
	return path.Join(s.prefix, "blobs", blobID)
}

func (s *S3Store) ownerPrefix(ownerID string) string {
	return path.Join(s.prefix, "owners", url.PathEscape(ownerID)) + "/"
}

func (s *S3Store) markerKey(ownerID, blobID string) string {
	return s.ownerPrefix(ownerID) + blobID
}

// OpenWriteStream starts a multipart upload fed through a pipe. Writes block
// until the uploader has taken the bytes.
func (s *S3Store) OpenWriteStream(ctx context.Context, name, contentType, ownerID string) (sv.WriteStream, error) {
	id := s.idgen.New()
	pr, pw := io.Pipe()
	ws := &s3WriteStream{
		store:     s,
		pendingID: id,
		ownerID:   ownerID,
		pw:        pw,
		done:      make(chan error, 1),
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.blobKey(id)),
		Body:        pr,
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			s3MetaOwner:    ownerID,
			s3MetaFilename: name,
			s3MetaChunk:    strconv.FormatInt(s.partSize, 10),
		},
	}
	go func() {
		_, err := s.uploader.Upload(ctx, input)
		// Unblocks a writer stuck on a failed upload.
		pr.CloseWithError(err)
		ws.done <- err
	}()
	return ws, nil
}

func (s *S3Store) OpenReadStream(ctx context.Context, blobID string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(blobID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, sv.ErrBlobNotFound
		}
		return nil, sv.StorageError("getting blob", err)
	}
	return out.Body, nil
}

// Delete removes the owner marker and the object. A missing object is not
// an error.
func (s *S3Store) Delete(ctx context.Context, blobID string) error {
	info, err := s.head(ctx, blobID)
	if err != nil {
		if errors.Is(err, sv.ErrBlobNotFound) {
			return nil
		}
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.markerKey(info.OwnerID, blobID)),
	}); err != nil {
		return sv.StorageError("deleting owner marker", err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(blobID)),
	}); err != nil {
		return sv.StorageError("deleting blob", err)
	}
	return nil
}

// ListByOwner walks the owner's markers and heads each blob. Markers whose
// blob is already gone are skipped.
func (s *S3Store) ListByOwner(ctx context.Context, ownerID string) ([]*sv.BlobInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.ownerPrefix(ownerID)),
	})

	var infos []*sv.BlobInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, sv.StorageError("listing owner markers", err)
		}
		for _, obj := range page.Contents {
			blobID := path.Base(aws.ToString(obj.Key))
			info, err := s.head(ctx, blobID)
			if errors.Is(err, sv.ErrBlobNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
	}
	sortBlobInfos(infos)
	return infos, nil
}

func (s *S3Store) head(ctx context.Context, blobID string) (*sv.BlobInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.blobKey(blobID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, sv.ErrBlobNotFound
		}
		return nil, sv.StorageError("heading blob", err)
	}
	chunkSize, _ := strconv.Atoi(out.Metadata[s3MetaChunk])
	return &sv.BlobInfo{
		ID:          blobID,
		Filename:    out.Metadata[s3MetaFilename],
		ContentType: aws.ToString(out.ContentType),
		OwnerID:     out.Metadata[s3MetaOwner],
		Length:      aws.ToInt64(out.ContentLength),
		ChunkSize:   chunkSize,
		UploadedAt:  aws.ToTime(out.LastModified).UTC(),
	}, nil
}

// Close is a no-op; the S3 client holds no connection state worth releasing.
func (s *S3Store) Close() error { return nil }

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noKey) || errors.As(err, &notFound)
}

var errUploadAborted = errors.New("upload aborted")

type s3WriteStream struct {
	store     *S3Store
	pendingID string
	ownerID   string
	pw        *io.PipeWriter
	done      chan error

	once      sync.Once
	uploadErr error
	committed bool
}

func (ws *s3WriteStream) Write(p []byte) (int, error) {
	n, err := ws.pw.Write(p)
	if err != nil {
		return n, sv.StorageError("writing blob", err)
	}
	return n, nil
}

// wait blocks for the upload result; later calls return the same value.
func (ws *s3WriteStream) wait() error {
	ws.once.Do(func() { ws.uploadErr = <-ws.done })
	return ws.uploadErr
}

func (ws *s3WriteStream) Close() error {
	ws.pw.Close()
	if err := ws.wait(); err != nil {
		return sv.StorageError("committing blob", err)
	}
	_, err := ws.store.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(ws.store.bucket),
		Key:    aws.String(ws.store.markerKey(ws.ownerID, ws.pendingID)),
		Body:   bytes.NewReader(nil),
	})
	if err != nil {
		ws.store.client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: aws.String(ws.store.bucket),
			Key:    aws.String(ws.store.blobKey(ws.pendingID)),
		})
		return sv.StorageError("writing owner marker", err)
	}
	ws.committed = true
	return nil
}

// Abort fails the pipe; the upload manager then aborts the multipart upload.
func (ws *s3WriteStream) Abort() error {
	if ws.committed {
		return nil
	}
	ws.pw.CloseWithError(errUploadAborted)
	ws.wait()
	return nil
}

func (ws *s3WriteStream) BlobID() string {
	if !ws.committed {
		return ""
	}
	return ws.pendingID
}

// Compile-time check that S3Store implements sv.ObjectStore
var _ sv.ObjectStore = (*S3Store)(nil)
