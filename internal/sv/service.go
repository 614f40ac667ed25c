package sv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxPreviewRows bounds the rows kept in UploadRecord.SamplePreview.
const DefaultMaxPreviewRows = 1000

// UploadService is the lifecycle manager. It keeps upload records and their
// blobs in agreement across upload, read and the two delete flavours.
//
// Blobs are always written before records, so a failure can leave an
// unreferenced blob (harmless, found by Reconcile) but never a record that
// points at nothing it was not meant to point at.
type UploadService struct {
	gate           *Gate
	records        MetadataStore
	staging        StagingArea
	parser         Parser
	summarizer     Summarizer
	notifier       Notifier
	logger         Logger
	clock          Clock
	maxPreviewRows int
}

// UploadServiceConfig carries the collaborators of an UploadService.
// Summarizer may be nil; Notifier, Logger and Clock get no-op or real defaults.
type UploadServiceConfig struct {
	Gate           *Gate
	Records        MetadataStore
	Staging        StagingArea
	Parser         Parser
	Summarizer     Summarizer
	Notifier       Notifier
	Logger         Logger
	Clock          Clock
	MaxPreviewRows int
}

// NewUploadService creates an UploadService.
func NewUploadService(cfg UploadServiceConfig) *UploadService {
	s := &UploadService{
		gate:           cfg.Gate,
		records:        cfg.Records,
		staging:        cfg.Staging,
		parser:         cfg.Parser,
		summarizer:     cfg.Summarizer,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		clock:          cfg.Clock,
		maxPreviewRows: cfg.MaxPreviewRows,
	}
	if s.notifier == nil {
		s.notifier = NopNotifier{}
	}
	if s.logger == nil {
		s.logger = NewNopLogger()
	}
	if s.clock == nil {
		s.clock = RealClock{}
	}
	if s.maxPreviewRows <= 0 {
		s.maxPreviewRows = DefaultMaxPreviewRows
	}
	return s
}

// UploadRequest is one inbound file.
type UploadRequest struct {
	OwnerID     string
	Name        string
	ContentType string
	Body        io.Reader
}

// Upload streams the body into the object store, parses the staged copy and
// creates the record. A parse failure yields a record without preview.
// If the record cannot be created the committed blob is left orphaned and the
// error is returned.
func (s *UploadService) Upload(ctx context.Context, req UploadRequest) (*UploadRecord, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, &ValidationError{Field: "ownerId", Reason: "required"}
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "originalName", Reason: "required"}
	}
	if req.Body == nil {
		return nil, &ValidationError{Field: "file", Reason: "required"}
	}

	store, err := s.gate.Store()
	if err != nil {
		return nil, err
	}

	staged, err := s.staging.Begin(req.Name)
	if err != nil {
		return nil, fmt.Errorf("staging upload: %w", err)
	}
	defer func() {
		if err := staged.Release(); err != nil {
			s.logger.Warn("releasing staged upload", "name", req.Name, "error", err)
		}
	}()

	stream, err := store.OpenWriteStream(ctx, req.Name, req.ContentType, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("opening write stream: %w", err)
	}

	size, err := io.Copy(io.MultiWriter(stream, staged), &contextReader{ctx: ctx, r: req.Body})
	if err != nil {
		s.abort(stream, req)
		return nil, fmt.Errorf("writing blob: %w", err)
	}
	if err := stream.Close(); err != nil {
		s.abort(stream, req)
		return nil, fmt.Errorf("committing blob: %w", err)
	}
	blobID := stream.BlobID()

	record := &UploadRecord{
		OwnerID:       req.OwnerID,
		OriginalName:  req.Name,
		ObjectStoreID: blobID,
		ContentType:   req.ContentType,
		SizeBytes:     size,
	}
	if preview := s.parse(ctx, staged, req); preview != nil {
		now := s.clock.Now()
		record.Columns = preview.Columns
		record.SamplePreview = preview.Rows
		record.TotalRows = preview.TotalRows
		record.ParsedAt = &now
	}

	if err := s.records.Create(ctx, record); err != nil {
		s.logger.Error("upload record not created, blob orphaned",
			"blob_id", blobID, "owner_id", req.OwnerID, "name", req.Name, "error", err)
		return nil, fmt.Errorf("creating upload record: %w", err)
	}

	s.logger.Info("upload stored",
		"record_id", record.ID, "blob_id", blobID, "owner_id", record.OwnerID, "size", size,
		"columns", len(record.Columns), "rows", record.TotalRows)
	return record, nil
}

func (s *UploadService) abort(stream WriteStream, req UploadRequest) {
	if err := stream.Abort(); err != nil {
		s.logger.Warn("aborting partial blob", "owner_id", req.OwnerID, "name", req.Name, "error", err)
	}
}

// parse returns nil when the staged copy is incomplete or unparseable.
func (s *UploadService) parse(ctx context.Context, staged StagedUpload, req UploadRequest) *Preview {
	if s.parser == nil {
		return nil
	}
	if staged.Truncated() {
		s.logger.Info("upload exceeds staging limit, not parsed", "owner_id", req.OwnerID, "name", req.Name)
		return nil
	}
	r, err := staged.Open()
	if err != nil {
		s.logger.Warn("opening staged upload", "name", req.Name, "error", err)
		return nil
	}
	defer r.Close()

	preview, err := s.parser.Parse(ctx, r, req.Name, req.ContentType)
	if err != nil {
		s.logger.Warn("upload not parsed", "owner_id", req.OwnerID, "name", req.Name, "error", err)
		return nil
	}
	if len(preview.Columns) == 0 {
		return nil
	}
	total := len(preview.Rows)
	if preview.TotalRows > total {
		total = preview.TotalRows
	}
	rows := preview.Rows
	if len(rows) > s.maxPreviewRows {
		rows = rows[:s.maxPreviewRows]
	}
	return &Preview{Columns: preview.Columns, Rows: rows, TotalRows: total}
}

// OwnerDelete soft-deletes a record on behalf of its owner. The blob is
// removed first; if that fails the record is still marked deleted and the
// result carries a *PartialFailureError warning.
func (s *UploadService) OwnerDelete(ctx context.Context, recordID, requesterID string) (*DeleteResult, error) {
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.OwnerID != requesterID {
		return nil, fmt.Errorf("deleting upload %s: %w", recordID, ErrForbidden)
	}
	if record.Deleted {
		return nil, ErrAlreadyDeleted
	}

	store, err := s.gate.Store()
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{RecordID: record.ID, OwnerID: record.OwnerID}
	if err := store.Delete(ctx, record.ObjectStoreID); err != nil {
		result.Warning = &PartialFailureError{Op: "owner delete", RecordID: record.ID, BlobID: record.ObjectStoreID, Err: err}
		s.logger.Warn("blob delete failed during owner delete",
			"record_id", record.ID, "blob_id", record.ObjectStoreID, "owner_id", record.OwnerID, "error", err)
	}

	updated, err := s.records.SoftDelete(ctx, record.ID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if updated.DeletedAt != nil {
		result.DeletedAt = *updated.DeletedAt
	}

	s.logger.Info("upload soft-deleted", "record_id", record.ID, "owner_id", record.OwnerID)
	return result, nil
}

// PrivilegedDelete purges a record as an admin or super-admin. A failed blob
// delete becomes a warning; the record is removed regardless. The owner and
// admin channels are notified after the purge.
func (s *UploadService) PrivilegedDelete(ctx context.Context, recordID string, requester Requester) (*DeleteResult, error) {
	if !requester.Role.Privileged() {
		return nil, fmt.Errorf("purging upload %s: %w", recordID, ErrForbidden)
	}

	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}

	store, err := s.gate.Store()
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{RecordID: record.ID, OwnerID: record.OwnerID, Purged: true}
	if err := store.Delete(ctx, record.ObjectStoreID); err != nil {
		result.Warning = &PartialFailureError{Op: "privileged delete", RecordID: record.ID, BlobID: record.ObjectStoreID, Err: err}
		s.logger.Warn("blob delete failed during privileged delete",
			"record_id", record.ID, "blob_id", record.ObjectStoreID, "owner_id", record.OwnerID, "error", err)
	}

	// Losing a concurrent purge surfaces as ErrRecordNotFound, so only the
	// winner notifies.
	if err := s.records.HardDelete(ctx, record.ID); err != nil {
		return nil, err
	}
	result.DeletedAt = s.clock.Now()

	s.logger.Info("upload purged",
		"record_id", record.ID, "owner_id", record.OwnerID, "requester_id", requester.ID, "role", string(requester.Role))

	event := LifecycleEvent{
		Type:      EventUploadPurged,
		RecordID:  record.ID,
		OwnerID:   record.OwnerID,
		DeletedAt: result.DeletedAt,
	}
	for _, channel := range []string{OwnerChannel(record.OwnerID), AdminChannel} {
		if err := s.notifier.Notify(ctx, channel, event); err != nil {
			s.logger.Warn("lifecycle notification failed", "channel", channel, "record_id", record.ID, "error", err)
		}
	}
	return result, nil
}

// Get returns a record visible to the requester.
func (s *UploadService) Get(ctx context.Context, recordID string, requester Requester) (*UploadRecord, error) {
	return s.visibleRecord(ctx, recordID, requester)
}

// Read opens the blob of a record. A record whose blob is gone yields
// ErrBlobNotFound, which is distinct from ErrRecordNotFound.
func (s *UploadService) Read(ctx context.Context, recordID string, requester Requester) (*Download, error) {
	record, err := s.visibleRecord(ctx, recordID, requester)
	if err != nil {
		return nil, err
	}

	store, err := s.gate.Store()
	if err != nil {
		return nil, err
	}

	body, err := store.OpenReadStream(ctx, record.ObjectStoreID)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			s.logger.Warn("record points at missing blob",
				"record_id", record.ID, "blob_id", record.ObjectStoreID, "owner_id", record.OwnerID)
		}
		return nil, fmt.Errorf("reading upload %s: %w", record.ID, err)
	}
	return &Download{
		Body:        body,
		ContentType: record.ContentType,
		Filename:    record.OriginalName,
		Size:        record.SizeBytes,
	}, nil
}

// ParsedData returns the stored columns and preview rows.
func (s *UploadService) ParsedData(ctx context.Context, recordID string, requester Requester) (*Preview, error) {
	record, err := s.visibleRecord(ctx, recordID, requester)
	if err != nil {
		return nil, err
	}
	if !record.Parsed() {
		return nil, ErrFileNotParsed
	}
	return &Preview{Columns: record.Columns, Rows: record.SamplePreview, TotalRows: record.TotalRows}, nil
}

// GenerateInsight returns the cached insight text of a record, or asks the
// summarizer for one when none is cached or refresh is set.
func (s *UploadService) GenerateInsight(ctx context.Context, recordID string, requester Requester, refresh bool) (*UploadRecord, error) {
	record, err := s.visibleRecord(ctx, recordID, requester)
	if err != nil {
		return nil, err
	}
	if record.InsightText != "" && !refresh {
		return record, nil
	}
	if !record.Parsed() {
		return nil, ErrFileNotParsed
	}
	if s.summarizer == nil {
		return nil, ErrNoSummarizer
	}

	text, err := s.summarizer.Summarize(ctx, record.Columns, record.SamplePreview)
	if err != nil {
		return nil, fmt.Errorf("summarizing upload %s: %w", record.ID, err)
	}
	updated, err := s.records.UpdateInsight(ctx, record.ID, text, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("storing insight: %w", err)
	}
	s.logger.Info("insight generated", "record_id", record.ID, "length", len(text))
	return updated, nil
}

// List returns an owner's records.
func (s *UploadService) List(ctx context.Context, ownerID string, includeDeleted bool) ([]*UploadRecord, error) {
	records, err := s.records.FindByOwner(ctx, ownerID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return records, nil
}

// ListAll returns every record.
func (s *UploadService) ListAll(ctx context.Context, includeDeleted bool) ([]*UploadRecord, error) {
	records, err := s.records.FindAll(ctx, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}
	return records, nil
}

// Stats counts an owner's active uploads and all uploads ever made,
// soft-deleted ones included.
func (s *UploadService) Stats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	active, err := s.records.CountByOwner(ctx, ownerID, false)
	if err != nil {
		return nil, fmt.Errorf("counting active uploads: %w", err)
	}
	total, err := s.records.CountByOwner(ctx, ownerID, true)
	if err != nil {
		return nil, fmt.Errorf("counting uploads: %w", err)
	}
	return &OwnerStats{OwnerID: ownerID, Active: active, Total: total}, nil
}

// visibleRecord applies the baseline rule shared by every read path: owners
// see their live records, privileged roles see everything.
func (s *UploadService) visibleRecord(ctx context.Context, recordID string, requester Requester) (*UploadRecord, error) {
	record, err := s.records.FindByID(ctx, recordID)
	if err != nil {
		return nil, err
	}
	privileged := requester.Role.Privileged()
	if record.OwnerID != requester.ID && !privileged {
		return nil, fmt.Errorf("reading upload %s: %w", recordID, ErrForbidden)
	}
	if record.Deleted && !privileged {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// contextReader stops a copy once ctx is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
