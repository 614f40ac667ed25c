package sv

import (
	"context"
	"fmt"
)

// ReconcileReport lists the disagreements between an owner's blobs and records.
type ReconcileReport struct {
	OwnerID string
	Blobs   int
	Records int

	// Orphaned blobs have no record at all, typically from a failed metadata write.
	Orphaned []*BlobInfo
	// Missing records are live but their blob is gone.
	Missing []*UploadRecord
	// Lingering blobs belong to soft-deleted records whose blob delete failed.
	Lingering []*BlobInfo

	Purged        int
	PurgeFailures int
}

// Clean reports whether blobs and records agree.
func (r *ReconcileReport) Clean() bool {
	return len(r.Orphaned) == 0 && len(r.Missing) == 0 && len(r.Lingering) == 0
}

// Reconcile compares ListByOwner with the owner's records. With purge set,
// orphaned and lingering blobs are deleted. Missing blobs are only reported.
func (s *UploadService) Reconcile(ctx context.Context, ownerID string, purge bool) (*ReconcileReport, error) {
	store, err := s.gate.Store()
	if err != nil {
		return nil, err
	}

	blobs, err := store.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing blobs: %w", err)
	}
	records, err := s.records.FindByOwner(ctx, ownerID, true)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	report := &ReconcileReport{OwnerID: ownerID, Blobs: len(blobs), Records: len(records)}

	byBlob := make(map[string]*UploadRecord, len(records))
	for _, record := range records {
		byBlob[record.ObjectStoreID] = record
	}
	present := make(map[string]bool, len(blobs))
	for _, blob := range blobs {
		present[blob.ID] = true
		record, ok := byBlob[blob.ID]
		switch {
		case !ok:
			report.Orphaned = append(report.Orphaned, blob)
		case record.Deleted:
			report.Lingering = append(report.Lingering, blob)
		}
	}
	for _, record := range records {
		if !record.Deleted && !present[record.ObjectStoreID] {
			report.Missing = append(report.Missing, record)
		}
	}

	s.logger.Info("reconcile finished",
		"owner_id", ownerID, "blobs", report.Blobs, "records", report.Records,
		"orphaned", len(report.Orphaned), "missing", len(report.Missing), "lingering", len(report.Lingering))
	for _, record := range report.Missing {
		s.logger.Warn("live record without blob", "record_id", record.ID, "blob_id", record.ObjectStoreID, "owner_id", ownerID)
	}

	if !purge {
		return report, nil
	}
	for _, blob := range append(append([]*BlobInfo{}, report.Orphaned...), report.Lingering...) {
		if err := store.Delete(ctx, blob.ID); err != nil {
			report.PurgeFailures++
			s.logger.Warn("purging blob", "blob_id", blob.ID, "owner_id", ownerID, "error", err)
			continue
		}
		report.Purged++
	}
	return report, nil
}
