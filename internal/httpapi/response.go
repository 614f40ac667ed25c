package httpapi

import (
	"time"

	"sheetvault/internal/sv"
)

type uploadResponse struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	OriginalName  string     `json:"originalName"`
	ObjectStoreID string     `json:"objectStoreId"`
	ContentType   string     `json:"contentType,omitempty"`
	SizeBytes     int64      `json:"sizeBytes"`
	Columns       []string   `json:"columns"`
	TotalRows     int        `json:"totalRows"`
	Parsed        bool       `json:"parsed"`
	InsightText   string     `json:"insightText,omitempty"`
	ParsedAt      *time.Time `json:"parsedAt,omitempty"`
	Deleted       bool       `json:"deleted"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

func newUploadResponse(r *sv.UploadRecord) uploadResponse {
	columns := r.Columns
	if columns == nil {
		columns = []string{}
	}
	return uploadResponse{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		OriginalName:  r.OriginalName,
		ObjectStoreID: r.ObjectStoreID,
		ContentType:   r.ContentType,
		SizeBytes:     r.SizeBytes,
		Columns:       columns,
		TotalRows:     r.TotalRows,
		Parsed:        r.Parsed(),
		InsightText:   r.InsightText,
		ParsedAt:      r.ParsedAt,
		Deleted:       r.Deleted,
		DeletedAt:     r.DeletedAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

type listResponse struct {
	Uploads []uploadResponse `json:"uploads"`
	Count   int              `json:"count"`
}

func newListResponse(records []*sv.UploadRecord) listResponse {
	uploads := make([]uploadResponse, 0, len(records))
	for _, r := range records {
		uploads = append(uploads, newUploadResponse(r))
	}
	return listResponse{Uploads: uploads, Count: len(uploads)}
}

type dataResponse struct {
	Columns   []string `json:"columns"`
	Rows      []sv.Row `json:"rows"`
	TotalRows int      `json:"totalRows"`
}

type insightResponse struct {
	RecordID    string `json:"recordId"`
	InsightText string `json:"insightText"`
}

type deleteResponse struct {
	RecordID  string    `json:"recordId"`
	OwnerID   string    `json:"ownerId"`
	Purged    bool      `json:"purged"`
	DeletedAt time.Time `json:"deletedAt"`
	Warning   string    `json:"warning,omitempty"`
}

func newDeleteResponse(result *sv.DeleteResult) deleteResponse {
	resp := deleteResponse{
		RecordID:  result.RecordID,
		OwnerID:   result.OwnerID,
		Purged:    result.Purged,
		DeletedAt: result.DeletedAt,
	}
	if result.Warning != nil {
		resp.Warning = result.Warning.Error()
	}
	return resp
}

type statsResponse struct {
	OwnerID string `json:"ownerId"`
	Active  int    `json:"active"`
	Total   int    `json:"total"`
}

type blobResponse struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"contentType,omitempty"`
	Length      int64     `json:"length"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

func newBlobResponses(blobs []*sv.BlobInfo) []blobResponse {
	out := make([]blobResponse, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, blobResponse{
			ID:          b.ID,
			Filename:    b.Filename,
			ContentType: b.ContentType,
			Length:      b.Length,
			UploadedAt:  b.UploadedAt,
		})
	}
	return out
}

type reconcileResponse struct {
	OwnerID       string           `json:"ownerId"`
	Blobs         int              `json:"blobs"`
	Records       int              `json:"records"`
	Clean         bool             `json:"clean"`
	Orphaned      []blobResponse   `json:"orphaned"`
	Missing       []uploadResponse `json:"missing"`
	Lingering     []blobResponse   `json:"lingering"`
	Purged        int              `json:"purged"`
	PurgeFailures int              `json:"purgeFailures"`
}

func newReconcileResponse(report *sv.ReconcileReport) reconcileResponse {
	return reconcileResponse{
		OwnerID:       report.OwnerID,
		Blobs:         report.Blobs,
		Records:       report.Records,
		Clean:         report.Clean(),
		Orphaned:      newBlobResponses(report.Orphaned),
		Missing:       newListResponse(report.Missing).Uploads,
		Lingering:     newBlobResponses(report.Lingering),
		Purged:        report.Purged,
		PurgeFailures: report.PurgeFailures,
	}
}
