package sv

import (
	"io"
	"strings"
	"time"
)

// Role is the account role supplied by the authentication layer.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super-admin"
)

// Privileged reports whether the role may act on other owners' uploads.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// ParseRole converts a raw role string, accepting "superadmin" and "super_admin" spellings.
func ParseRole(s string) (Role, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "superadmin", "super_admin":
		normalized = string(RoleSuperAdmin)
	}
	r := Role(normalized)
	if !r.Valid() {
		return "", &ValidationError{Field: "role", Reason: "unknown role " + s}
	}
	return r, nil
}

// Requester identifies the caller of a lifecycle or scoped operation.
// The core trusts these values; credentials are verified upstream.
type Requester struct {
	ID   string
	Role Role
}

// Account is an entry in the account directory.
type Account struct {
	ID        string
	Role      Role
	CreatedAt time.Time
}

// Row is one parsed spreadsheet row keyed by column name.
type Row map[string]string

// UploadRecord is the queryable metadata for one uploaded file.
type UploadRecord struct {
	ID            string
	OwnerID       string
	OriginalName  string
	ObjectStoreID string
	ContentType   string
	SizeBytes     int64
	Columns       []string
	SamplePreview []Row
	TotalRows     int
	InsightText   string
	ParsedAt      *time.Time
	Deleted       bool
	DeletedAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Parsed reports whether a preview was produced for the record.
func (r *UploadRecord) Parsed() bool {
	return len(r.Columns) > 0
}

// Validate checks the fields every record must carry at creation.
func (r *UploadRecord) Validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return &ValidationError{Field: "ownerId", Reason: "required"}
	}
	if strings.TrimSpace(r.OriginalName) == "" {
		return &ValidationError{Field: "originalName", Reason: "required"}
	}
	if strings.TrimSpace(r.ObjectStoreID) == "" {
		return &ValidationError{Field: "objectStoreId", Reason: "required"}
	}
	if r.SizeBytes < 0 {
		return &ValidationError{Field: "sizeBytes", Reason: "negative"}
	}
	return nil
}

// BlobInfo describes a stored blob independently of any upload record.
type BlobInfo struct {
	ID          string
	Filename    string
	ContentType string
	OwnerID     string
	Length      int64
	ChunkSize   int
	UploadedAt  time.Time
}

// Preview is the parsed content of an upload.
type Preview struct {
	Columns   []string
	Rows      []Row
	TotalRows int
}

// Download is an open blob stream plus the headers a caller needs to serve it.
// The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	Size        int64
}

// DeleteResult reports the outcome of an owner or privileged delete.
// Warning is non-nil (a *PartialFailureError) when the blob could not be removed.
type DeleteResult struct {
	RecordID  string
	OwnerID   string
	Purged    bool
	DeletedAt time.Time
	Warning   error
}

// OwnerStats are the dashboard aggregates for one owner.
type OwnerStats struct {
	OwnerID string
	Active  int
	Total   int
}

// LifecycleEvent is published when a record is purged by a privileged delete.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	RecordID  string    `json:"recordId"`
	OwnerID   string    `json:"ownerId"`
	DeletedAt time.Time `json:"deletedAt"`
}

// EventUploadPurged is the LifecycleEvent type emitted by privileged deletes.
const EventUploadPurged = "upload_purged"

// AdminChannel is the notification channel shared by all admins.
const AdminChannel = "admins"

// OwnerChannel returns the notification channel of one account.
func OwnerChannel(ownerID string) string {
	return "user:" + ownerID
}
