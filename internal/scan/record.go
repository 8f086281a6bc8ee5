package scan

import (
	"context"
	"time"
)

// HistoryLimit is how many of the most recent records the live view holds
const HistoryLimit = 50

// FileMeta describes the upload a record was created from
type FileMeta struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// ScanRecord represents a persisted extraction result
type ScanRecord struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Text         string    `json:"text"`
	ImageURL     string    `json:"image_url"`
	ThumbnailURL string    `json:"thumbnail_url"`
	ImagePath    string    `json:"image_path"`
	TokenCount   int       `json:"token_count"`
	Keywords     []string  `json:"keywords"`
	FileMeta     FileMeta  `json:"file_metadata"`
}

// RecordStore persists scan records and pushes live snapshots of the newest ones
type RecordStore interface {
	// Insert stores rec and returns the id it was assigned. The store sets
	// rec.ID and rec.Timestamp.
	Insert(ctx context.Context, rec *ScanRecord) (string, error)

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*ScanRecord, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// Subscribe delivers the newest limit records, timestamp descending, once
	// immediately and again after every change. The channel is closed when ctx
	// is done or the store is closed.
	Subscribe(ctx context.Context, limit int) (<-chan []ScanRecord, error)

	// Close closes the store
	Close() error
}

// BlobStore holds uploaded images
type BlobStore interface {
	// Upload stores data under path and returns a locator for it
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Delete removes the blob at path
	Delete(ctx context.Context, path string) error
}

// BlobReader is implemented by blob stores whose contents this service serves itself
type BlobReader interface {
	Get(ctx context.Context, path string) ([]byte, error)
}

// Backend groups the stores one configuration opens
type Backend struct {
	Records RecordStore
	Blobs   BlobStore
}
