package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
	errNoBackend        = errors.New("history store is not configured")
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)

	// Truncate to reasonable length (50 chars for base, plus extension)
	maxLen := 50
	if len(base) > maxLen {
		base = base[:maxLen]
	}
	if base == "" {
		base = "scan"
	}

	if ext = unsafeFilenameChars.ReplaceAllString(ext, ""); ext != "" {
		ext = "." + ext
	}
	return base + ext
}

// History is the live, searchable view of the most recent scans. The cache is only
// ever replaced wholesale by snapshots from the record store.
type History struct {
	mu      sync.RWMutex
	records []ScanRecord
	backend Backend

	subMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	onChange   func([]ScanRecord)
	timeSource TimeSource
	metrics    *Metrics
}

// NewHistory creates an empty History with no backend
func NewHistory(metrics *Metrics) *History {
	return NewHistoryWithDeps(metrics, &defaultTimeSource{})
}

// NewHistoryWithDeps creates a History with a custom time source for testing
func NewHistoryWithDeps(metrics *Metrics, timeSrc TimeSource) *History {
	return &History{timeSource: timeSrc, metrics: metrics}
}

// OnChange registers fn to be called after every snapshot replacement
func (h *History) OnChange(fn func([]ScanRecord)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Use switches to backend b: the previous subscription is torn down, the cache
// emptied, and a new subscription to the newest HistoryLimit records started.
func (h *History) Use(ctx context.Context, b Backend) error {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	h.stopLocked()

	subCtx, cancel := context.WithCancel(ctx)
	feed, err := b.Records.Subscribe(subCtx, HistoryLimit)

	h.mu.Lock()
	h.records = nil
	if err == nil {
		h.backend = b
	} else {
		h.backend = Backend{}
	}
	h.mu.Unlock()

	if err != nil {
		cancel()
		slog.Error("Failed to subscribe to history", "error", err)
		return fmt.Errorf("subscribing to history: %w", err)
	}

	done := make(chan struct{})
	h.cancel = cancel
	h.done = done
	go h.consume(feed, done)
	return nil
}

// Stop tears down the live subscription. The cache keeps its last snapshot.
func (h *History) Stop() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.stopLocked()
}

func (h *History) stopLocked() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
	h.cancel = nil
	h.done = nil
}

// consume is the only writer of the cache
func (h *History) consume(feed <-chan []ScanRecord, done chan struct{}) {
	defer close(done)
	for snapshot := range feed {
		h.mu.Lock()
		h.records = snapshot
		fn := h.onChange
		h.mu.Unlock()

		h.metrics.historySize(len(snapshot))
		if fn != nil {
			fn(snapshot)
		}
	}
}

// Snapshot returns a copy of the cached records, newest first
func (h *History) Snapshot() []ScanRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ScanRecord, len(h.records))
	copy(out, h.records)
	return out
}

// Search filters the cached records. A record matches when its text contains the
// query case-insensitively or the query appears inside one of its keywords. An empty
// query returns every cached record. Whitespace is significant.
func (h *History) Search(query string) []ScanRecord {
	q := strings.ToLower(query)

	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ScanRecord, 0, len(h.records))
	for _, rec := range h.records {
		if q == "" || matchesQuery(rec, q) {
			out = append(out, rec)
		}
	}
	return out
}

// Find returns the cached record with the given id
func (h *History) Find(id string) (*ScanRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := range h.records {
		if h.records[i].ID == id {
			rec := h.records[i]
			return &rec, true
		}
	}
	return nil, false
}

func (h *History) currentBackend() (Backend, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.backend.Records == nil || h.backend.Blobs == nil {
		return Backend{}, errNoBackend
	}
	return h.backend, nil
}

// Blobs returns the blob store in use, or nil before Use
func (h *History) Blobs() BlobStore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.backend.Blobs
}

// Save uploads the image and inserts a record for an extraction result
func (h *History) Save(ctx context.Context, text string, img *Image, tokens int) (*ScanRecord, error) {
	b, err := h.currentBackend()
	if err != nil {
		return nil, h.persistenceError("save", "Failed to save to history", err)
	}

	path := fmt.Sprintf("scans/%d_%s", h.timeSource.Now().UnixMilli(), sanitizeFilename(img.Name))
	locator, err := b.Blobs.Upload(ctx, path, img.Data, img.Type)
	if err != nil {
		return nil, h.persistenceError("upload", "Failed to save to history", fmt.Errorf("uploading image: %w", err))
	}

	rec := &ScanRecord{
		Text:         text,
		ImageURL:     locator,
		ThumbnailURL: locator,
		ImagePath:    path,
		TokenCount:   tokens,
		Keywords:     GenerateKeywords(text),
		FileMeta:     img.Meta(),
	}
	if _, err := b.Records.Insert(ctx, rec); err != nil {
		// Clean up the blob since the record was not written
		if delErr := b.Blobs.Delete(ctx, path); delErr != nil {
			slog.Warn("Failed to delete orphaned image", "path", path, "error", delErr)
		}
		return nil, h.persistenceError("insert", "Failed to save to history", fmt.Errorf("inserting record: %w", err))
	}

	slog.Info("Saved scan to history", "id", rec.ID, "path", path, "tokens", tokens)
	return rec, nil
}

// Delete removes a record and then, best effort, its image. confirmed must be true.
func (h *History) Delete(ctx context.Context, id string, confirmed bool) error {
	if !confirmed {
		return ErrConfirmationRequired
	}
	b, err := h.currentBackend()
	if err != nil {
		return h.persistenceError("delete", "Failed to delete", err)
	}

	var path string
	if rec, ok := h.Find(id); ok {
		path = rec.ImagePath
	}

	if err := b.Records.Delete(ctx, id); err != nil {
		return h.persistenceError("delete", "Failed to delete", fmt.Errorf("deleting record: %w", err))
	}

	if path != "" {
		if err := b.Blobs.Delete(ctx, path); err != nil {
			slog.Warn("Failed to delete image", "id", id, "path", path, "error", err)
		}
	}
	return nil
}

func (h *History) persistenceError(operation, prefix string, err error) *Error {
	h.metrics.persistenceFailed(operation)
	return newError(PersistenceError, prefix+": "+rootMessage(err), err)
}

// rootMessage returns the innermost error text, which is what the user should see
func rootMessage(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
