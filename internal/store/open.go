package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/zombor/ocr-history/internal/scan"
)

// Open connects the record and blob stores named by cfg. The closer releases them.
func Open(ctx context.Context, cfg Config) (scan.Backend, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return scan.Backend{}, nil, err
	}

	var blobs scan.BlobStore
	switch cfg.Blobs.Driver {
	case "local":
		local, err := NewLocalStorage(cfg.Blobs.Dir, cfg.Blobs.PublicURL)
		if err != nil {
			return scan.Backend{}, nil, err
		}
		blobs = local
	case "s3":
		s3, err := NewS3Storage(ctx, cfg.Blobs)
		if err != nil {
			return scan.Backend{}, nil, err
		}
		blobs = s3
	}

	var records scan.RecordStore
	switch cfg.Driver {
	case "bolt":
		db, err := NewBoltDB(cfg.BoltPath)
		if err != nil {
			return scan.Backend{}, nil, err
		}
		records = db
	case "postgres":
		pg, err := NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return scan.Backend{}, nil, err
		}
		records = pg
	}

	return scan.Backend{Records: records, Blobs: blobs}, records, nil
}

// Controller owns the open backend, keeps the history subscribed to it and swaps
// it when the settings change
type Controller struct {
	path    string
	history *scan.History
	ctx     context.Context
	open    func(context.Context, Config) (scan.Backend, io.Closer, error)

	mu     sync.Mutex
	cfg    Config
	closer io.Closer
}

// NewController creates a Controller for the config file at path. ctx bounds the
// lifetime of history subscriptions.
func NewController(ctx context.Context, path string, history *scan.History) *Controller {
	return NewControllerWithOpener(ctx, path, history, Open)
}

// NewControllerWithOpener creates a Controller with a custom opener for testing
func NewControllerWithOpener(ctx context.Context, path string, history *scan.History, open func(context.Context, Config) (scan.Backend, io.Closer, error)) *Controller {
	return &Controller{path: path, history: history, ctx: ctx, open: open}
}

// Start loads the config file, opens the backend and subscribes the history
func (c *Controller) Start() error {
	cfg, err := LoadConfig(c.path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.useLocked(cfg)
}

func (c *Controller) useLocked(cfg Config) error {
	backend, closer, err := c.open(c.ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}
	if err := c.history.Use(c.ctx, backend); err != nil {
		closer.Close()
		return err
	}
	c.cfg = cfg
	c.closer = closer
	slog.Info("Store opened", "driver", cfg.Driver, "blobs", cfg.Blobs.Driver)
	return nil
}

// Driver names the record store in use
func (c *Controller) Driver() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Driver
}

// Config returns the current settings with secrets redacted
func (c *Controller) Config() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Redacted()
}

// Reconfigure validates new settings, switches the history onto them and saves
// them. On failure the previous backend is restored.
func (c *Controller) Reconfigure(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, err := ParseConfigJSON(raw)
	if err != nil {
		return err
	}
	cfg = cfg.withSecretsFrom(c.cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	// the old backend is released first; a BoltDB file cannot be opened twice
	prev := c.cfg
	c.history.Stop()
	c.closeLocked()

	if err := c.useLocked(cfg); err != nil {
		slog.Error("Failed to open new store, restoring previous", "error", err)
		if restoreErr := c.useLocked(prev); restoreErr != nil {
			slog.Error("Failed to restore previous store", "error", restoreErr)
		}
		return invalidConfig(err)
	}

	if err := SaveConfig(c.path, cfg); err != nil {
		slog.Warn("Failed to save store config", "path", c.path, "error", err)
	}
	return nil
}

func (c *Controller) closeLocked() {
	if c.closer == nil {
		return
	}
	if err := c.closer.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
	c.closer = nil
}

// Close stops the history subscription and closes the backend
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history.Stop()
	c.closeLocked()
	return nil
}
