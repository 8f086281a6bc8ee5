package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage implements scan.BlobStore using the local filesystem
type LocalStorage struct {
	basePath  string
	publicURL string
}

// NewLocalStorage creates a new LocalStorage instance. Locators are publicURL
// joined with the blob path.
func NewLocalStorage(basePath, publicURL string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// resolve maps a blob path to a file under basePath
func (l *LocalStorage) resolve(path string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return "", fmt.Errorf("invalid blob path: %q", path)
	}
	return filepath.Join(l.basePath, filepath.FromSlash(path)), nil
}

// Upload saves a file to local storage
func (l *LocalStorage) Upload(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("writing file: %w", err)
	}
	return l.publicURL + "/" + path, nil
}

// Get retrieves a file from local storage
func (l *LocalStorage) Get(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a file from local storage
func (l *LocalStorage) Delete(ctx context.Context, path string) error {
	fullPath, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
