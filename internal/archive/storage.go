package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ErrNotFound is returned when no object exists under a key
var ErrNotFound = errors.New("image not found")

// Storage keeps the source images of finished scans
type Storage interface {
	// Save stores data under key
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Get retrieves an object and its content type
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Delete removes an object
	Delete(ctx context.Context, key string) error
}

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.@]`)

// ImageKey builds the object key for a scan image
func ImageKey(ownerID, recordID string) string {
	owner := unsafeKeyChars.ReplaceAllString(ownerID, "_")
	owner = strings.Trim(owner, ".")
	if owner == "" {
		owner = "unknown"
	}
	return fmt.Sprintf("scans/%s/%s.png", owner, unsafeKeyChars.ReplaceAllString(recordID, "_"))
}

// LocalStorage implements the Storage interface using local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	// Create directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// path resolves key below basePath, rejecting keys that escape it
func (l *LocalStorage) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}

// Save writes an image to local storage
func (l *LocalStorage) Save(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

// Get reads an image from local storage
func (l *LocalStorage) Get(ctx context.Context, key string) ([]byte, string, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("reading file: %w", ErrNotFound)
		}
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// Delete removes an image from local storage
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	path, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("deleting file: %w", ErrNotFound)
		}
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}
