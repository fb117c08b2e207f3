package imagestore

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned by Get when no object exists under the key
var ErrNotFound = errors.New("image not found")

// keyPrefix groups every uploaded bill image
const keyPrefix = "bill_images"

// Storage defines the interface for bill image storage. Keys are relative,
// slash separated paths as produced by NewKey.
type Storage interface {
	// Save stores data under key
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Get returns the bytes stored under key and their content type
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Delete removes the object stored under key
	Delete(ctx context.Context, key string) error

	// Ping checks that the storage is reachable
	Ping(ctx context.Context) error
}

// NewKey returns a fresh bill_images/<uuid><ext> key. ext may be given with
// or without its leading dot.
func NewKey(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return path.Join(keyPrefix, uuid.NewString()+ext)
}

// ContentType guesses a content type from the key's extension
func ContentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid image key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid image key %q", key)
		}
	}
	return nil
}
