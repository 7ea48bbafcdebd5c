// Package storage defines the blob store the archive is written to.
// Implementations live in the local, gcs and memory subpackages.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// BlobStore persists archive objects under slash-separated keys.
// PutObject replaces an object all-or-nothing: readers see either the old
// or the new content, never a partial write.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// JoinKey joins key segments with slashes, dropping empty segments.
func JoinKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
