// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	appstorage "github.com/JakeFAU/blaulicht-crawler/internal/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every key.
	Prefix string
}

// BlobStore writes objects to a configured GCS bucket. Objects become
// visible only when the writer closes, which makes every put atomic.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ParseURI splits gs://bucket/prefix into its parts.
func ParseURI(uri string) (Config, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return Config{}, fmt.Errorf("not a gs:// uri: %q", uri)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Config{}, fmt.Errorf("bucket name is required in %q", uri)
	}
	return Config{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func (s *BlobStore) object(key string) string {
	return appstorage.JoinKey(s.prefix, key)
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, key string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	name := s.object(key)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}

// GetObject downloads an object.
func (s *BlobStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("read %s: %w", key, appstorage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open reader %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// DeleteObject removes an object.
func (s *BlobStore) DeleteObject(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.object(key)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete %s: %w", key, appstorage.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// ListObjects returns keys (relative to the store prefix) that start with prefix.
func (s *BlobStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	base := ""
	if s.prefix != "" {
		base = s.prefix + "/"
	}
	full := base + prefix

	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: full})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, base))
	}
	return keys, nil
}
