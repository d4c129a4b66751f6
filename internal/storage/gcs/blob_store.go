// Package gcs mirrors materialized weather files into a Google Cloud Storage
// bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	blob "github.com/JakeFAU/climate-archive-crawler/internal/storage"
)

// Config names the destination bucket. ChunkSize is passed to the object
// writer; zero keeps the client default of 16 MiB.
type Config struct {
	Bucket    string
	ChunkSize int
}

// BlobStore uploads objects into one bucket.
type BlobStore struct {
	client    *storage.Client
	bucket    *storage.BucketHandle
	name      string
	chunkSize int
	owned     bool
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("storage.bucket is required for the gcs backend")
	}
	if cfg.ChunkSize < 0 {
		return nil, fmt.Errorf("chunk size must be >= 0, got %d", cfg.ChunkSize)
	}
	return &BlobStore{
		client:    client,
		bucket:    client.Bucket(bucket),
		name:      bucket,
		chunkSize: cfg.ChunkSize,
	}, nil
}

// Dial creates a client from application default credentials (or opts) and
// returns a store that closes it in Close.
func Dial(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	store, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	store.owned = true
	return store, nil
}

// PutObject streams r into bucket/obj.Path and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, obj blob.Object, r io.Reader) (string, error) {
	name := objectName(obj.Path)
	if name == "" {
		return "", errors.New("object path is required")
	}
	w := s.bucket.Object(name).NewWriter(ctx)
	w.ContentType = obj.ContentType
	w.Metadata = obj.Metadata
	if s.chunkSize > 0 {
		w.ChunkSize = s.chunkSize
	}
	if _, err := io.Copy(w, r); err != nil {
		// Close on a failed copy abandons the upload; its error adds nothing.
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.name, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.name, name, err)
	}
	return "gs://" + s.name + "/" + name, nil
}

// Close releases the client when the store created it.
func (s *BlobStore) Close() error {
	if s == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

// objectName turns a slash path into a bucket-relative key.
func objectName(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "." {
		return ""
	}
	return clean
}
