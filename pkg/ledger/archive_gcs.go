//go:build gcp

package ledger

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSSink archives segments to a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSSink creates a GCS-backed archive sink (uses ADC by default).
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Store uploads a segment, refusing to overwrite an existing object.
func (s *GCSSink) Store(ctx context.Context, name string, data []byte) error {
	obj := s.client.Bucket(s.bucket).Object(s.prefix + name)
	if _, err := obj.Attrs(ctx); err == nil {
		return fmt.Errorf("gcssink: segment %s already exists", name)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcssink: write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcssink: close failed: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
