// Package gcs mirrors stored documents into a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/pearswick/dumpany/internal/retrieval"
)

// Config captures the bucket and object prefix documents are mirrored to.
type Config struct {
	Bucket string
	Prefix string
}

type objectWriter func(ctx context.Context, object string, doc retrieval.Document) io.WriteCloser

// Mirror uploads every recorded document to the configured bucket.
type Mirror struct {
	bucket string
	prefix string
	open   objectWriter
	logger *zap.Logger
}

// Connect creates a storage client using Application Default Credentials and
// checks that the bucket is reachable.
func Connect(ctx context.Context, bucket string) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q: %w", bucket, err)
	}
	return client, nil
}

// New builds a Mirror that writes through client.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Mirror, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	m, err := newMirror(cfg, logger)
	if err != nil {
		return nil, err
	}
	m.open = func(ctx context.Context, object string, doc retrieval.Document) io.WriteCloser {
		w := client.Bucket(m.bucket).Object(object).NewWriter(ctx)
		w.ContentType = "application/pdf"
		w.Metadata = map[string]string{
			"company_number": doc.CompanyNumber,
			"run_id":         doc.RunID.String(),
			"sha256":         doc.SHA256,
		}
		return w
	}
	return m, nil
}

func newMirror(cfg Config, logger *zap.Logger) (*Mirror, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// ObjectName maps a document key to its object name under the prefix.
func (m *Mirror) ObjectName(key string) string {
	if m.prefix == "" {
		return key
	}
	return path.Join(m.prefix, key)
}

// RecordDocument uploads the file at doc.Path.
func (m *Mirror) RecordDocument(ctx context.Context, doc retrieval.Document) error {
	if strings.TrimSpace(doc.Key) == "" {
		return fmt.Errorf("document key is required")
	}
	// #nosec G304 -- doc.Path is produced by the local store under its base directory.
	f, err := os.Open(doc.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", doc.Path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	object := m.ObjectName(doc.Key)
	w := m.open(ctx, object, doc)
	if _, err := io.Copy(w, f); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	m.logger.Debug("document mirrored", zap.String("uri", fmt.Sprintf("gs://%s/%s", m.bucket, object)))
	return nil
}
