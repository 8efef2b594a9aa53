// Package gcs writes each batch of extracted items as one newline-delimited
// JSON object in a bucket.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/storage"
)

// ContentType is set on every object the sink writes.
const ContentType = "application/x-ndjson"

// Config controls object naming.
type Config struct {
	Prefix string
	RunID  string
}

// Sink writes batches to <prefix>/<run id>/batch-<n>.ndjson.
type Sink struct {
	store  storage.BlobStore
	prefix string
	runID  string
	logger *zap.Logger
	seq    atomic.Int64
}

// New returns a sink writing through store.
func New(store storage.BlobStore, cfg Config, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		store:  store,
		prefix: strings.Trim(cfg.Prefix, "/"),
		runID:  cfg.RunID,
		logger: logger,
	}, nil
}

// Save encodes batch one item per line and uploads it as a new object. A
// retried batch lands under a new name, never over an earlier one.
func (s *Sink) Save(ctx context.Context, batch []crawler.Item) error {
	if len(batch) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, item := range batch {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode item: %w", err)
		}
	}
	name := s.objectName(s.seq.Add(1))
	uri, err := s.store.PutObject(ctx, name, ContentType, &buf)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	s.logger.Debug("batch uploaded", zap.String("uri", uri), zap.Int("items", len(batch)))
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (s *Sink) Close(context.Context) error { return nil }

func (s *Sink) objectName(n int64) string {
	return path.Join(s.prefix, s.runID, fmt.Sprintf("batch-%05d.ndjson", n))
}
