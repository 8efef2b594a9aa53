// Package jsonfile keeps extracted items in a single JSON array file.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/storage"
)

// Sink merges every batch into the array stored at path. The file is
// rewritten atomically, so readers see either the old or the new array.
type Sink struct {
	store storage.AtomicStore
	path  string
	mu    sync.Mutex
}

// New returns a sink writing to path inside store.
func New(store storage.AtomicStore, path string) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &Sink{store: store, path: path}, nil
}

// Path returns the file's path inside the store.
func (s *Sink) Path() string { return s.path }

// Save appends batch to the stored array.
func (s *Sink) Save(ctx context.Context, batch []crawler.Item) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load(ctx)
	if err != nil {
		return err
	}
	all := append(existing, batch...)
	if err := s.store.WriteAtomic(s.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Load returns every stored item.
func (s *Sink) Load(ctx context.Context) ([]crawler.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Close is a no-op; every Save is already durable.
func (s *Sink) Close(context.Context) error { return nil }

func (s *Sink) load(ctx context.Context) ([]crawler.Item, error) {
	data, err := s.store.GetObject(ctx, s.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []crawler.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return items, nil
}
