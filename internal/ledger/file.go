// Package ledger persists work items that exhausted their retries so a
// later run can pick them up.
package ledger

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

// DefaultPath is the ledger file name used when none is configured.
const DefaultPath = "retry_info.json"

// File keeps the ledger as one JSON array. Every write replaces the file
// atomically, so a crash leaves either the old or the new array.
type File struct {
	store  storage.AtomicStore
	path   string
	mu     sync.Mutex
	encode func(io.Writer, []crawler.WorkItem) error
}

// NewFile returns a ledger stored at path inside store.
func NewFile(store storage.AtomicStore, path string) *File {
	if path == "" {
		path = DefaultPath
	}
	return &File{store: store, path: path, encode: encodeJSON}
}

// Path returns the ledger's path inside its store.
func (f *File) Path() string { return f.path }

// Append adds targets after the existing entries.
func (f *File) Append(ctx context.Context, targets []crawler.WorkItem) error {
	if len(targets) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, err := f.load(ctx)
	if err != nil {
		return err
	}
	return f.write(append(existing, targets...))
}

// Load returns every entry; a missing or empty file is an empty ledger.
func (f *File) Load(ctx context.Context) ([]crawler.WorkItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(ctx)
}

// Replace overwrites the ledger with items.
func (f *File) Replace(_ context.Context, items []crawler.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(items)
}

func (f *File) load(ctx context.Context) ([]crawler.WorkItem, error) {
	data, err := f.store.GetObject(ctx, f.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []crawler.WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", f.path, err)
	}
	return items, nil
}

func (f *File) write(items []crawler.WorkItem) error {
	if items == nil {
		items = []crawler.WorkItem{}
	}
	if err := f.store.WriteAtomic(f.path, func(w io.Writer) error {
		return f.encode(w, items)
	}); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func encodeJSON(w io.Writer, items []crawler.WorkItem) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}
