// Package csvfile keeps extracted items in a single CSV file with a header row.
package csvfile

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/storage"
)

// Sink appends batches to a CSV file by rewriting it atomically.
//
// The column order is the configured field list, else the header already
// in the file, else the sorted keys of the first batch. Keys outside the
// columns are dropped and missing keys become empty cells.
type Sink struct {
	store  storage.AtomicStore
	path   string
	fields []string
	mu     sync.Mutex
}

// New returns a sink writing to path inside store.
func New(store storage.AtomicStore, path string, fields []string) (*Sink, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	return &Sink{store: store, path: path, fields: slices.Clone(fields)}, nil
}

// Path returns the file's path inside the store.
func (s *Sink) Path() string { return s.path }

// Save appends batch as rows.
func (s *Sink) Save(ctx context.Context, batch []crawler.Item) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	header, rows, err := s.load(ctx)
	if err != nil {
		return err
	}
	columns := s.fields
	if len(columns) == 0 {
		columns = header
	}
	if len(columns) == 0 {
		columns = sortedKeys(batch[0])
	}
	if len(header) > 0 && !slices.Equal(header, columns) {
		rows = reorder(header, columns, rows)
	}
	for _, item := range batch {
		row := make([]string, len(columns))
		for i, col := range columns {
			row[i] = cell(item[col])
		}
		rows = append(rows, row)
	}

	if err := s.store.WriteAtomic(s.path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(columns); err != nil {
			return err
		}
		if err := cw.WriteAll(rows); err != nil {
			return err
		}
		return cw.Error()
	}); err != nil {
		return fmt.Errorf("write %s: %w", s.path, err)
	}
	return nil
}

// Close is a no-op; every Save is already durable.
func (s *Sink) Close(context.Context) error { return nil }

func (s *Sink) load(ctx context.Context) ([]string, [][]string, error) {
	data, err := s.store.GetObject(ctx, s.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return records[0], records[1:], nil
}

func reorder(from, to []string, rows [][]string) [][]string {
	index := make(map[string]int, len(from))
	for i, name := range from {
		index[name] = i
	}
	out := make([][]string, len(rows))
	for r, row := range rows {
		next := make([]string, len(to))
		for i, name := range to {
			if j, ok := index[name]; ok && j < len(row) {
				next[i] = row[j]
			}
		}
		out[r] = next
	}
	return out
}

func sortedKeys(item crawler.Item) []string {
	keys := make([]string, 0, len(item))
	for k := range item {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any, []string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	default:
		return fmt.Sprint(val)
	}
}
