// Package postgres bulk-loads extracted items into a Postgres table with COPY.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultTable is used when no table is configured.
const DefaultTable = "listings"

// Config controls the Postgres connection pool and target table.
type Config struct {
	DSN             string
	Table           string
	Columns         []string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type copyCloser interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Sink writes item batches into Postgres.
type Sink struct {
	pool    copyCloser
	table   pgx.Identifier
	columns []string
}

// New connects a pool and pings it so an unreachable database fails the run
// before any crawling starts.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sink.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(ctx, pool, cfg.Table, cfg.Columns)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(ctx context.Context, pool copyCloser, table string, columns []string) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultTable
	}
	ident, err := parseTable(table)
	if err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("sink.postgres.columns is required")
	}
	for _, col := range columns {
		if !validIdentifier.MatchString(col) {
			return nil, fmt.Errorf("invalid column name %q", col)
		}
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Sink{pool: pool, table: ident, columns: append([]string(nil), columns...)}, nil
}

// Save copies batch into the table. Keys outside the configured columns
// are ignored and missing keys are written as NULL.
func (s *Sink) Save(ctx context.Context, batch []crawler.Item) error {
	if len(batch) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(batch))
	for _, item := range batch {
		row := make([]any, len(s.columns))
		for i, col := range s.columns {
			v, err := columnValue(item[col])
			if err != nil {
				return fmt.Errorf("column %s: %w", col, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	n, err := s.pool.CopyFrom(ctx, s.table, s.columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", s.table.Sanitize(), err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("copy into %s: wrote %d of %d rows", s.table.Sanitize(), n, len(rows))
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close(context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func parseTable(table string) (pgx.Identifier, error) {
	parts := strings.Split(table, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	for _, p := range parts {
		if !validIdentifier.MatchString(p) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return pgx.Identifier(parts), nil
}

// columnValue passes scalars through and encodes composite values as JSON text.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v, nil
	case map[string]any, []any, []string, map[string]string, crawler.Item:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return string(data), nil
	default:
		return fmt.Sprint(v), nil
	}
}
