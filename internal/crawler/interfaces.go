package crawler

import (
	"context"
)

// SuccessPredicate decides whether a response is acceptable. A false result
// triggers a reset cycle and another attempt.
type SuccessPredicate func(res *FetchResult) bool

// Site binds a target's extraction logic and success predicate.
type Site interface {
	Name() string
	// MainPageURL is fetched to seed the cookie jar; empty disables seeding.
	MainPageURL() string
	// Extract must not panic on malformed input. On internal failure it
	// returns no items and a retry signal for res.Item.
	Extract(res *FetchResult) ([]Item, []FailureSignal)
	IsSuccess(res *FetchResult) bool
}

// RequestTuner is implemented by sites that need per-item request options
// (POST bodies, disabled redirects, JSON decoding).
type RequestTuner interface {
	RequestSpec(item WorkItem) RequestSpec
}

// Sink persists batches of extracted items. Implementations must tolerate
// the same batch being delivered twice.
type Sink interface {
	Save(ctx context.Context, batch []Item) error
	Close(ctx context.Context) error
}

// Ledger durably records work items that need a future retry pass.
type Ledger interface {
	Append(ctx context.Context, targets []WorkItem) error
	Load(ctx context.Context) ([]WorkItem, error)
	Replace(ctx context.Context, targets []WorkItem) error
}
