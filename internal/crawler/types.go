// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrInvalidSignal is returned when a FailureSignal carries zero or two targets.
var ErrInvalidSignal = errors.New("failure signal must set exactly one target")

// WorkItem is the input to one fetch. It is immutable once dispatched.
type WorkItem struct {
	URL     string
	Context map[string]string
}

// NewWorkItem builds a WorkItem with optional key/value context pairs.
func NewWorkItem(rawURL string, kv ...string) WorkItem {
	item := WorkItem{URL: rawURL}
	if len(kv) >= 2 {
		item.Context = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			item.Context[kv[i]] = kv[i+1]
		}
	}
	return item
}

// Value returns the context value for key, or "".
func (w WorkItem) Value(key string) string {
	if w.Context == nil {
		return ""
	}
	return w.Context[key]
}

type workItemJSON struct {
	URL     string            `json:"url"`
	Context map[string]string `json:"context,omitempty"`
}

// MarshalJSON encodes items without context as a bare URL string so that
// ledger files stay a plain array of URLs by convention.
func (w WorkItem) MarshalJSON() ([]byte, error) {
	if len(w.Context) == 0 {
		return json.Marshal(w.URL)
	}
	return json.Marshal(workItemJSON(w))
}

// UnmarshalJSON accepts both the string and the object form.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*w = WorkItem{URL: raw}
		return nil
	}
	var obj workItemJSON
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode work item: %w", err)
	}
	*w = WorkItem(obj)
	return nil
}

// Unique returns items without repeats, keeping first occurrences in order.
// Two items are the same when their JSON forms match. items is not modified.
func Unique(items []WorkItem) []WorkItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]WorkItem, 0, len(items))
	for _, item := range items {
		key := item.URL
		if b, err := item.MarshalJSON(); err == nil {
			key = string(b)
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// FetchResult is what the RequestEngine hands to the extraction callback.
type FetchResult struct {
	Item       WorkItem
	StatusCode int
	Headers    http.Header
	Body       []byte
	// JSON holds the decoded body when the request asked for JSON decoding.
	JSON     any
	FinalURL string
}

// Item is one extracted record destined for the Sink.
type Item map[string]any

// FailureSignal tells the orchestrator what to do with a work item that did
// not produce items: retry it in a later run, or continue with follow-up work.
type FailureSignal struct {
	RetryTarget        *WorkItem
	ContinuationTarget *WorkItem
}

// Retry builds a signal asking for item to be recorded in the retry ledger.
func Retry(item WorkItem) FailureSignal {
	return FailureSignal{RetryTarget: &item}
}

// Continue builds a signal scheduling item as follow-up work.
func Continue(item WorkItem) FailureSignal {
	return FailureSignal{ContinuationTarget: &item}
}

// Validate reports ErrInvalidSignal unless exactly one target is set.
func (s FailureSignal) Validate() error {
	if (s.RetryTarget == nil) == (s.ContinuationTarget == nil) {
		return ErrInvalidSignal
	}
	return nil
}

// ChunkResult is what a worker returns for one chunk.
type ChunkResult struct {
	Items    []Item
	Failures []FailureSignal
}

// RequestSpec describes one logical HTTP call.
type RequestSpec struct {
	Method            string
	URL               string
	Query             url.Values
	Headers           map[string]string
	Cookies           map[string]string
	Referer           string
	Body              []byte
	ContentType       string
	DisallowRedirects bool
	DecodeJSON        bool
}
