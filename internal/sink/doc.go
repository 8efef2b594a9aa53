// Package sink holds the crawler.Sink implementations. Each subpackage
// persists batches of extracted items to one backend; the dispatcher may
// deliver the same batch twice after a crash, so every backend accepts
// duplicates.
package sink
