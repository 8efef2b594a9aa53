// Package crawler holds the domain types shared by the request engine, the
// workers, the dispatcher, the sinks, and the site extractors: work items,
// fetch results, extracted items, failure signals, and the interfaces that
// connect them.
package crawler
