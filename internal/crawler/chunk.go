package crawler

import (
	"fmt"
	"iter"
	"slices"
)

// Chunk splits items into consecutive slices of at most size elements.
// The sequence is lazy and can be restarted by ranging over it again.
func Chunk[T any](items []T, size int) (iter.Seq[[]T], error) {
	if size < 1 {
		return nil, fmt.Errorf("chunk size must be >= 1, got %d", size)
	}
	return slices.Chunk(items, size), nil
}

// MustChunk is Chunk for sizes already validated by configuration.
func MustChunk[T any](items []T, size int) iter.Seq[[]T] {
	seq, err := Chunk(items, size)
	if err != nil {
		panic(err)
	}
	return seq
}
