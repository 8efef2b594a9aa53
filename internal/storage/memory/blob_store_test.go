package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/JakeFAU/listing-harvester/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "run/batch-1.ndjson", "application/x-ndjson", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://run/batch-1.ndjson" {
		t.Fatalf("unexpected uri %s", uri)
	}
	payload[0] = 'C'

	got, err := store.GetObject(context.Background(), "run/batch-1.ndjson")
	if err != nil {
		t.Fatalf("GetObject() error = %v", err)
	}
	if string(got) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", got)
	}
	if ct := store.ContentType("run/batch-1.ndjson"); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope")
	if err != storage.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
