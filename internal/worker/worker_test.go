package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
	"github.com/JakeFAU/listing-harvester/internal/request"
)

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]*crawler.FetchResult
	specs     []crawler.RequestSpec
	delay     time.Duration
	inFlight  atomic.Int32
	maxFlight atomic.Int32
	closed    atomic.Bool
}

func (f *fakeFetcher) Do(_ context.Context, spec crawler.RequestSpec, opts ...request.Option) (*crawler.FetchResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxFlight.Load()
		if n <= prev || f.maxFlight.CompareAndSwap(prev, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.specs = append(f.specs, spec)
	if len(opts) != 1 {
		return nil, errors.New("expected the site predicate option")
	}
	res, ok := f.responses[spec.URL]
	if !ok {
		return nil, request.ErrRetriesExhausted
	}
	clone := *res
	return &clone, nil
}

func (f *fakeFetcher) Close() { f.closed.Store(true) }

// fakeSite extracts one item per page body line and turns "next:<url>"
// lines into continuation targets.
type fakeSite struct {
	panicOn string
}

func (s *fakeSite) Name() string        { return "fake" }
func (s *fakeSite) MainPageURL() string { return "" }

func (s *fakeSite) IsSuccess(res *crawler.FetchResult) bool {
	return res.StatusCode == http.StatusOK
}

func (s *fakeSite) Extract(res *crawler.FetchResult) ([]crawler.Item, []crawler.FailureSignal) {
	if res.Item.URL == s.panicOn {
		panic("malformed page")
	}
	var items []crawler.Item
	var failures []crawler.FailureSignal
	for _, line := range strings.Split(string(res.Body), "\n") {
		switch {
		case strings.HasPrefix(line, "next:"):
			failures = append(failures, crawler.Continue(crawler.WorkItem{URL: strings.TrimPrefix(line, "next:")}))
		case line == "invalid":
			failures = append(failures, crawler.FailureSignal{})
		case line != "":
			items = append(items, crawler.Item{"title": line, "url": res.Item.URL})
		}
	}
	return items, failures
}

type tunedSite struct{ fakeSite }

func (tunedSite) RequestSpec(item crawler.WorkItem) crawler.RequestSpec {
	return crawler.RequestSpec{Method: http.MethodPost, URL: item.URL, DisallowRedirects: true}
}

func page(body string) *crawler.FetchResult {
	return &crawler.FetchResult{StatusCode: http.StatusOK, Body: []byte(body)}
}

func newTestWorker(site crawler.Site, fetcher *fakeFetcher, cfg Config) (*Worker, *atomic.Int32) {
	var built atomic.Int32
	factory := func(*zap.Logger) Fetcher {
		built.Add(1)
		return fetcher
	}
	return New(site, factory, func(int) *zap.Logger { return zap.NewNop() }, cfg), &built
}

func TestProcessChunkCollectsItemsAndSignals(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]*crawler.FetchResult{
		"https://a": page("shirt\nshoe"),
		"https://c": page("next:https://c?page=2\ninvalid"),
	}}
	w, built := newTestWorker(&fakeSite{}, fetcher, Config{})

	chunk := []crawler.WorkItem{{URL: "https://a"}, {URL: "https://b"}, {URL: "https://c"}}
	res, err := w.ProcessChunk(context.Background(), 1, chunk)
	require.NoError(t, err)

	assert.Len(t, res.Items, 2)
	for _, item := range res.Items {
		assert.Equal(t, "https://a", item["url"], "extraction sees the originating work item")
	}

	var retries, continuations []string
	for _, sig := range res.Failures {
		require.NoError(t, sig.Validate())
		if sig.RetryTarget != nil {
			retries = append(retries, sig.RetryTarget.URL)
		} else {
			continuations = append(continuations, sig.ContinuationTarget.URL)
		}
	}
	assert.Equal(t, []string{"https://b"}, retries)
	assert.Equal(t, []string{"https://c?page=2"}, continuations)
	assert.EqualValues(t, 1, built.Load())
	assert.True(t, fetcher.closed.Load(), "engine is released after the chunk")
}

func TestProcessChunkBuildsEnginePerInvocation(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]*crawler.FetchResult{"https://a": page("x")}}
	w, built := newTestWorker(&fakeSite{}, fetcher, Config{})
	for i := 0; i < 3; i++ {
		_, err := w.ProcessChunk(context.Background(), 0, []crawler.WorkItem{{URL: "https://a"}})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, built.Load())
}

func TestProcessChunkExtractionPanicBecomesRetry(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]*crawler.FetchResult{
		"https://bad":  page("x"),
		"https://good": page("y"),
	}}
	w, _ := newTestWorker(&fakeSite{panicOn: "https://bad"}, fetcher, Config{})

	res, err := w.ProcessChunk(context.Background(), 0, []crawler.WorkItem{{URL: "https://bad"}, {URL: "https://good"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "https://bad", res.Failures[0].RetryTarget.URL)
}

func TestProcessChunkRespectsConcurrency(t *testing.T) {
	t.Parallel()

	responses := map[string]*crawler.FetchResult{}
	var chunk []crawler.WorkItem
	for _, u := range []string{"1", "2", "3", "4", "5", "6"} {
		responses["https://"+u] = page(u)
		chunk = append(chunk, crawler.WorkItem{URL: "https://" + u})
	}
	fetcher := &fakeFetcher{responses: responses, delay: 20 * time.Millisecond}
	w, _ := newTestWorker(&fakeSite{}, fetcher, Config{Concurrency: 2})

	res, err := w.ProcessChunk(context.Background(), 0, chunk)
	require.NoError(t, err)
	assert.Len(t, res.Items, 6)
	assert.LessOrEqual(t, fetcher.maxFlight.Load(), int32(2))
}

func TestProcessChunkUsesRequestTuner(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{responses: map[string]*crawler.FetchResult{"https://a": page("x")}}
	w, _ := newTestWorker(&tunedSite{}, fetcher, Config{})

	_, err := w.ProcessChunk(context.Background(), 0, []crawler.WorkItem{{URL: "https://a"}})
	require.NoError(t, err)
	require.Len(t, fetcher.specs, 1)
	assert.Equal(t, http.MethodPost, fetcher.specs[0].Method)
	assert.True(t, fetcher.specs[0].DisallowRedirects)
}

func TestProcessChunkReportsCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fetcher := &fakeFetcher{responses: map[string]*crawler.FetchResult{}}
	w, _ := newTestWorker(&fakeSite{}, fetcher, Config{})

	res, err := w.ProcessChunk(ctx, 0, []crawler.WorkItem{{URL: "https://a"}})
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, res.Failures, 1)
}
