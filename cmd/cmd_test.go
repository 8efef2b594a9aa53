package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-harvester/internal/config"
)

type fakeApp struct {
	crawlErr error
	crawled  bool
	retried  bool
	closed   bool
}

func (f *fakeApp) Crawl(context.Context) error {
	f.crawled = true
	return f.crawlErr
}

func (f *fakeApp) Retry(context.Context) error {
	f.retried = true
	return nil
}

func (f *fakeApp) Close(context.Context) error {
	f.closed = true
	return nil
}

func (f *fakeApp) Logger() *zap.Logger { return zap.NewNop() }

func withFakeApp(t *testing.T, fake *fakeApp) *config.Config {
	t.Helper()
	var got config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg config.Config) (App, error) {
		got = cfg
		return fake, nil
	}
	t.Cleanup(func() { newApp = orig })
	return &got
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCrawlBindsFlags(t *testing.T) {
	fake := &fakeApp{}
	got := withFakeApp(t, fake)

	_, err := execute(t, "crawl", "--site", "yahoomovie", "-p", "3", "-c", "7", "-u", "42")
	require.NoError(t, err)

	assert.True(t, fake.crawled)
	assert.True(t, fake.closed)
	assert.Equal(t, "yahoomovie", got.Site)
	assert.Equal(t, 3, got.Crawler.Workers)
	assert.Equal(t, 7, got.Crawler.ChunkSize)
	assert.Equal(t, 42, got.Crawler.UpperLimit)
}

func TestCrawlReadsConfigFile(t *testing.T) {
	fake := &fakeApp{}
	got := withFakeApp(t, fake)

	path := filepath.Join(t.TempDir(), "harvest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("site: underarmour\ncrawler:\n  workers: 9\n"), 0o600))

	_, err := execute(t, "crawl", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, "underarmour", got.Site)
	assert.Equal(t, 9, got.Crawler.Workers)
}

func TestRetryRunsRetryPass(t *testing.T) {
	fake := &fakeApp{}
	withFakeApp(t, fake)

	_, err := execute(t, "retry", "--site", "yahoomovie")
	require.NoError(t, err)
	assert.True(t, fake.retried)
	assert.False(t, fake.crawled)
	assert.True(t, fake.closed)
}

func TestCrawlClosesAppOnFailure(t *testing.T) {
	fake := &fakeApp{crawlErr: errors.New("boom")}
	withFakeApp(t, fake)

	_, err := execute(t, "crawl", "--site", "yahoomovie")
	require.ErrorContains(t, err, "boom")
	assert.True(t, fake.closed)
}

func TestCrawlTreatsCancellationAsClean(t *testing.T) {
	fake := &fakeApp{crawlErr: context.Canceled}
	withFakeApp(t, fake)

	_, err := execute(t, "crawl", "--site", "yahoomovie")
	require.NoError(t, err)
	assert.True(t, fake.closed)
}

func TestCrawlRequiresSite(t *testing.T) {
	withFakeApp(t, &fakeApp{})

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "no site configured")
}

func TestSitesListsRegistry(t *testing.T) {
	out, err := execute(t, "sites")
	require.NoError(t, err)
	assert.Equal(t, []string{"underarmour", "underarmour-categories", "yahoomovie"}, strings.Fields(out))
}
