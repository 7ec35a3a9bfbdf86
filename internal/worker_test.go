package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _testWorkerOpts = workerOptions{
	fuzzy:           0.2,
	prefix:          true,
	previewMaxChars: 240,
	limit:           50,
	cpuBudget:       400 * time.Millisecond,
	caps:            readCaps{maxFiles: 500, maxBytesPerFile: 1 << 20},
}

func testFetcher(t *testing.T, handler http.Handler) (*Fetcher, string) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewFetcher(upstreamClient(), NewNopCache(), 8<<20, prometheus.NewPedanticRegistry()), ts.URL
}

func serveArchive(t *testing.T, files map[string]string) (*Fetcher, string) {
	t.Helper()
	return testFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, files))
	}))
}

func TestRunWorker(t *testing.T) {
	t.Parallel()

	fetcher, base := serveArchive(t, map[string]string{
		"en_ult/44-JHN.usfm":   `\v 16 For God so loved the world that he gave his only Son`,
		"en_ult/01-GEN.usfm":   `\v 1 In the beginning God created the heavens and the earth`,
		"en_ult/manifest.yaml": "dublin_core:",
	})

	desc := Descriptor{ResourceID: "en_ult", Kind: KindBible, ArchiveURL: base + "/en_ult.zip"}
	hits, diag := runWorker(context.Background(), fetcher, desc, "loved", _testWorkerOpts)

	require.Nil(t, diag)
	require.Len(t, hits, 1)
	assert.Equal(t, "en_ult", hits[0].Resource)
	assert.Equal(t, KindBible, hits[0].Kind)
	assert.Equal(t, "en_ult/44-JHN.usfm", hits[0].Path)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Contains(t, hits[0].Preview, "loved")
}

func TestRunWorkerHonorsLimit(t *testing.T) {
	t.Parallel()

	files := map[string]string{}
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		files["repo/"+name+".md"] = "grace appears in every file"
	}
	fetcher, base := serveArchive(t, files)

	opts := _testWorkerOpts
	opts.limit = 2

	desc := Descriptor{ResourceID: "en_tw", Kind: KindWords, ArchiveURL: base + "/en_tw.zip"}
	hits, diag := runWorker(context.Background(), fetcher, desc, "grace", opts)

	require.Nil(t, diag)
	assert.Len(t, hits, 2)
}

func TestRunWorkerBookFilter(t *testing.T) {
	t.Parallel()

	fetcher, base := serveArchive(t, map[string]string{
		"en_ult/44-JHN.usfm": `\v 1 In the beginning was the Word`,
		"en_ult/01-GEN.usfm": `\v 1 In the beginning God created`,
	})

	desc := Descriptor{
		ResourceID: "en_ult",
		Kind:       KindBible,
		ArchiveURL: base + "/en_ult.zip",
		bookFilter: "JHN",
	}
	hits, diag := runWorker(context.Background(), fetcher, desc, "beginning", _testWorkerOpts)

	require.Nil(t, diag)
	require.Len(t, hits, 1)
	assert.Equal(t, "en_ult/44-JHN.usfm", hits[0].Path)
}

func TestRunWorkerFetchNotFound(t *testing.T) {
	t.Parallel()

	fetcher, base := testFetcher(t, http.NotFoundHandler())

	desc := Descriptor{ResourceID: "en_missing", Kind: KindBible, ArchiveURL: base + "/nope.zip"}
	hits, diag := runWorker(context.Background(), fetcher, desc, "anything", _testWorkerOpts)

	assert.Empty(t, hits)
	require.NotNil(t, diag)
	assert.Equal(t, "en_missing", diag.Resource)
	assert.Equal(t, reasonFetchNotFound, diag.Reason)
}

func TestRunWorkerCorruptArchive(t *testing.T) {
	t.Parallel()

	fetcher, base := testFetcher(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("these are not zip bytes"))
	}))

	desc := Descriptor{ResourceID: "en_bad", Kind: KindBible, ArchiveURL: base + "/bad.zip"}
	hits, diag := runWorker(context.Background(), fetcher, desc, "anything", _testWorkerOpts)

	assert.Empty(t, hits)
	require.NotNil(t, diag)
	assert.Equal(t, reasonArchiveCorrupt, diag.Reason)
}

func TestRunWorkerCancelled(t *testing.T) {
	t.Parallel()

	fetcher, base := serveArchive(t, map[string]string{"a.md": "content"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	desc := Descriptor{ResourceID: "en_tw", Kind: KindWords, ArchiveURL: base + "/en_tw.zip"}
	hits, diag := runWorker(ctx, fetcher, desc, "content", _testWorkerOpts)

	assert.Empty(t, hits)
	require.NotNil(t, diag)
	assert.Equal(t, reasonCancelled, diag.Reason)
}

func TestRunWorkerBudgetExceeded(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"a.md": "needle in the first file",
		"b.md": "more text in another file",
	}
	fetcher, base := serveArchive(t, files)

	opts := _testWorkerOpts
	opts.cpuBudget = 0 // Exhausted before the first document.

	desc := Descriptor{ResourceID: "en_tw", Kind: KindWords, ArchiveURL: base + "/en_tw.zip"}
	hits, diag := runWorker(context.Background(), fetcher, desc, "needle", opts)

	assert.Empty(t, hits)
	require.NotNil(t, diag)
	assert.Equal(t, reasonBudgetExceeded, diag.Reason)
}
