package internal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// newTestEngine stands up an engine against the given upstream.
func newTestEngine(t *testing.T, mux http.Handler, opts Options) *Engine {
	t.Helper()

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	reg := prometheus.NewPedanticRegistry()
	resolver, err := NewResolver(upstreamClient(), ts.URL)
	require.NoError(t, err)
	fetcher := NewFetcher(upstreamClient(), NewNopCache(), 8<<20, reg)

	return NewEngine(resolver, fetcher, opts, reg)
}

// scriptureMux serves a two-resource catalog (a Bible and its translation
// notes) with archives that mention grace in John, Titus, and Genesis.
func scriptureMux(t *testing.T) *http.ServeMux {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/catalog/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data": [
			{"name": "en_ult", "owner": "unfoldingWord", "language": "en", "subject": "Aligned Bible", "branch_or_tag_name": "master"},
			{"name": "en_tn", "owner": "unfoldingWord", "language": "en", "subject": "TSV Translation Notes", "branch_or_tag_name": "master"}
		]}`)
	})
	mux.HandleFunc("/unfoldingWord/en_ult/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, map[string]string{
			"en_ult/44-JHN.usfm": `\c 1 \v 14 The Word became flesh, full of grace and truth`,
			"en_ult/57-TIT.usfm": `\c 2 \v 11 For the grace of God has appeared to all people`,
			"en_ult/01-GEN.usfm": `\c 1 \v 1 In the beginning God created the heavens and the earth`,
		}))
	})
	mux.HandleFunc("/unfoldingWord/en_tn/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, map[string]string{
			"en_tn/tn_JHN.tsv": "1:14\tJohn describes the fullness of grace in the Word",
			"en_tn/tn_TIT.tsv": "2:11\tThe grace of God appeared to everyone",
		}))
	})
	return mux
}

func TestSearchEndToEnd(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
	})
	require.NoError(t, err)

	assert.Equal(t, "grace", resp.Query)
	assert.Equal(t, 2, resp.ResourceCount)
	assert.Empty(t, resp.Failures)
	assert.GreaterOrEqual(t, resp.TookMs, int64(0))

	require.Len(t, resp.Hits, 4)
	for i, h := range resp.Hits {
		assert.Contains(t, strings.ToLower(h.Preview), "grace", "hit %d", i)
		if i > 0 {
			assert.LessOrEqual(t, h.Score, resp.Hits[i-1].Score)
		}
	}
}

func TestSearchLimit(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
		Limit:    ptr(3),
	})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 3)
}

func TestSearchLimitZero(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
		Limit:    ptr(0),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)
	assert.Equal(t, 2, resp.ResourceCount)
}

func TestSearchExcludesHelps(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:        "grace",
		Language:     "en",
		Owner:        "unfoldingWord",
		IncludeHelps: ptr(false),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.ResourceCount)
	require.Len(t, resp.Hits, 2)
	for _, h := range resp.Hits {
		assert.Equal(t, KindBible, h.Kind)
	}
}

func TestSearchReferenceFiltersBooks(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:     "grace",
		Language:  "en",
		Owner:     "unfoldingWord",
		Reference: "Titus 2:11",
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	for _, h := range resp.Hits {
		assert.Contains(t, h.Path, "TIT")
	}
}

func TestSearchReferenceDoesNotStickToLaterSearches(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})
	ctx := context.Background()
	unfiltered := SearchRequest{Query: "grace", Language: "en", Owner: "unfoldingWord"}

	// Warm the descriptor memo with an unfiltered search.
	resp, err := e.Search(ctx, unfiltered)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 4)
	e.resolver.memo.(*memCache[[]Descriptor]).wait()

	filtered := unfiltered
	filtered.Reference = "Titus 2:11"
	resp, err = e.Search(ctx, filtered)
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)

	// The filtered search annotated its own descriptors; the memoized list
	// must be untouched and the next unfiltered search sees every book.
	resp, err = e.Search(ctx, unfiltered)
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 4)
}

func TestGatherResultsKeepsBufferedCompletions(t *testing.T) {
	t.Parallel()

	results := make(chan workerResult, 3)
	results <- workerResult{idx: 0, hits: []Hit{{Path: "a.usfm"}}}
	results <- workerResult{idx: 2, diag: &Diagnostic{Resource: "en_tn", Reason: reasonFetchNotFound}}

	// The deadline has already fired, but two workers finished in time;
	// neither may be dropped or mislabeled as timed out.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got []int
	gatherResults(ctx, 3, results, func(res workerResult) { got = append(got, res.idx) })
	assert.ElementsMatch(t, []int{0, 2}, got)
}

func TestGatherResultsCompletes(t *testing.T) {
	t.Parallel()

	results := make(chan workerResult, 2)
	results <- workerResult{idx: 0}
	results <- workerResult{idx: 1}

	var got []int
	gatherResults(context.Background(), 2, results, func(res workerResult) { got = append(got, res.idx) })
	assert.ElementsMatch(t, []int{0, 1}, got)
}

func TestSearchUnresolvableReferenceSearchesEverything(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:     "grace",
		Language:  "en",
		Owner:     "unfoldingWord",
		Reference: "Atlantis 9",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 4)
}

func TestSearchFuzzyRanksBelowExact(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	exact, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
	})
	require.NoError(t, err)

	fuzzy, err := e.Search(context.Background(), SearchRequest{
		Query:    "graec",
		Language: "en",
		Owner:    "unfoldingWord",
		Fuzzy:    ptr(0.3),
	})
	require.NoError(t, err)

	require.NotEmpty(t, exact.Hits)
	require.NotEmpty(t, fuzzy.Hits)
	assert.Greater(t, exact.Hits[0].Score, fuzzy.Hits[0].Score)
}

func TestSearchPartialFailure(t *testing.T) {
	t.Parallel()

	// The notes archive is gone; scripture still answers.
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/catalog/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data": [
			{"name": "en_ult", "owner": "unfoldingWord", "language": "en", "subject": "Aligned Bible", "branch_or_tag_name": "master"},
			{"name": "en_tn", "owner": "unfoldingWord", "language": "en", "subject": "TSV Translation Notes", "branch_or_tag_name": "master"}
		]}`)
	})
	mux.HandleFunc("/unfoldingWord/en_ult/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, map[string]string{
			"en_ult/44-JHN.usfm": `\v 14 full of grace and truth`,
			"en_ult/57-TIT.usfm": `\v 11 the grace of God has appeared`,
		}))
	})

	e := newTestEngine(t, mux, Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Hits, 2)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "en_tn", resp.Failures[0].Resource)
	assert.Equal(t, reasonFetchNotFound, resp.Failures[0].Reason)
}

func TestSearchSlowResourceDegrades(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/catalog/search", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"data": [
			{"name": "en_ult", "owner": "unfoldingWord", "language": "en", "subject": "Aligned Bible", "branch_or_tag_name": "master"},
			{"name": "en_slow", "owner": "unfoldingWord", "language": "en", "subject": "Bible", "branch_or_tag_name": "master"}
		]}`)
	})
	mux.HandleFunc("/unfoldingWord/en_ult/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, map[string]string{
			"en_ult/44-JHN.usfm": `\v 14 full of grace and truth`,
		}))
	})
	mux.HandleFunc("/unfoldingWord/en_slow/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
		_, _ = w.Write(makeArchive(t, map[string]string{"en_slow/x.usfm": "grace delayed"}))
	})

	// A 50ms CPU budget caps each worker's deadline at 100ms, well under the
	// slow archive's 500ms, so the slow resource times out on its own.
	e := newTestEngine(t, mux, Options{CPUBudget: 50 * time.Millisecond})

	start := time.Now()
	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
	})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "en_slow", resp.Failures[0].Resource)
	assert.Equal(t, reasonFetchTimeout, resp.Failures[0].Reason)

	// Scripture from the healthy resource still came back.
	assert.NotEmpty(t, resp.Hits)
}

func TestSearchCatalogFallback(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/catalog/search", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "catalog down", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/unfoldingWord/en_ult/archive/master.zip", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(makeArchive(t, map[string]string{
			"en_ult/44-JHN.usfm": `\v 14 full of grace and truth`,
		}))
	})
	mux.HandleFunc("/", http.NotFound)

	e := newTestEngine(t, mux, Options{})

	resp, err := e.Search(context.Background(), SearchRequest{
		Query:    "grace",
		Language: "en",
		Owner:    "unfoldingWord",
	})
	require.NoError(t, err)

	assert.Equal(t, 8, resp.ResourceCount)
	require.NotEmpty(t, resp.Failures)
	assert.Equal(t, "catalog", resp.Failures[0].Resource)
	assert.Equal(t, reasonCatalogUnavailable, resp.Failures[0].Reason)

	// The one archive that exists still produced hits; the rest 404ed.
	require.Len(t, resp.Hits, 1)
	notFound := 0
	for _, f := range resp.Failures[1:] {
		if f.Reason == reasonFetchNotFound {
			notFound++
		}
	}
	assert.Equal(t, 7, notFound)
}

func TestSearchValidation(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, scriptureMux(t), Options{})

	tests := []struct {
		name string
		req  SearchRequest
	}{
		{"empty query", SearchRequest{Query: "  ", Language: "en", Owner: "o"}},
		{"query too long", SearchRequest{Query: strings.Repeat("q", 513), Language: "en", Owner: "o"}},
		{"missing language", SearchRequest{Query: "grace", Owner: "o"}},
		{"missing owner", SearchRequest{Query: "grace", Language: "en"}},
		{"limit too large", SearchRequest{Query: "grace", Language: "en", Owner: "o", Limit: ptr(201)}},
		{"negative limit", SearchRequest{Query: "grace", Language: "en", Owner: "o", Limit: ptr(-1)}},
		{"fuzzy out of range", SearchRequest{Query: "grace", Language: "en", Owner: "o", Fuzzy: ptr(1.5)}},
		{"zero timeout", SearchRequest{Query: "grace", Language: "en", Owner: "o", TimeoutMs: ptr(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := e.Search(context.Background(), tt.req)
			assert.ErrorIs(t, err, errBadRequest)
		})
	}
}
