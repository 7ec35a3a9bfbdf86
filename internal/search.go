package internal

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Request validation bounds.
const (
	_maxQueryChars    = 512
	_maxLimit         = 200
	_defaultLimit     = 50
	_defaultFuzzy     = 0.2
	_maxTimeout       = 5000 * time.Millisecond
	_perWorkerHits    = 50
	_defaultCPUBudget = 400 * time.Millisecond
)

// Options configures the engine. Zero values fall back to the recommended
// defaults.
type Options struct {
	MaxParallelism      int
	DefaultTimeout      time.Duration
	MaxArchiveBytes     int64
	MaxFilesPerResource int
	PreviewMaxChars     int
	CPUBudget           time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParallelism <= 0 {
		o.MaxParallelism = 16
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 2500 * time.Millisecond
	}
	if o.MaxArchiveBytes <= 0 {
		o.MaxArchiveBytes = 8 << 20
	}
	if o.MaxFilesPerResource <= 0 {
		o.MaxFilesPerResource = 500
	}
	if o.PreviewMaxChars <= 0 {
		o.PreviewMaxChars = 240
	}
	if o.CPUBudget <= 0 {
		o.CPUBudget = _defaultCPUBudget
	}
	return o
}

// SearchRequest is the caller's input. Pointer fields distinguish "absent"
// (use the default) from an explicit zero.
type SearchRequest struct {
	Query        string   `json:"query"`
	Language     string   `json:"language"`
	Owner        string   `json:"owner"`
	Reference    string   `json:"reference,omitempty"`
	Limit        *int     `json:"limit,omitempty"`
	IncludeHelps *bool    `json:"includeHelps,omitempty"`
	Fuzzy        *float64 `json:"fuzzy,omitempty"`
	Prefix       *bool    `json:"prefix,omitempty"`
	TimeoutMs    *int     `json:"timeoutMs,omitempty"`
}

// SearchResponse is the merged result of one fan-out.
type SearchResponse struct {
	TookMs        int64        `json:"tookMs"`
	Query         string       `json:"query"`
	Language      string       `json:"language"`
	Owner         string       `json:"owner"`
	ResourceCount int          `json:"resourceCount"`
	Hits          []Hit        `json:"hits"`
	Failures      []Diagnostic `json:"failures"`
}

// params is a validated, defaulted request.
type params struct {
	limit        int
	includeHelps bool
	fuzzy        float64
	prefix       bool
	timeout      time.Duration
}

// Engine coordinates one ephemeral search: resolve descriptors, fan a worker
// out per resource under a global deadline, then merge. It holds no search
// state between requests; the only shared state is the archive cache and the
// descriptor memo, both pure accelerators.
type Engine struct {
	resolver *Resolver
	fetcher  *Fetcher
	opts     Options
	metrics  *searchMetrics
}

// NewEngine creates an Engine.
func NewEngine(resolver *Resolver, fetcher *Fetcher, opts Options, reg *prometheus.Registry) *Engine {
	return &Engine{
		resolver: resolver,
		fetcher:  fetcher,
		opts:     opts.withDefaults(),
		metrics:  newSearchMetrics(reg),
	}
}

func (e *Engine) validate(req SearchRequest) (params, error) {
	p := params{
		limit:        _defaultLimit,
		includeHelps: true,
		fuzzy:        _defaultFuzzy,
		prefix:       true,
		timeout:      e.opts.DefaultTimeout,
	}

	if strings.TrimSpace(req.Query) == "" {
		return p, fmt.Errorf("query must not be empty: %w", errBadRequest)
	}
	if len(req.Query) > _maxQueryChars {
		return p, fmt.Errorf("query exceeds %d characters: %w", _maxQueryChars, errBadRequest)
	}
	if req.Language == "" || req.Owner == "" {
		return p, fmt.Errorf("language and owner are required: %w", errBadRequest)
	}

	if req.Limit != nil {
		if *req.Limit < 0 || *req.Limit > _maxLimit {
			return p, fmt.Errorf("limit must be between 0 and %d: %w", _maxLimit, errBadRequest)
		}
		p.limit = *req.Limit
	}
	if req.IncludeHelps != nil {
		p.includeHelps = *req.IncludeHelps
	}
	if req.Fuzzy != nil {
		if *req.Fuzzy < 0 || *req.Fuzzy > 1 {
			return p, fmt.Errorf("fuzzy must be between 0.0 and 1.0: %w", errBadRequest)
		}
		p.fuzzy = *req.Fuzzy
	}
	if req.Prefix != nil {
		p.prefix = *req.Prefix
	}
	if req.TimeoutMs != nil {
		if *req.TimeoutMs <= 0 {
			return p, fmt.Errorf("timeoutMs must be positive: %w", errBadRequest)
		}
		p.timeout = time.Duration(*req.TimeoutMs) * time.Millisecond
	}
	p.timeout = min(p.timeout, _maxTimeout)

	return p, nil
}

// Search runs one request end to end. Partial failure is the norm: the error
// return is non-nil only for invalid requests or when no resource could even
// be attempted.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()

	p, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	descs, usedFallback, err := e.resolver.Resolve(ctx, req.Language, req.Owner, p.includeHelps)
	if err != nil || len(descs) == 0 {
		Log(ctx).Error("no descriptors resolvable", "language", req.Language, "owner", req.Owner, "err", err)
		return nil, fmt.Errorf("no resources resolvable: %w", errInternal)
	}

	if req.Reference != "" {
		if code, ok := resolveBook(req.Reference); ok {
			for i := range descs {
				descs[i].bookFilter = code
			}
		} else {
			// An unresolvable book drops the filter rather than silently
			// returning nothing.
			Log(ctx).Debug("could not resolve reference, searching everything", "reference", req.Reference)
		}
	}

	failures := []Diagnostic{}
	if usedFallback {
		failures = append(failures, Diagnostic{Resource: "catalog", Reason: reasonCatalogUnavailable})
	}

	wopts := workerOptions{
		fuzzy:           p.fuzzy,
		prefix:          p.prefix,
		previewMaxChars: e.opts.PreviewMaxChars,
		limit:           min(p.limit, _perWorkerHits),
		cpuBudget:       e.opts.CPUBudget,
		caps: readCaps{
			maxFiles:        e.opts.MaxFilesPerResource,
			maxBytesPerFile: 1 << 20,
		},
	}

	// Buffered so abandoned workers can still complete without leaking.
	results := make(chan workerResult, len(descs))

	var g errgroup.Group
	g.SetLimit(min(len(descs), e.opts.MaxParallelism))
	deadline, _ := ctx.Deadline()

	for i, d := range descs {
		g.Go(func() error {
			// Each worker gets its own deadline so one slow resource can't
			// consume the whole global budget.
			wctx, wcancel := context.WithTimeout(ctx, min(2*e.opts.CPUBudget, time.Until(deadline)))
			defer wcancel()

			hits, diag := runWorker(wctx, e.fetcher, d, req.Query, wopts)
			results <- workerResult{idx: i, hits: hits, diag: diag}
			return nil
		})
	}

	hits := []Hit{}
	completed := make([]bool, len(descs))

	gatherResults(ctx, len(descs), results, func(res workerResult) {
		completed[res.idx] = true
		hits = append(hits, res.hits...)
		if res.diag != nil {
			failures = append(failures, *res.diag)
			e.metrics.workerDoneInc(res.diag.Reason)
		} else {
			e.metrics.workerDoneInc("")
		}
	})

	// Workers that missed the global deadline are abandoned; their in-flight
	// work winds down via ctx.
	for i, d := range descs {
		if !completed[i] {
			failures = append(failures, Diagnostic{Resource: d.ResourceID, Reason: reasonWorkerTimeout})
			e.metrics.workerDoneInc(reasonWorkerTimeout)
		}
	}

	mergeHits(hits)
	if len(hits) > p.limit {
		hits = hits[:p.limit]
	}

	e.metrics.durationObserve(time.Since(start))

	return &SearchResponse{
		TookMs:        time.Since(start).Milliseconds(),
		Query:         req.Query,
		Language:      req.Language,
		Owner:         req.Owner,
		ResourceCount: len(descs),
		Hits:          hits,
		Failures:      failures,
	}, nil
}

// workerResult is one worker's terminal report.
type workerResult struct {
	idx  int
	hits []Hit
	diag *Diagnostic
}

// gatherResults absorbs worker results until n have reported or ctx expires.
// A result already buffered when the deadline fires came from a worker that
// finished in time, so the channel is drained before giving up; only workers
// that truly never reported are left for the caller to abandon.
func gatherResults(ctx context.Context, n int, results <-chan workerResult, absorb func(workerResult)) {
collect:
	for done := 0; done < n; done++ {
		select {
		case res := <-results:
			absorb(res)
		case <-ctx.Done():
			break collect
		}
	}

	for {
		select {
		case res := <-results:
			absorb(res)
		default:
			return
		}
	}
}

// mergeHits applies the global rerank: score descending, ties broken by
// resource-kind priority then path. Scores merge raw across workers; every
// worker's corpus is bounded by the same caps, so the BM25 scales stay
// comparable, and normalizing per worker would erase the ordering between
// exact and fuzzy matches.
func mergeHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if d := a.Kind.priority() - b.Kind.priority(); d != 0 {
			return d
		}
		return strings.Compare(a.Path, b.Path)
	})
}
