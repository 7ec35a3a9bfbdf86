package internal

import (
	"context"
	"time"
)

// Hit is one ranked search result.
type Hit struct {
	Resource string       `json:"resource"`
	Kind     ResourceKind `json:"type"`
	Path     string       `json:"path"`
	Score    float64      `json:"score"`
	Preview  string       `json:"preview"`
}

// Diagnostic records why a resource degraded or dropped out of a response.
type Diagnostic struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// workerOptions bounds a single worker run.
type workerOptions struct {
	fuzzy           float64
	prefix          bool
	previewMaxChars int
	limit           int
	cpuBudget       time.Duration
	caps            readCaps
}

// runWorker executes the full per-resource pipeline: fetch, read, index,
// query, preview, bound. It never returns an error; every failure mode is a
// single terminal diagnostic with no hits. A budget overrun is the one
// degraded-success case: partial hits plus a BudgetExceeded diagnostic.
func runWorker(ctx context.Context, fetcher *Fetcher, desc Descriptor, query string, opts workerOptions) ([]Hit, *Diagnostic) {
	diag := func(reason string) *Diagnostic {
		return &Diagnostic{Resource: desc.ResourceID, Reason: reason}
	}

	if ctx.Err() != nil {
		return nil, diag(reasonCancelled)
	}

	archive, err := fetcher.Fetch(ctx, desc.ArchiveURL)
	if err != nil {
		Log(ctx).Debug("worker fetch failed", "resource", desc.ResourceID, "err", err)
		return nil, diag(reasonForErr(err))
	}

	seq, err := entries(ctx, archive, desc.Kind, desc.bookFilter, opts.caps)
	if err != nil {
		Log(ctx).Warn("unreadable archive", "resource", desc.ResourceID, "err", err)
		return nil, diag(reasonArchiveCorrupt)
	}

	ix := newIndex()
	start := time.Now()
	budgetExceeded := false

	for path, text := range seq {
		// Reading and indexing are the worker's suspension points: observe
		// cancellation and the CPU budget between documents.
		if ctx.Err() != nil {
			return nil, diag(reasonCancelled)
		}
		if time.Since(start) > opts.cpuBudget {
			budgetExceeded = true
			break
		}
		ix.add(path, text)
	}

	if ctx.Err() != nil {
		return nil, diag(reasonCancelled)
	}

	scored := ix.search(query, opts.fuzzy, opts.prefix)
	if len(scored) > opts.limit {
		scored = scored[:opts.limit]
	}

	hits := make([]Hit, 0, len(scored))
	for _, d := range scored {
		hits = append(hits, Hit{
			Resource: desc.ResourceID,
			Kind:     desc.Kind,
			Path:     d.path,
			Score:    d.score,
			Preview:  preview(d.content, d.terms, opts.previewMaxChars),
		})
	}

	Log(ctx).Debug("worker done",
		"resource", desc.ResourceID,
		"docs", ix.size(),
		"hits", len(hits),
		"budgetExceeded", budgetExceeded,
		"duration", time.Since(start).String(),
	)

	if budgetExceeded {
		return hits, diag(reasonBudgetExceeded)
	}
	return hits, nil
}
