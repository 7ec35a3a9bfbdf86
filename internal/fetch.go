package internal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

var _archiveTTL = 1 * time.Hour

// Fetcher downloads resource archives. A content-addressed cache sits in
// front of the network, and concurrent requests for the same URL are
// coalesced into a single download.
type Fetcher struct {
	upstream *http.Client
	cache    Cache[[]byte]
	group    singleflight.Group
	maxBytes int64
	metrics  *cacheMetrics
}

// NewFetcher creates a Fetcher. Archives larger than maxBytes are rejected.
func NewFetcher(upstream *http.Client, cache Cache[[]byte], maxBytes int64, reg *prometheus.Registry) *Fetcher {
	return &Fetcher{
		upstream: upstream,
		cache:    cache,
		maxBytes: maxBytes,
		metrics:  newCacheMetrics(reg),
	}
}

// archiveKey addresses an archive by a strong hash of its URL. URLs are
// authoritative per descriptor, so the URL is the identity.
func archiveKey(archiveURL string) string {
	sum := sha256.Sum256([]byte(archiveURL))
	return "ar" + hex.EncodeToString(sum[:16])
}

// Fetch returns the archive bytes for the URL, from cache when possible.
func (f *Fetcher) Fetch(ctx context.Context, archiveURL string) ([]byte, error) {
	key := archiveKey(archiveURL)

	if b, ok := f.cache.Get(ctx, key); ok {
		f.metrics.hitInc()
		return b, nil
	}
	f.metrics.missInc()

	// DoChan rather than Do so an expired deadline releases the caller even
	// while the shared download continues for whoever else wants it.
	ch := f.group.DoChan(key, func() (any, error) {
		return f.download(ctx, archiveURL, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) download(ctx context.Context, archiveURL, key string) ([]byte, error) {
	start := time.Now()

	// Detach from the caller so an abandoned worker doesn't kill the download
	// for the other coalesced callers. The archive cap bounds how long this
	// can run anyway.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating archive request: %w", err)
	}

	resp, err := f.upstream.Do(req)
	if err != nil {
		var s statusErr
		if errors.As(err, &s) && s.Status() == http.StatusNotFound {
			return nil, errNotFound
		}
		return nil, fmt.Errorf("fetching archive: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", errFetchTooLarge, resp.ContentLength)
	}

	// Read one byte past the cap so we can tell "exactly at the cap" from
	// "over it" even without a Content-Length.
	b, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	if int64(len(b)) > f.maxBytes {
		return nil, fmt.Errorf("%w: exceeds %d bytes", errFetchTooLarge, f.maxBytes)
	}

	Log(ctx).Debug("fetched archive", "url", archiveURL, "bytes", len(b), "duration", time.Since(start).String())

	// Write through in the background; the response path never waits on the
	// cache.
	go f.cache.Set(context.WithoutCancel(ctx), key, b, fuzz(_archiveTTL, 1.5))

	return b, nil
}
