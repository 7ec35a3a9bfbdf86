// door43-search is a stateless full-text search engine for Door43 scripture
// and translation-help resources. Every query builds its indexes from scratch
// against freshly fetched (or cached) archives, so there is nothing to keep
// consistent between replicas.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit" // Sets GOMEMLIMIT under cgroups.
	"github.com/alecthomas/kong"
	"golang.org/x/time/rate"

	"github.com/bt-toolkit/door43-search/internal"
)

type cli struct {
	Serve serveCmd `cmd:"" default:"1" help:"Run the search server."`

	Verbose bool `env:"SEARCH_VERBOSE" help:"Enable debug logging."`
}

type serveCmd struct {
	Port         int    `default:"8788" env:"PORT" help:"Port to listen on."`
	UpstreamBase string `default:"https://git.door43.org" env:"SEARCH_UPSTREAM_BASE" help:"Base URL of the catalog and archive host."`
	UpstreamRPS  int    `default:"10" env:"SEARCH_UPSTREAM_RPS" help:"Upstream request rate limit."`

	MaxParallelism      int   `default:"16" env:"SEARCH_MAX_PARALLELISM" help:"Maximum concurrent per-resource workers."`
	TimeoutMsDefault    int   `default:"2500" env:"SEARCH_TIMEOUT_MS_DEFAULT" help:"Default global search deadline."`
	ArchiveMaxBytes     int64 `default:"8388608" env:"SEARCH_ARCHIVE_MAX_BYTES" help:"Largest archive accepted."`
	MaxFilesPerResource int   `default:"500" env:"SEARCH_MAX_FILES_PER_RESOURCE" help:"Most files indexed per archive."`
	PreviewMaxChars     int   `default:"240" env:"SEARCH_PREVIEW_MAX_CHARS" help:"Preview length cap."`

	CacheEnabled bool   `default:"true" env:"SEARCH_CACHE_ENABLED" negatable:"" help:"Cache archive bytes in memory."`
	PostgresDSN  string `env:"SEARCH_POSTGRES_DSN" help:"Optional DSN for a shared archive cache."`
}

func main() {
	c := cli{}
	ktx := kong.Parse(&c, kong.UsageOnError())
	internal.SetVerbose(c.Verbose)
	ktx.FatalIfErrorf(ktx.Run())
}

func (s *serveCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base, err := url.Parse(s.UpstreamBase)
	if err != nil || base.Host == "" {
		return fmt.Errorf("invalid upstream base %q", s.UpstreamBase)
	}

	reg := internal.NewMetrics()
	upstream := internal.NewUpstream(base.Host, rate.Limit(s.UpstreamRPS))

	archives := internal.NewNopCache()
	if s.CacheEnabled {
		mem, err := internal.NewArchiveCache(s.ArchiveMaxBytes * 4)
		if err != nil {
			return fmt.Errorf("creating archive cache: %w", err)
		}
		archives = mem
		if s.PostgresDSN != "" {
			archives, err = internal.NewPostgresCache(ctx, mem, s.PostgresDSN)
			if err != nil {
				return fmt.Errorf("creating shared archive cache: %w", err)
			}
		}
	}

	resolver, err := internal.NewResolver(upstream, s.UpstreamBase)
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}
	fetcher := internal.NewFetcher(upstream, archives, s.ArchiveMaxBytes, reg)

	engine := internal.NewEngine(resolver, fetcher, internal.Options{
		MaxParallelism:      s.MaxParallelism,
		DefaultTimeout:      time.Duration(s.TimeoutMsDefault) * time.Millisecond,
		MaxArchiveBytes:     s.ArchiveMaxBytes,
		MaxFilesPerResource: s.MaxFilesPerResource,
		PreviewMaxChars:     s.PreviewMaxChars,
	}, reg)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           internal.NewRouter(engine, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		internal.Log(ctx).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	internal.Log(ctx).Info("serving", "addr", server.Addr, "upstream", s.UpstreamBase)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
