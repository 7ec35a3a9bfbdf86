package internal

import (
	"context"
	"os"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattn/go-isatty"
)

var _logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	Formatter:       formatter(),
})

// Log returns a logger annotated with the request ID, if the context carries
// one. Background goroutines stash synthetic IDs in the same key so their
// output stays attributable.
func Log(ctx context.Context) *log.Logger {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return _logger.With("req", id)
	}
	return _logger
}

// SetVerbose enables debug logging.
func SetVerbose(verbose bool) {
	if verbose {
		_logger.SetLevel(log.DebugLevel)
	}
}

// formatter uses logfmt when output isn't a terminal.
func formatter() log.Formatter {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return log.TextFormatter
	}
	return log.LogfmtFormatter
}
