package internal

import (
	"context"
	"errors"
	"net/http"
)

// statusErr maps an error to the HTTP status it should surface as.
type statusErr int

func (e statusErr) Error() string {
	return http.StatusText(int(e))
}

// Status returns the HTTP status for the error.
func (e statusErr) Status() int {
	return int(e)
}

var (
	errNotFound   = statusErr(http.StatusNotFound)
	errBadRequest = statusErr(http.StatusBadRequest)
	errInternal   = statusErr(http.StatusInternalServerError)

	errFetchTooLarge  = errors.New("archive exceeds size cap")
	errArchiveCorrupt = errors.New("archive corrupt")
)

// Terminal worker and catalog outcomes. These are data, not errors: they end
// up in the response's failures list so clients can see exactly which
// resources degraded.
const (
	reasonCatalogUnavailable = "CatalogUnavailable"
	reasonFetchTimeout       = "FetchTimeout"
	reasonFetchNotFound      = "FetchNotFound"
	reasonFetchTransient     = "FetchTransient"
	reasonFetchTooLarge      = "FetchTooLarge"
	reasonArchiveCorrupt     = "ArchiveCorrupt"
	reasonBudgetExceeded     = "BudgetExceeded"
	reasonWorkerTimeout      = "WorkerTimeout"
	reasonCancelled          = "Cancelled"
)

// reasonForErr buckets a fetch/read error into its diagnostic reason.
func reasonForErr(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return reasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return reasonFetchTimeout
	case errors.Is(err, errFetchTooLarge):
		return reasonFetchTooLarge
	case errors.Is(err, errArchiveCorrupt):
		return reasonArchiveCorrupt
	case errors.Is(err, errNotFound):
		return reasonFetchNotFound
	default:
		return reasonFetchTransient
	}
}
