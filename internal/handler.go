package internal

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// handler is our HTTP surface. It defers all real work to the engine and
// handles muxing, parameter parsing, and response headers.
type handler struct {
	engine *Engine
}

// NewRouter registers the search routes on a new chi router.
func NewRouter(engine *Engine, reg *prometheus.Registry) http.Handler {
	h := &handler{engine: engine}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(instrument(reg))

	// Identical GETs arriving together share one search.
	coalesced := stampede.Handler(512, 1*time.Second)

	r.With(coalesced).Get("/search", h.getSearch)
	r.Post("/search", h.postSearch)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metricz", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}

// postSearch handles POST /search with a JSON body.
func (h *handler) postSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := sonic.ConfigStd.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, fmt.Errorf("parsing request body: %w", errors.Join(err, errBadRequest)))
		return
	}
	h.serve(w, r, req)
}

// getSearch handles GET /search with query parameters, for small queries and
// CDN cachability.
func (h *handler) getSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := SearchRequest{
		Query:     q.Get("query"),
		Language:  q.Get("language"),
		Owner:     q.Get("owner"),
		Reference: q.Get("reference"),
	}

	var err error
	if req.Limit, err = intParam(q.Get("limit")); err == nil {
		req.TimeoutMs, err = intParam(q.Get("timeoutMs"))
	}
	if err == nil {
		req.IncludeHelps, err = boolParam(q.Get("includeHelps"))
	}
	if err == nil {
		req.Prefix, err = boolParam(q.Get("prefix"))
	}
	if err == nil {
		req.Fuzzy, err = floatParam(q.Get("fuzzy"))
	}
	if err != nil {
		h.error(w, errors.Join(err, errBadRequest))
		return
	}

	h.serve(w, r, req)
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, req SearchRequest) {
	resp, err := h.engine.Search(r.Context(), req)
	if err != nil {
		h.error(w, err)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	if r.Method == http.MethodGet {
		// Short CDN cache; archives are content-immutable within a version.
		w.Header().Add("Cache-Control", "public, s-maxage=60, max-age=60")
	}
	w.WriteHeader(http.StatusOK)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(resp); err != nil {
		Log(r.Context()).Warn("problem encoding response", "err", err)
	}
}

func (*handler) error(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var s statusErr
	if errors.As(err, &s) {
		status = s.Status()
	}
	http.Error(w, err.Error(), status)
}

func intParam(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func boolParam(v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func floatParam(v string) (*float64, error) {
	if v == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
