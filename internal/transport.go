package internal

import (
	"net/http"

	"golang.org/x/time/rate"
)

// NewUpstream creates an http.Client scoped to the given host with rate
// limiting and error proxying applied. Both the catalog API and the archive
// store live on the same host, so one client serves both.
func NewUpstream(host string, rps rate.Limit) *http.Client {
	return &http.Client{
		Transport: throttledTransport{
			Limiter: rate.NewLimiter(rps, int(rps)+1),
			RoundTripper: scopedTransport{
				host:         host,
				RoundTripper: errorProxyTransport{http.DefaultTransport},
			},
		},
	}
}

// throttledTransport rate limits requests.
type throttledTransport struct {
	http.RoundTripper
	*rate.Limiter
}

func (t throttledTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if err := t.Limiter.Wait(r.Context()); err != nil {
		return nil, err
	}
	return t.RoundTripper.RoundTrip(r)
}

// scopedTransport restricts requests to a particular host.
type scopedTransport struct {
	host string
	http.RoundTripper
}

// RoundTrip forces the request to stick to the given host, so redirects can't
// send us elsewhere.
func (t scopedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r.URL.Scheme = "https"
	r.URL.Host = t.host
	return t.RoundTripper.RoundTrip(r)
}

// errorProxyTransport returns a non-nil statusErr for all response codes 400
// and above so callers can bucket upstream failures by status.
type errorProxyTransport struct {
	http.RoundTripper
}

func (t errorProxyTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.RoundTripper.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		_ = resp.Body.Close()
		return nil, statusErr(resp.StatusCode)
	}
	return resp, nil
}
