package network

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// Network performs requests against the live network.
// A returned error means the network could not be reached; HTTP error statuses are not errors.
type Network interface {
	Fetch(ctx context.Context, r *http.Request) (*http.Response, error)
}

// Func adapts a function to the Network interface.
type Func func(ctx context.Context, r *http.Request) (*http.Response, error)

func (f Func) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	return f(ctx, r)
}

// Origin sends requests to a single origin server.
type Origin struct {
	transport http.RoundTripper
	director  func(*http.Request)
}

// NewOrigin returns a network for the given origin URL.
// Origins with paths are not supported.
// If host is set, it is used for the Host header and TLS negotiation,
// e.g. when the origin URL is just an IP address.
func NewOrigin(origin url.URL, host string, transport http.RoundTripper) *Origin {
	hostHeader := origin.Host
	if transport == nil {
		transport = http.DefaultTransport
		if host != "" {
			transport = &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					ServerName: host,
				},
			}
		}
	}
	if host != "" {
		hostHeader = host
	}
	return &Origin{
		transport: transport,
		director:  createDirector(origin.Scheme, origin.Host, hostHeader),
	}
}

// Fetch sends a copy of the request to the origin.
// The incoming request is not modified.
func (o *Origin) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	out := r.Clone(ctx)
	// server requests carry these, client requests must not
	out.RequestURI = ""
	if r.ContentLength == 0 {
		out.Body = nil
	}
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	o.director(out)

	res, err := o.transport.RoundTrip(out)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", out.URL.Redacted())
	}
	return res, nil
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// Hop-by-hop headers, which are not forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}
