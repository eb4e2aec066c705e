// Package gateway implements the metadata endpoint seen by containers.
//
// Each request passes through a fixed sequence: the API version gate, path
// classification, then either authorization and a locally generated answer
// (role info, role list, credentials) or a streamed passthrough to the real
// metadata service. No state is kept between requests.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/majorcontext/metaproxy/internal/credential"
	"github.com/majorcontext/metaproxy/internal/inventory"
	"github.com/majorcontext/metaproxy/internal/log"
	"github.com/majorcontext/metaproxy/internal/metrics"
	"github.com/majorcontext/metaproxy/internal/role"
	"k8s.io/utils/clock"
)

// statusClientClosedRequest is logged when the caller went away before a
// response was written.
const statusClientClosedRequest = 499

// Locator finds the container behind a remote address.
type Locator interface {
	Lookup(addr string) (inventory.ContainerIdentity, error)
}

// CredentialSource returns credentials for an authorized binding.
type CredentialSource interface {
	Get(ctx context.Context, binding role.Binding) (*credential.Credentials, error)
}

// RequestLog describes one finished request.
type RequestLog struct {
	Client    string
	Time      time.Time
	Method    string
	Path      string
	Proto     string
	Status    int
	Kind      Kind
	Container string
	Role      string
	Duration  time.Duration
}

// Options configures a Gateway.
type Options struct {
	Locator     Locator
	Resolver    *role.Resolver
	Credentials CredentialSource

	// UpstreamURL is the base URL of the real metadata service.
	UpstreamURL string
	// Transport for passthrough. Defaults to a transport bounded by
	// UpstreamTimeout.
	Transport http.RoundTripper
	// UpstreamTimeout bounds connecting to the upstream and waiting for its
	// response headers.
	UpstreamTimeout time.Duration
	// RequestTimeout bounds each request end to end.
	RequestTimeout time.Duration

	// RequestLoggers receive every RequestLog in addition to the access log.
	RequestLoggers []func(RequestLog)

	// Clock defaults to the real clock.
	Clock clock.PassiveClock
}

// Gateway is the http.Handler for the metadata listener.
type Gateway struct {
	locator        Locator
	resolver       *role.Resolver
	credentials    CredentialSource
	upstream       *url.URL
	client         *http.Client
	requestTimeout time.Duration
	loggers        []func(RequestLog)
	clock          clock.PassiveClock
}

// New creates a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Locator == nil || opts.Resolver == nil || opts.Credentials == nil {
		return nil, errors.New("gateway requires a locator, resolver and credential source")
	}
	upstream, err := url.Parse(opts.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("upstream URL %q must be absolute", opts.UpstreamURL)
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 5 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = newUpstreamTransport(opts.UpstreamTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	return &Gateway{
		locator:     opts.Locator,
		resolver:    opts.Resolver,
		credentials: opts.Credentials,
		upstream:    upstream,
		client: &http.Client{
			Transport: opts.Transport,
			// Redirects are relayed to the caller, not followed.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: opts.RequestTimeout,
		loggers:        opts.RequestLoggers,
		clock:          opts.Clock,
	}, nil
}

func newUpstreamTransport(timeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy:                 nil,
		DialContext:           (&net.Dialer{Timeout: timeout}).DialContext,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		// Bodies are relayed byte for byte.
		DisableCompression: true,
	}
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := g.clock.Now()
	ctx, cancel := context.WithTimeout(r.Context(), g.requestTimeout)
	defer cancel()
	r = r.WithContext(ctx)

	rec := &statusRecorder{ResponseWriter: w}
	pr := Classify(r.URL.Path)
	pr.Source = r.RemoteAddr
	if pr.Path != r.URL.Path {
		u := *r.URL
		u.Path, u.RawPath = pr.Path, ""
		r.URL = &u
	}

	var res served
	switch {
	case pr.Kind == KindPassthrough:
		g.passthrough(rec, r)
	case r.Method != http.MethodGet && r.Method != http.MethodHead:
		rec.Header().Set("Allow", "GET, HEAD")
		rec.WriteHeader(http.StatusMethodNotAllowed)
	default:
		res = g.serveIAM(rec, r, pr)
	}

	status := rec.status
	if status == 0 {
		if r.Context().Err() != nil {
			status = statusClientClosedRequest
		} else {
			status = http.StatusOK
		}
	}
	g.finish(RequestLog{
		Client:    clientAddr(r.RemoteAddr),
		Time:      start,
		Method:    r.Method,
		Path:      r.URL.Path,
		Proto:     r.Proto,
		Status:    status,
		Kind:      pr.Kind,
		Container: res.container,
		Role:      res.role,
		Duration:  g.clock.Since(start),
	})
}

func (g *Gateway) finish(entry RequestLog) {
	log.Access(entry.Client, entry.Method, entry.Path, entry.Proto, entry.Status, entry.Duration)
	metrics.ObserveRequest(entry.Kind.String(), entry.Status, entry.Duration)
	for _, sink := range g.loggers {
		sink(entry)
	}
}

func clientAddr(remote string) string {
	if ip := inventory.NormalizeAddr(remote); ip != "" {
		return ip
	}
	return remote
}

// statusRecorder remembers the status written through it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
