// Package uplink implements the Uplink Proxy (spec §4.2): one instance
// per configured upstream registry, encapsulating conditional manifest
// fetches and tarball streaming behind a stable name.
package uplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/packhouse/registry-core/pkg/observability"
	"github.com/packhouse/registry-core/pkg/registry"

	httptransport "github.com/go-kit/kit/transport/http"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrNotModified is the sentinel the merge engine treats as
// success-with-no-body when an uplink answers 304 (spec §4.2).
var ErrNotModified = errors.New("uplink: not modified")

// Uplink is the contract the merge engine and the tarball pipeline
// depend on. *Proxy below is the HTTP-backed implementation; tests
// substitute a fake that satisfies the same interface.
type Uplink interface {
	Name() string
	MaxAge() time.Duration
	CacheEnabled() bool
	Matches(packageName string) bool
	GetRemoteMetadata(ctx context.Context, name, etag string) (*registry.Manifest, string, error)
	FetchTarball(ctx context.Context, url string) (io.ReadCloser, int64, error)
}

// Options configures a Proxy. It is constructed by the caller (the
// process wiring up the uplink registry); this package does no config
// parsing (spec §1 Non-goals).
type Options struct {
	Name         string
	BaseURL      string
	AuthHeaders  map[string]string
	MaxAge       time.Duration
	Timeout      time.Duration
	CacheEnabled bool
	// ProxyAccess is the regex a package name must match for this
	// uplink to participate in its merges (spec §4.4 step 1). Nil means
	// "matches everything".
	ProxyAccess *regexp.Regexp
}

// Proxy is the HTTP-backed Uplink implementation.
type Proxy struct {
	name         string
	baseURL      string
	authHeaders  map[string]string
	maxAge       time.Duration
	cacheEnabled bool
	proxyAccess  *regexp.Regexp

	client  *http.Client
	logger  log.Logger
	metrics *observability.Metrics
}

// WithMetrics attaches the counters GetRemoteMetadata records its
// outcomes into. Optional — nil records nothing.
func (p *Proxy) WithMetrics(m *observability.Metrics) *Proxy {
	p.metrics = m
	return p
}

// New returns a fully initialized Proxy.
func New(opts Options, logger log.Logger) *Proxy {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Proxy{
		name:         opts.Name,
		baseURL:      opts.BaseURL,
		authHeaders:  opts.AuthHeaders,
		maxAge:       opts.MaxAge,
		cacheEnabled: opts.CacheEnabled,
		proxyAccess:  opts.ProxyAccess,
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
}

// NewAdHoc synthesizes an ephemeral uplink bound to a single resolved
// tarball URL, for when _distfiles points at a host with no configured
// uplink (spec §4.5 step 3c, §9 design notes). Ad-hoc uplinks always
// have caching enabled and never participate in future manifest syncs
// — callers must not register them in the uplink registry.
func NewAdHoc(baseURL string, timeout time.Duration, logger log.Logger) *Proxy {
	return New(Options{
		Name:         fmt.Sprintf("adhoc:%s", baseURL),
		BaseURL:      baseURL,
		CacheEnabled: true,
		Timeout:      timeout,
	}, logger)
}

func (p *Proxy) Name() string          { return p.name }
func (p *Proxy) MaxAge() time.Duration { return p.maxAge }
func (p *Proxy) CacheEnabled() bool    { return p.cacheEnabled }

// Matches reports whether this uplink has proxy access to packageName
// (spec §4.4 step 1). A nil ProxyAccess regex matches every package.
func (p *Proxy) Matches(packageName string) bool {
	if p.proxyAccess == nil {
		return true
	}
	return p.proxyAccess.MatchString(packageName)
}

// GetRemoteMetadata issues a conditional GET for name, sending
// If-None-Match: etag when etag is non-empty. On 304 it returns
// ErrNotModified (no manifest, no new etag). On 2xx it validates the
// body shape and returns the parsed manifest and the response ETag.
func (p *Proxy) GetRemoteMetadata(ctx context.Context, name, etag string) (*registry.Manifest, string, error) {
	url := fmt.Sprintf("%s/%s", trimSlash(p.baseURL), name)

	clientEndpoint := httptransport.NewClient(
		http.MethodGet,
		mustParseURL(url),
		encodeMetadataRequest(etag, p.authHeaders),
		decodeMetadataResponse,
		httptransport.SetClient(p.client),
	).Endpoint()

	response, err := clientEndpoint(ctx, nil)
	if err != nil {
		if errors.Is(err, errNotModifiedSentinel) {
			p.recordFetch(observability.ResultNotModified)
			return nil, "", ErrNotModified
		}

		netErr := classify(err)
		_ = level.Warn(p.logger).Log(
			"op", "GetRemoteMetadata",
			"uplink", p.name,
			"package", name,
			"err", netErr,
		)
		p.recordFetch(observability.ResultError)
		return nil, "", netErr
	}

	resp, ok := response.(metadataResponse)
	if !ok {
		p.recordFetch(observability.ResultError)
		return nil, "", fmt.Errorf("uplink %s: unexpected response type %T", p.name, response)
	}

	if resp.manifest.Name != "" && resp.manifest.Name != name {
		p.recordFetch(observability.ResultError)
		return nil, "", fmt.Errorf("%w: uplink %s returned manifest for %q, expected %q", registry.ErrValidation, p.name, resp.manifest.Name, name)
	}

	p.recordFetch(observability.ResultHit)

	return resp.manifest, resp.etag, nil
}

// FetchTarball streams the tarball bytes at url. The caller must
// consume or close the returned reader.
func (p *Proxy) FetchTarball(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	for k, v := range p.authHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, classify(err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, 0, registry.NotFoundError{Package: url}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, 0, fmt.Errorf("uplink %s: unexpected status %d fetching %s", p.name, resp.StatusCode, url)
	}

	return resp.Body, resp.ContentLength, nil
}

// classify turns a transport-level error into one whose Code
// distinguishes timeout-class failures from everything else (spec
// §4.2, glossary "Timeout-class error").
func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NetworkError{Code: CodeTimedOut, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError{Code: CodeSocketTimedOut, Err: err}
	}
	if isConnReset(err) {
		return NetworkError{Code: CodeConnReset, Err: err}
	}
	return NetworkError{Code: CodeOther, Err: err}
}

func (p *Proxy) recordFetch(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Uplink.FetchesTotal.WithLabelValues(p.name, result).Inc()
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
