// Package tarball implements the Tarball Pipeline (spec §4.5):
// local-hit / remote-fallback streaming with write-through caching and
// cancellation.
package tarball

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/packhouse/registry-core/pkg/observability"
	"github.com/packhouse/registry-core/pkg/registry"
	"github.com/packhouse/registry-core/pkg/storage"
	"github.com/packhouse/registry-core/pkg/uplink"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Options controls a single GetTarball call.
type Options struct {
	// EnableRemote permits falling back to an uplink on a local miss
	// (spec §4.5 step 3).
	EnableRemote bool
	// Cancel, when closed, aborts the local read, the upstream fetch,
	// and the cache write (spec §5 cancellation semantics).
	Cancel <-chan struct{}
}

// Pipeline is the Tarball Pipeline.
type Pipeline struct {
	store        storage.Storage
	uplinks      *uplink.Registry
	adHocTimeout time.Duration
	logger       log.Logger

	metrics *observability.Metrics
}

// New returns a fully initialized Pipeline.
func New(store storage.Storage, uplinks *uplink.Registry, adHocTimeout time.Duration, logger log.Logger) *Pipeline {
	if adHocTimeout <= 0 {
		adHocTimeout = 10 * time.Second
	}
	if uplinks == nil {
		uplinks = uplink.NewRegistry(nil)
	}
	return &Pipeline{store: store, uplinks: uplinks, adHocTimeout: adHocTimeout, logger: logger}
}

// WithMetrics attaches the counters GetTarball records its outcomes
// into. Optional — nil records nothing.
func (p *Pipeline) WithMetrics(m *observability.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// GetTarball implements spec §4.5's algorithm: local hit short-circuits
// immediately; a local NOT_FOUND falls through to the uplink fallback
// when opts.EnableRemote is set; any other local error propagates.
func (p *Pipeline) GetTarball(ctx context.Context, name, filename string, opts Options) (io.ReadCloser, int64, error) {
	reader, err := p.store.ReadTarball(ctx, name, filename, opts.Cancel)
	if err == nil {
		p.recordCacheResult(observability.ResultHit)
		return reader, reader.ContentLength(), nil
	}

	var notFound registry.NotFoundError
	if !errors.As(err, &notFound) || !opts.EnableRemote {
		p.recordCacheResult(observability.ResultError)
		return nil, 0, err
	}

	p.recordCacheResult(observability.ResultMiss)
	return p.fetchRemote(ctx, name, filename, opts.Cancel)
}

// fetchRemote resolves filename's authoritative upstream URL from the
// local manifest's _distfiles, per §9's design note: a local-manifest
// hit is still validated against the filesystem (the caller already
// did that above) before deciding local vs remote.
func (p *Pipeline) fetchRemote(ctx context.Context, name, filename string, cancel <-chan struct{}) (io.ReadCloser, int64, error) {
	manifest, err := p.store.ReadPackage(ctx, name)
	if err != nil {
		return nil, 0, err
	}

	distFile, ok := manifest.DistFiles[filename]
	if !ok {
		return nil, 0, registry.NotFoundError{Package: name, Version: filename}
	}

	u := p.selectUplink(name)
	cacheEnabled := true
	if u == nil {
		// §9: ad-hoc uplinks always cache and are never retained past
		// this call.
		u = uplink.NewAdHoc(distFile.URL, p.adHocTimeout, p.logger)
	} else {
		cacheEnabled = u.CacheEnabled()
	}

	return p.fetchAndStream(ctx, u, name, filename, distFile.URL, cacheEnabled, cancel)
}

// fetchAndStream opens the upstream stream and tees it into the
// caller's pipe and, when caching is enabled, a local cache writer
// opened up front (spec §4.5 step 3e: a pre-existing tarball raises
// CONFLICT before any upstream bytes are consumed). The caller's
// reader starts yielding bytes as soon as the upstream does — the
// cache write runs concurrently with, not before, the response the
// caller sees (spec §4.5 step 3f, §1 "streamed ... with backpressure
// and cancellation").
func (p *Pipeline) fetchAndStream(ctx context.Context, u uplink.Uplink, name, filename, url string, cacheEnabled bool, cancel <-chan struct{}) (io.ReadCloser, int64, error) {
	upstream, contentLength, err := u.FetchTarball(ctx, url)
	if err != nil {
		return nil, 0, err
	}

	var writer storage.TarballWriter
	if cacheEnabled {
		w, werr := p.store.WriteTarball(ctx, name, filename, cancel)
		if werr == nil {
			writer = w
		} else {
			var conflict registry.ConflictError
			if errors.As(werr, &conflict) {
				// Another writer already owns this (name, filename); the
				// cache write is in flight elsewhere, so this caller is
				// served straight from upstream with no caching (spec
				// §4.5 step 3e).
				_ = level.Info(p.logger).Log("op", "GetTarball", "package", name, "filename", filename, "message", "cache write already in flight")
				if p.metrics != nil {
					p.metrics.Tarball.InFlightJoined.Inc()
				}
			} else {
				_ = level.Warn(p.logger).Log("op", "GetTarball", "package", name, "filename", filename, "message", "cache write unavailable", "err", werr)
			}
		}
	}

	pr, pw := io.Pipe()
	go p.teeUpstream(upstream, pw, writer, cancel, name, filename)

	return pr, contentLength, nil
}

// teeUpstream copies upstream into pw (and, when writer is non-nil,
// into writer at the same time via io.MultiWriter) and closes pw with
// whatever error terminated the copy, so the caller's ReadCloser sees
// an EOF or the failure exactly when the tee itself does. cancel
// aborts the copy immediately regardless of whether a cache writer is
// active (spec §5 cancellation semantics).
func (p *Pipeline) teeUpstream(upstream io.ReadCloser, pw *io.PipeWriter, writer storage.TarballWriter, cancel <-chan struct{}, name, filename string) {
	defer upstream.Close()

	var dst io.Writer = pw
	if writer != nil {
		dst = io.MultiWriter(pw, writer)
	}

	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(dst, upstream)
		copyDone <- copyErr
	}()

	select {
	case copyErr := <-copyDone:
		if copyErr != nil {
			if writer != nil {
				_ = writer.Abort()
			}
			_ = pw.CloseWithError(copyErr)
			return
		}
		if writer != nil {
			if closeErr := writer.Close(); closeErr != nil {
				_ = level.Warn(p.logger).Log("op", "GetTarball", "package", name, "filename", filename, "message", "cache commit failed", "err", closeErr)
			}
		}
		_ = pw.Close()
	case <-cancel:
		if writer != nil {
			_ = writer.Abort()
		}
		_ = pw.CloseWithError(registry.ErrCancelled)
	}
}

func (p *Pipeline) recordCacheResult(result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Tarball.CacheResult.WithLabelValues(result).Inc()
}

func (p *Pipeline) selectUplink(name string) uplink.Uplink {
	matching := p.uplinks.Matching(name)
	if len(matching) == 0 {
		return nil
	}
	return matching[0]
}
