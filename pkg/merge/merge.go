// Package merge implements the Merge Engine (spec §4.4): it fuses a
// locally cached manifest with responses fanned out across the
// configured uplinks into a single canonical document.
package merge

import (
	"context"
	"errors"
	"path"
	"sync"
	"time"

	"github.com/packhouse/registry-core/pkg/observability"
	"github.com/packhouse/registry-core/pkg/registry"
	"github.com/packhouse/registry-core/pkg/storage"
	"github.com/packhouse/registry-core/pkg/uplink"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	hashiversion "github.com/hashicorp/go-version"
	"golang.org/x/sync/errgroup"
)

// Filter is a pluggable transform applied to a merged manifest before
// it's returned (spec §4.4 step 5, §12).
type Filter interface {
	Name() string
	Apply(*registry.Manifest) error
}

// Options controls a single Merge call.
type Options struct {
	// UplinksLook disables uplink fan-out entirely when false (spec
	// §4.4 step 1): the local manifest is returned unchanged.
	UplinksLook bool
}

// Engine is the Merge Engine. It holds the immutable-after-init uplink
// registry (spec §9), the storage plugin it persists into, and the
// filter pipeline.
type Engine struct {
	uplinks *uplink.Registry
	store   storage.Storage
	filters []Filter
	logger  log.Logger
	metrics *observability.Metrics
}

// New returns a fully initialized Engine.
func New(uplinks *uplink.Registry, store storage.Storage, filters []Filter, logger log.Logger) *Engine {
	if uplinks == nil {
		uplinks = uplink.NewRegistry(nil)
	}
	return &Engine{uplinks: uplinks, store: store, filters: filters, logger: logger}
}

// WithMetrics attaches the counters Merge records its outcomes into.
// Metrics are optional — a nil *Engine.metrics (the zero value) simply
// records nothing.
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

type fetchResult struct {
	uplinkName  string
	cacheEnabled bool
	skipped     bool // cache-hit-fresh (step 2a): no network call, no stamp update
	notModified bool // 304 (step 2c): stamp fetched=now
	manifest    *registry.Manifest
	etag        string
	err         error
}

// Merge runs the full algorithm of spec §4.4 and returns the merged
// manifest alongside the list of per-uplink/per-filter errors that were
// recovered locally rather than aborting the operation.
func (e *Engine) Merge(ctx context.Context, name string, opts Options) (merged *registry.Manifest, errs []error, err error) {
	start := time.Now()
	defer func() {
		if e.metrics == nil {
			return
		}
		result := observability.ResultHit
		if err != nil {
			result = observability.ResultError
		}
		e.metrics.Merge.Runs.WithLabelValues(result).Inc()
		e.metrics.Merge.Duration.WithLabelValues(result).Observe(time.Since(start).Seconds())
		for _, uerr := range errs {
			var ue registry.UplinkError
			if errors.As(uerr, &ue) {
				e.metrics.Merge.UplinkErrors.WithLabelValues(ue.Uplink).Inc()
			}
		}
	}()

	local, readErr := e.store.ReadPackage(ctx, name)
	exists := readErr == nil
	if !exists {
		var notFound registry.NotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, nil, readErr
		}
		local = registry.NewManifest(name)
	}

	if !opts.UplinksLook {
		if !exists {
			return nil, nil, registry.NotFoundError{Package: name}
		}
		return local, nil, nil
	}

	upLinks := e.uplinks.Matching(name)

	if len(upLinks) == 0 && !exists {
		return nil, nil, registry.NotFoundError{Package: name}
	}

	now := time.Now().UnixMilli()
	results := make([]fetchResult, len(upLinks))

	eg, groupCtx := errgroup.WithContext(ctx)
	for i, u := range upLinks {
		i, u := i, u
		eg.Go(func() error {
			results[i] = e.fetchOne(groupCtx, u, name, local, now)
			return nil // per-uplink errors are recovered, never abort the group (spec §7 ValidationFailure)
		})
	}
	_ = eg.Wait()

	successCount, timeoutCount := 0, 0
	for _, r := range results {
		if r.err != nil {
			errs = append(errs, registry.UplinkError{Uplink: r.uplinkName, Err: r.err})
			if uplink.IsTimeoutClassError(r.err) {
				timeoutCount++
			}
			continue
		}
		if r.manifest != nil {
			successCount++
		}
	}

	if !exists && len(upLinks) > 0 && successCount == 0 {
		if timeoutCount == len(upLinks) {
			return nil, errs, registry.ServiceUnavailableError{Package: name, Causes: errs}
		}
		return nil, errs, registry.NotFoundError{Package: name}
	}

	configuredUplinks := make(map[string]bool, len(upLinks))
	for _, u := range e.uplinks.All() {
		configuredUplinks[u.Name()] = true
	}

	apply := func(manifest *registry.Manifest) (*registry.Manifest, error) {
		applyResults(manifest, results, now)
		for _, f := range e.filters {
			if ferr := f.Apply(manifest); ferr != nil {
				errs = append(errs, registry.FilterError{Filter: f.Name(), Err: ferr})
				_ = level.Warn(e.logger).Log("op", "Merge", "package", name, "filter", f.Name(), "err", ferr)
			}
		}
		manifest.NormalizeDistTags()
		manifest.PruneStaleUplinks(configuredUplinks)
		resolveLatestTag(manifest)
		manifest.ClearReadOnly()
		return manifest, nil
	}

	if !exists {
		candidate, applyErr := apply(local)
		if applyErr != nil {
			return nil, errs, applyErr
		}
		if createErr := e.store.CreatePackage(ctx, name, candidate); createErr != nil {
			var conflict registry.ConflictError
			if !errors.As(createErr, &conflict) {
				return nil, errs, createErr
			}
			// Lost a create race; fall through to the update path below.
			merged, err = e.store.UpdatePackage(ctx, name, apply)
		} else {
			merged = candidate
		}
	} else {
		merged, err = e.store.UpdatePackage(ctx, name, apply)
	}
	if err != nil {
		return nil, errs, err
	}

	return merged, errs, nil
}

func (e *Engine) fetchOne(ctx context.Context, u uplink.Uplink, name string, local *registry.Manifest, now int64) fetchResult {
	state := local.Uplinks[u.Name()]
	if state.Fetched != 0 && now-state.Fetched < u.MaxAge().Milliseconds() {
		return fetchResult{uplinkName: u.Name(), skipped: true}
	}

	manifest, etag, err := u.GetRemoteMetadata(ctx, name, state.Etag)
	if err != nil {
		if errors.Is(err, uplink.ErrNotModified) {
			return fetchResult{uplinkName: u.Name(), notModified: true}
		}
		_ = level.Warn(e.logger).Log("op", "Merge", "uplink", u.Name(), "package", name, "err", err)
		return fetchResult{uplinkName: u.Name(), err: err}
	}

	return fetchResult{uplinkName: u.Name(), cacheEnabled: u.CacheEnabled(), manifest: manifest, etag: etag}
}

// applyResults folds fan-out results into manifest in upLinks
// configuration order, so the tie-break policy (first uplink to merge
// wins a version collision) falls out of the slice's own ordering
// (spec §4.4 "Tie-break policy"). Remote dist-tags fill in only the
// tags the manifest doesn't already carry, under the same ordering.
func applyResults(manifest *registry.Manifest, results []fetchResult, now int64) {
	if manifest.Uplinks == nil {
		manifest.Uplinks = make(map[string]registry.UplinkState)
	}
	if manifest.DistTags == nil {
		manifest.DistTags = make(map[string]string)
	}

	for _, r := range results {
		switch {
		case r.skipped, r.err != nil:
			continue
		case r.notModified:
			state := manifest.Uplinks[r.uplinkName]
			state.Fetched = now
			manifest.Uplinks[r.uplinkName] = state
		case r.manifest != nil:
			mergeTime(manifest, r.manifest.Time)
			mergeVersions(manifest, r.manifest, r.uplinkName, r.cacheEnabled)
			for tag, version := range r.manifest.DistTags {
				if _, ok := manifest.DistTags[tag]; !ok {
					manifest.DistTags[tag] = version
				}
			}
			manifest.Uplinks[r.uplinkName] = registry.UplinkState{Etag: r.etag, Fetched: now}
		}
	}
}

// mergeTime takes the max of each key across local and remote, per
// spec §4.4 step 2e. RFC3339Nano timestamps compare correctly as
// strings.
func mergeTime(local *registry.Manifest, remote map[string]string) {
	if local.Time == nil {
		local.Time = make(map[string]string)
	}
	for k, v := range remote {
		if existing, ok := local.Time[k]; !ok || v > existing {
			local.Time[k] = v
		}
	}
}

// mergeVersions applies the local-wins-on-collision rule, adopting the
// remote version only when the local one is missing its tarball dist
// URL. Adopted versions get a hidden uplink annotation and, when the
// uplink has caching enabled, a _distfiles entry recording the
// authoritative upstream URL (spec §4.4 step 2e, §3 invariants).
func mergeVersions(local *registry.Manifest, remote *registry.Manifest, uplinkName string, cacheEnabled bool) {
	if local.Versions == nil {
		local.Versions = make(map[string]registry.Version)
	}
	if local.DistFiles == nil {
		local.DistFiles = make(map[string]registry.DistFile)
	}

	for version, remoteVersion := range remote.Versions {
		localVersion, exists := local.Versions[version]
		adopt := !exists || localVersion.Dist.Tarball == ""
		if !adopt {
			continue
		}

		local.Versions[version] = remoteVersion
		local.SetUplinkForVersion(version, uplinkName)

		if cacheEnabled && remoteVersion.Dist.Tarball != "" {
			filename := path.Base(remoteVersion.Dist.Tarball)
			local.DistFiles[filename] = registry.DistFile{URL: remoteVersion.Dist.Tarball, Sha: remoteVersion.Dist.Shasum}
		}
	}
}

// resolveLatestTag fills in the "latest" dist-tag when neither a local
// publish nor any uplink supplied one, by picking the highest
// semver-parseable version (spec §12 supplemental). Versions that
// don't parse as semver (common for pre-registry-standard packages)
// are skipped rather than aborting the merge.
func resolveLatestTag(manifest *registry.Manifest) {
	if _, ok := manifest.DistTags[registry.LatestTag]; ok {
		return
	}

	var best *hashiversion.Version
	var bestRaw string
	for v := range manifest.Versions {
		parsed, err := hashiversion.NewVersion(v)
		if err != nil {
			continue
		}
		if best == nil || parsed.GreaterThan(best) {
			best = parsed
			bestRaw = v
		}
	}
	if bestRaw != "" {
		manifest.DistTags[registry.LatestTag] = bestRaw
	}
}

// ProbeResult is one uplink's answer during the publish-gate fan-out
// (spec §4.3 "Publish-gate").
type ProbeResult struct {
	UplinkName string
	Exists     bool
	Err        error
}

// ProbeUplinks fans out a conditional GET to every uplink with proxy
// access to name, without touching local storage. The facade uses this
// for addPackage's publish-gate: publish proceeds only if no uplink
// reports the package exists, or every error is timeout-class and
// offline-publish is enabled.
func (e *Engine) ProbeUplinks(ctx context.Context, name string) []ProbeResult {
	matching := e.uplinks.Matching(name)

	results := make([]ProbeResult, len(matching))
	var wg sync.WaitGroup
	wg.Add(len(matching))
	for i, u := range matching {
		i, u := i, u
		go func() {
			defer wg.Done()
			manifest, _, err := u.GetRemoteMetadata(ctx, name, "")
			if err != nil {
				if errors.Is(err, uplink.ErrNotModified) {
					results[i] = ProbeResult{UplinkName: u.Name(), Exists: true}
					return
				}
				_ = level.Info(e.logger).Log("op", "ProbeUplinks", "uplink", u.Name(), "package", name, "err", err)
				results[i] = ProbeResult{UplinkName: u.Name(), Err: err}
				return
			}
			results[i] = ProbeResult{UplinkName: u.Name(), Exists: manifest != nil && len(manifest.Versions) > 0}
		}()
	}
	wg.Wait()

	return results
}
