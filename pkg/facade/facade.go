// Package facade implements the Storage Facade (spec §4.1): the public
// surface the routing layer calls. It wires the Merge Engine, the
// Tarball Pipeline, and the Local Package Manager together and adds no
// logic beyond parameter validation, tarball URL rewriting, and the
// publish-gate.
package facade

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"

	"github.com/packhouse/registry-core/pkg/merge"
	"github.com/packhouse/registry-core/pkg/registry"
	"github.com/packhouse/registry-core/pkg/storage"
	"github.com/packhouse/registry-core/pkg/tarball"
	"github.com/packhouse/registry-core/pkg/uplink"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Config holds the facade's own settings, distinct from what the
// components it wires already take as constructor arguments.
type Config struct {
	// TarballURLPrefix is prepended to every rewritten dist.tarball URL
	// (spec §6): "<prefix>/<package>/-/<filename>".
	TarballURLPrefix string
	// OfflinePublish relaxes the publish-gate (spec §4.3): a package
	// may be created locally even when every uplink probe failed, as
	// long as every failure was timeout-class.
	OfflinePublish bool
}

// Facade is the Storage Facade.
type Facade struct {
	store   storage.Storage
	merge   *merge.Engine
	tarball *tarball.Pipeline
	config  Config
	logger  log.Logger
}

// New returns a fully initialized Facade.
func New(store storage.Storage, mergeEngine *merge.Engine, tarballPipeline *tarball.Pipeline, config Config, logger log.Logger) *Facade {
	return &Facade{store: store, merge: mergeEngine, tarball: tarballPipeline, config: config, logger: logger}
}

// PackageOptions controls a GetPackageByOptions call.
type PackageOptions struct {
	Name string
	// Version, when set, may name an exact version or a dist-tag.
	Version string
	// UplinksLook disables uplink fan-out when false (passed through
	// to the Merge Engine unchanged).
	UplinksLook bool
	// Authenticated decides whether the star map survives in the
	// response (spec §12 supplemental StarFilter); the facade, not the
	// engine, makes this call since it's a per-request auth decision,
	// not static merge configuration.
	Authenticated bool
}

// PackageResult carries exactly one of Manifest or Version, matching
// spec §4.1's "Manifest | Version" return shape.
type PackageResult struct {
	Manifest *registry.Manifest
	Version  *registry.Version
}

// GetPackageByOptions implements spec §4.1's getPackageByOptions.
func (f *Facade) GetPackageByOptions(ctx context.Context, opts PackageOptions) (*PackageResult, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("%w: package name is required", registry.ErrValidation)
	}

	manifest, _, err := f.merge.Merge(ctx, opts.Name, merge.Options{UplinksLook: opts.UplinksLook})
	if err != nil {
		return nil, err
	}

	star := merge.StarFilter{Authenticated: opts.Authenticated}
	_ = star.Apply(manifest)

	f.rewriteTarballURLs(manifest)

	if opts.Version == "" {
		return &PackageResult{Manifest: manifest}, nil
	}

	versionKey := opts.Version
	if resolved, ok := manifest.DistTags[versionKey]; ok {
		versionKey = resolved
	}
	version, ok := manifest.Versions[versionKey]
	if !ok {
		return nil, registry.NotFoundError{Package: opts.Name, Version: opts.Version}
	}
	return &PackageResult{Version: &version}, nil
}

// rewriteTarballURLs replaces every version's upstream dist.tarball URL
// with the client-facing form (spec §6), leaving _distfiles (the
// authoritative upstream locator) untouched.
func (f *Facade) rewriteTarballURLs(manifest *registry.Manifest) {
	for key, version := range manifest.Versions {
		if version.Dist.Tarball == "" {
			continue
		}
		filename := path.Base(version.Dist.Tarball)
		version.Dist.Tarball = registry.RewriteTarballURL(f.config.TarballURLPrefix, manifest.Name, filename)
		manifest.Versions[key] = version
	}
}

// GetTarball delegates to the Tarball Pipeline.
func (f *Facade) GetTarball(ctx context.Context, name, filename string, opts tarball.Options) (io.ReadCloser, int64, error) {
	if name == "" || filename == "" {
		return nil, 0, fmt.Errorf("%w: package name and filename are required", registry.ErrValidation)
	}
	return f.tarball.GetTarball(ctx, name, filename, opts)
}

// AddPackage implements spec §4.1's addPackage, gated by the publish
// check of spec §4.3: before creating the package locally, every
// uplink with proxy access to name is probed. Publish proceeds only if
// no uplink reports the package exists, or every uplink error is
// timeout-class and offline-publish is enabled.
func (f *Facade) AddPackage(ctx context.Context, name string, manifest *registry.Manifest) (*registry.Manifest, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: package name is required", registry.ErrValidation)
	}

	probes := f.merge.ProbeUplinks(ctx, name)
	if err := f.evaluatePublishGate(name, probes); err != nil {
		return nil, err
	}

	if err := f.store.CreatePackage(ctx, name, manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

// evaluatePublishGate applies spec §4.3's publish-gate rule: any uplink
// reporting the package exists, or any non-timeout-class probe error,
// aborts with Conflict. If every probe errored and all of them were
// timeout-class, the gate passes only when offline-publish is enabled;
// otherwise it aborts with ServiceUnavailable.
func (f *Facade) evaluatePublishGate(name string, probes []merge.ProbeResult) error {
	var causes []error
	anyExists := false
	anyNonTimeoutError := false
	anyError := false

	for _, p := range probes {
		if p.Err == nil {
			if p.Exists {
				anyExists = true
			}
			continue
		}
		anyError = true
		causes = append(causes, registry.UplinkError{Uplink: p.UplinkName, Err: p.Err})
		if !uplink.IsTimeoutClassError(p.Err) {
			anyNonTimeoutError = true
		}
	}

	if anyExists {
		return registry.ConflictError{Package: name, Reason: "package already exists upstream"}
	}
	if anyNonTimeoutError {
		return registry.ConflictError{Package: name, Reason: "uplink check failed"}
	}
	if anyError && !f.config.OfflinePublish {
		return registry.ServiceUnavailableError{Package: name, Causes: causes}
	}
	return nil
}

// AddVersion delegates to the Local Package Manager's read-modify-write
// protocol, adding no logic beyond parameter validation (spec §4.1).
func (f *Facade) AddVersion(ctx context.Context, name, version string, record registry.Version) (*registry.Manifest, error) {
	if name == "" || version == "" {
		return nil, fmt.Errorf("%w: package name and version are required", registry.ErrValidation)
	}

	return f.store.UpdatePackage(ctx, name, func(manifest *registry.Manifest) (*registry.Manifest, error) {
		if manifest.Versions == nil {
			manifest.Versions = make(map[string]registry.Version)
		}
		manifest.Versions[version] = record
		manifest.NormalizeDistTags()
		return manifest, nil
	})
}

// ChangePackage overwrites a package's manifest wholesale, delegated to
// the Local Package Manager's read-modify-write protocol (spec §4.1).
// Rev, when non-empty and the stored manifest carries a _rev, must
// match it or the call fails with Conflict — an optimistic-concurrency
// check the
// routing layer's change-package verb relies on.
func (f *Facade) ChangePackage(ctx context.Context, name, rev string, manifest *registry.Manifest) (*registry.Manifest, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: package name is required", registry.ErrValidation)
	}

	return f.store.UpdatePackage(ctx, name, func(current *registry.Manifest) (*registry.Manifest, error) {
		if rev != "" && current.Rev != "" && rev != current.Rev {
			return nil, registry.ConflictError{Package: name, Reason: "revision mismatch"}
		}
		manifest.Name = name
		return manifest, nil
	})
}

// RemoveTarball delegates to the Local Package Manager, adding no logic
// beyond parameter validation (spec §4.1).
func (f *Facade) RemoveTarball(ctx context.Context, name, filename string) error {
	if name == "" || filename == "" {
		return fmt.Errorf("%w: package name and filename are required", registry.ErrValidation)
	}
	return f.store.RemoveTarball(ctx, name, filename)
}

// RemovePackage delegates to the Local Package Manager, adding no logic
// beyond parameter validation (spec §4.1).
func (f *Facade) RemovePackage(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: package name is required", registry.ErrValidation)
	}
	return f.store.RemovePackage(ctx, name)
}

// DatabaseEntry is one row of GetLocalDatabase's listing: a package
// name and, when resolvable, its "latest" version record.
type DatabaseEntry struct {
	Name   string
	Latest *registry.Version
}

// GetLocalDatabase implements spec §4.1's getLocalDatabase: it
// enumerates every locally stored package, sorted lexicographically by
// name (spec §12 supplemental). A package whose manifest can't be read
// is logged and skipped, never propagated as a call failure.
func (f *Facade) GetLocalDatabase(ctx context.Context) ([]DatabaseEntry, error) {
	names, err := f.store.ListPackages(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	entries := make([]DatabaseEntry, 0, len(names))
	for _, name := range names {
		manifest, readErr := f.store.ReadPackage(ctx, name)
		if readErr != nil {
			_ = level.Warn(f.logger).Log("op", "GetLocalDatabase", "package", name, "err", readErr)
			continue
		}

		entry := DatabaseEntry{Name: name}
		if latestVersion, ok := manifest.DistTags[registry.LatestTag]; ok {
			if v, ok := manifest.Versions[latestVersion]; ok {
				entry.Latest = &v
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
