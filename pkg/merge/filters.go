package merge

import "github.com/packhouse/registry-core/pkg/registry"

// StarFilter strips the users star map from a manifest returned to an
// unauthenticated caller (§12 supplemental). Authentication itself is
// out of scope; callers pass the decision in via Authenticated.
type StarFilter struct {
	Authenticated bool
}

func (f StarFilter) Name() string { return "star" }

func (f StarFilter) Apply(manifest *registry.Manifest) error {
	if !f.Authenticated {
		manifest.Users = nil
	}
	return nil
}

// UplinkTagFilter drops versions whose hidden uplink annotation names
// an uplink no longer configured with proxy access to this package
// (§12 supplemental). Dropping a version can orphan a dist-tag;
// NormalizeDistTags (run after every filter, spec §4.4 step 6) cleans
// that up.
type UplinkTagFilter struct {
	// Configured reports whether uplinkName currently has proxy access
	// to manifest.Name. Passed in rather than holding a registry
	// reference, since the uplink registry is owned by the engine, not
	// by filters.
	Configured func(uplinkName, packageName string) bool
}

func (f UplinkTagFilter) Name() string { return "uplink-tag" }

func (f UplinkTagFilter) Apply(manifest *registry.Manifest) error {
	if f.Configured == nil {
		return nil
	}

	for version := range manifest.Versions {
		owner := manifest.UplinkForVersion(version)
		if owner == "" {
			continue // published locally, not subject to this filter
		}
		if !f.Configured(owner, manifest.Name) {
			delete(manifest.Versions, version)
		}
	}
	return nil
}
