// Package registry holds the data model shared by the merge engine, the
// uplink proxies, the storage plugins, and the facade: the package
// manifest document, its nested records, and the error taxonomy that
// crosses package boundaries.
package registry

import (
	"encoding/json"
	"time"
)

// LatestTag is the reserved dist-tag name that package managers resolve
// to when no version is requested explicitly.
const LatestTag = "latest"

// TimeCreated and TimeModified are the sentinel keys of Manifest.Time
// that don't correspond to a version string.
const (
	TimeCreated  = "created"
	TimeModified = "modified"
)

// Dist describes where a version's tarball lives and how to verify it.
type Dist struct {
	Tarball   string `json:"tarball"`
	Shasum    string `json:"shasum,omitempty"`
	Integrity string `json:"integrity,omitempty"`
}

// Version is a single entry of Manifest.Versions. It carries whatever
// per-version metadata an uplink or publisher supplied, plus the dist
// sub-record the engine depends on. Arbitrary fields round-trip through
// Extra so the engine never has to know the full shape of a registry's
// version metadata.
type Version struct {
	Dist  Dist
	Extra map[string]json.RawMessage
}

// MarshalJSON re-assembles Extra and Dist into a single JSON object, the
// way a version record looks on the wire.
func (v Version) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(v.Extra)+1)
	for k, raw := range v.Extra {
		out[k] = raw
	}

	distRaw, err := json.Marshal(v.Dist)
	if err != nil {
		return nil, err
	}
	out["dist"] = distRaw

	return json.Marshal(out)
}

// UnmarshalJSON splits the incoming object into the known Dist
// sub-record and everything else, which is kept verbatim in Extra.
func (v *Version) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var dist Dist
	if distRaw, ok := raw["dist"]; ok {
		if err := json.Unmarshal(distRaw, &dist); err != nil {
			return err
		}
		delete(raw, "dist")
	}

	v.Dist = dist
	v.Extra = raw
	return nil
}

// DistFile is the authoritative upstream locator for a cached tarball,
// keyed by filename in Manifest.DistFiles. It always carries the
// original uplink URL, even after the tarball URL in Versions has been
// rewritten for a client (see registry.RewriteTarballURL).
type DistFile struct {
	URL string `json:"url"`
	Sha string `json:"sha,omitempty"`
}

// UplinkState is the merge engine's per-uplink freshness record.
type UplinkState struct {
	Etag    string `json:"etag,omitempty"`
	Fetched int64  `json:"fetched,omitempty"` // unix millis of the last successful (incl. 304) fetch
}

// Attachment is an opaque per-file record present in publish payloads.
// Read responses always zero this field out (see Manifest.ClearReadOnly).
type Attachment map[string]json.RawMessage

// Manifest is the canonical per-package document. It is the unit of
// atomicity for the storage plugin: a manifest file on disk is either
// absent or a complete, parseable JSON document (see pkg/storage).
type Manifest struct {
	Name        string                 `json:"name"`
	Versions    map[string]Version     `json:"versions"`
	DistTags    map[string]string      `json:"dist-tags"`
	Time        map[string]string      `json:"time"`
	DistFiles   map[string]DistFile    `json:"_distfiles"`
	Attachments map[string]Attachment  `json:"_attachments,omitempty"`
	Uplinks     map[string]UplinkState `json:"_uplinks"`
	Rev         string                 `json:"_rev,omitempty"`
	Users       map[string]bool        `json:"users,omitempty"`

	// versionUplink is the hidden per-version annotation from spec §6:
	// which uplink supplied a given version. It is a side-channel, not a
	// JSON field (unexported fields never round-trip through
	// encoding/json), so filters and the merge engine can inspect it
	// without leaking it to clients.
	versionUplink map[string]string
}

// NewManifest returns an empty, well-formed manifest template for name,
// the shape the merge engine starts from when no local copy exists.
func NewManifest(name string) *Manifest {
	now := nowMillis()
	return &Manifest{
		Name:      name,
		Versions:  make(map[string]Version),
		DistTags:  make(map[string]string),
		Time:      map[string]string{TimeCreated: formatMillis(now), TimeModified: formatMillis(now)},
		DistFiles: make(map[string]DistFile),
		Uplinks:   make(map[string]UplinkState),
	}
}

// SetUplinkForVersion records which uplink supplied a version. Called by
// the merge engine while integrating an uplink response.
func (m *Manifest) SetUplinkForVersion(version, uplinkName string) {
	if m.versionUplink == nil {
		m.versionUplink = make(map[string]string)
	}
	m.versionUplink[version] = uplinkName
}

// UplinkForVersion returns which uplink supplied version, or "" if it
// was published locally or the annotation was never set.
func (m *Manifest) UplinkForVersion(version string) string {
	return m.versionUplink[version]
}

// ClearReadOnly zeroes fields that publish payloads use but read
// responses must not carry (spec §4.4 step 6).
func (m *Manifest) ClearReadOnly() {
	m.Attachments = nil
}

// NormalizeDistTags drops any tag whose target version is no longer in
// Versions (spec §4.4 step 6, invariant P7).
func (m *Manifest) NormalizeDistTags() {
	for tag, version := range m.DistTags {
		if _, ok := m.Versions[version]; !ok {
			delete(m.DistTags, tag)
		}
	}
}

// PruneStaleUplinks drops _uplinks entries for uplink names not present
// in configured, keeping the freshness table from growing without bound
// after an uplink is removed from the registry (§12 supplemental).
func (m *Manifest) PruneStaleUplinks(configured map[string]bool) {
	for name := range m.Uplinks {
		if !configured[name] {
			delete(m.Uplinks, name)
		}
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}
