package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/packhouse/registry-core/pkg/registry"
)

// errNotModifiedSentinel is returned by decodeMetadataResponse when the
// upstream answers 304; GetRemoteMetadata translates it to the
// exported ErrNotModified.
var errNotModifiedSentinel = errors.New("uplink: transport saw 304")

type metadataResponse struct {
	manifest *registry.Manifest
	etag     string
}

// encodeMetadataRequest builds the conditional GET: If-None-Match when
// etag is set, plus whatever static auth headers the uplink carries.
// Mirrors the go-kit httptransport.EncodeRequestFunc shape boring-
// registry's pkg/mirror uses for its upstream clients.
func encodeMetadataRequest(etag string, authHeaders map[string]string) func(context.Context, *http.Request, interface{}) error {
	return func(_ context.Context, r *http.Request, _ interface{}) error {
		r.Header.Set("Accept", "application/json")
		if etag != "" {
			r.Header.Set("If-None-Match", etag)
		}
		for k, v := range authHeaders {
			r.Header.Set(k, v)
		}
		return nil
	}
}

// decodeMetadataResponse validates the body shape (spec §4.2: "validates
// the body shape") and returns the parsed manifest alongside the
// response's ETag.
func decodeMetadataResponse(_ context.Context, resp *http.Response) (interface{}, error) {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return nil, errNotModifiedSentinel
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, registry.NotFoundError{}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(resp.Status)
	}

	var manifest registry.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, errors.Join(registry.ErrValidation, err)
	}

	if manifest.Name == "" {
		return nil, errors.Join(registry.ErrValidation, errors.New("manifest is missing a name"))
	}

	return metadataResponse{manifest: &manifest, etag: resp.Header.Get("ETag")}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		// The uplink's base URL is configuration, validated once at
		// wiring time; a malformed URL here is a programmer error.
		panic(err)
	}
	return u
}
