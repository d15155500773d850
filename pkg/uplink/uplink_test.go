package uplink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxy_GetRemoteMetadata_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/left-pad", r.URL.Path)
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"left-pad","versions":{},"dist-tags":{},"time":{},"_distfiles":{},"_uplinks":{}}`))
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	manifest, etag, err := p.GetRemoteMetadata(context.Background(), "left-pad", "")
	require.NoError(t, err)
	assert.Equal(t, "left-pad", manifest.Name)
	assert.Equal(t, `"abc123"`, etag)
}

func TestProxy_GetRemoteMetadata_NotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"abc123"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	_, _, err := p.GetRemoteMetadata(context.Background(), "left-pad", `"abc123"`)
	assert.ErrorIs(t, err, ErrNotModified)
}

func TestProxy_GetRemoteMetadata_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	_, _, err := p.GetRemoteMetadata(context.Background(), "left-pad", "")
	require.Error(t, err)
}

func TestProxy_GetRemoteMetadata_NameMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"some-other-package","versions":{},"dist-tags":{},"time":{},"_distfiles":{},"_uplinks":{}}`))
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	_, _, err := p.GetRemoteMetadata(context.Background(), "left-pad", "")
	require.Error(t, err)
}

func TestProxy_FetchTarball(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tarball-bytes"))
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	body, _, err := p.FetchTarball(context.Background(), server.URL+"/left-pad/-/left-pad-1.0.0.tgz")
	require.NoError(t, err)
	defer body.Close()
}

func TestProxy_FetchTarball_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	p := New(Options{Name: "npmjs", BaseURL: server.URL}, log.NewNopLogger())
	_, _, err := p.FetchTarball(context.Background(), server.URL+"/missing.tgz")
	require.Error(t, err)
}

func TestProxy_Matches(t *testing.T) {
	p := New(Options{Name: "scoped", ProxyAccess: regexp.MustCompile(`^@acme/`)}, log.NewNopLogger())
	assert.True(t, p.Matches("@acme/widgets"))
	assert.False(t, p.Matches("left-pad"))

	unrestricted := New(Options{Name: "npmjs"}, log.NewNopLogger())
	assert.True(t, unrestricted.Matches("left-pad"))
}

func TestNewAdHoc(t *testing.T) {
	p := NewAdHoc("https://example.com/pkg.tgz", time.Second, log.NewNopLogger())
	assert.True(t, p.CacheEnabled())
	assert.Contains(t, p.Name(), "adhoc:")
}
