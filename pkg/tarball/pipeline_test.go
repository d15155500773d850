package tarball

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/packhouse/registry-core/pkg/registry"
	"github.com/packhouse/registry-core/pkg/storage"
	"github.com/packhouse/registry-core/pkg/uplink"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUplink struct {
	name         string
	cacheEnabled bool
	body         []byte
	err          error
	calls        int
	mu           sync.Mutex
}

func (f *fakeUplink) Name() string               { return f.name }
func (f *fakeUplink) MaxAge() time.Duration       { return time.Second }
func (f *fakeUplink) CacheEnabled() bool          { return f.cacheEnabled }
func (f *fakeUplink) Matches(string) bool         { return true }
func (f *fakeUplink) GetRemoteMetadata(context.Context, string, string) (*registry.Manifest, string, error) {
	return nil, "", nil
}

func (f *fakeUplink) FetchTarball(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, 0, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), int64(len(f.body)), nil
}

// fakeStorage is an in-memory storage.Storage for the pipeline tests.
type fakeStorage struct {
	mu       sync.Mutex
	manifest *registry.Manifest
	tarballs map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{tarballs: make(map[string][]byte)}
}

func (s *fakeStorage) key(name, filename string) string { return name + "/" + filename }

func (s *fakeStorage) ReadPackage(ctx context.Context, name string) (*registry.Manifest, error) {
	if s.manifest == nil {
		return nil, registry.NotFoundError{Package: name}
	}
	return s.manifest, nil
}
func (s *fakeStorage) CreatePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	s.manifest = manifest
	return nil
}
func (s *fakeStorage) SavePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	s.manifest = manifest
	return nil
}
func (s *fakeStorage) UpdatePackage(ctx context.Context, name string, transform storage.TransformFunc) (*registry.Manifest, error) {
	return transform(s.manifest)
}
func (s *fakeStorage) DeletePackage(ctx context.Context, name string) error  { return nil }
func (s *fakeStorage) RemovePackage(ctx context.Context, name string) error { return nil }
func (s *fakeStorage) HasPackage(ctx context.Context, name string) (bool, error) {
	return s.manifest != nil, nil
}

func (s *fakeStorage) WriteTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (storage.TarballWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := s.key(name, filename)
	if _, exists := s.tarballs[k]; exists {
		return nil, registry.ConflictError{Package: name, Reason: "exists"}
	}
	return &fakeTarballWriter{storage: s, key: k}, nil
}

func (s *fakeStorage) ReadTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (storage.TarballReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.tarballs[s.key(name, filename)]
	if !ok {
		return nil, registry.NotFoundError{Package: name, Version: filename}
	}
	return &fakeTarballReader{ReadCloser: io.NopCloser(bytes.NewReader(data)), size: int64(len(data))}, nil
}

func (s *fakeStorage) HasTarball(ctx context.Context, name, filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tarballs[s.key(name, filename)]
	return ok, nil
}

func (s *fakeStorage) RemoveTarball(ctx context.Context, name, filename string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tarballs, s.key(name, filename))
	return nil
}

func (s *fakeStorage) ListPackages(ctx context.Context) ([]string, error) {
	if s.manifest == nil {
		return nil, nil
	}
	return []string{s.manifest.Name}, nil
}

type fakeTarballWriter struct {
	buf     bytes.Buffer
	storage *fakeStorage
	key     string
}

func (w *fakeTarballWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *fakeTarballWriter) Close() error {
	w.storage.mu.Lock()
	defer w.storage.mu.Unlock()
	w.storage.tarballs[w.key] = w.buf.Bytes()
	return nil
}
func (w *fakeTarballWriter) Abort() error { return nil }

type fakeTarballReader struct {
	io.ReadCloser
	size int64
}

func (r *fakeTarballReader) ContentLength() int64 { return r.size }

func TestPipeline_GetTarball_LocalHit(t *testing.T) {
	store := newFakeStorage()
	store.tarballs["left-pad/left-pad-1.0.0.tgz"] = []byte("cached-bytes")

	p := New(store, uplink.NewRegistry(nil), 0, log.NewNopLogger())
	reader, length, err := p.GetTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", Options{})
	require.NoError(t, err)
	defer reader.Close()
	assert.EqualValues(t, len("cached-bytes"), length)
}

func TestPipeline_GetTarball_RemoteFallbackCaches(t *testing.T) {
	store := newFakeStorage()
	store.manifest = registry.NewManifest("left-pad")
	store.manifest.DistFiles["left-pad-1.0.0.tgz"] = registry.DistFile{URL: "https://registry.npmjs.org/left-pad-1.0.0.tgz"}

	u := &fakeUplink{name: "npmjs", cacheEnabled: true, body: []byte("upstream-bytes")}
	p := New(store, uplink.NewRegistry([]uplink.Uplink{u}), 0, log.NewNopLogger())

	reader, length, err := p.GetTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", Options{EnableRemote: true})
	require.NoError(t, err)
	data, _ := io.ReadAll(reader)
	_ = reader.Close()
	assert.Equal(t, "upstream-bytes", string(data))
	assert.EqualValues(t, len("upstream-bytes"), length)

	cached, err := store.ReadTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	cachedData, _ := io.ReadAll(cached)
	assert.Equal(t, "upstream-bytes", string(cachedData))
}

func TestPipeline_GetTarball_RemoteMiss_NoDistFile(t *testing.T) {
	store := newFakeStorage()
	store.manifest = registry.NewManifest("left-pad")

	p := New(store, uplink.NewRegistry(nil), 0, log.NewNopLogger())
	_, _, err := p.GetTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", Options{EnableRemote: true})
	var notFound registry.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestPipeline_GetTarball_RemoteDisabled_PropagatesNotFound(t *testing.T) {
	store := newFakeStorage()
	p := New(store, uplink.NewRegistry(nil), 0, log.NewNopLogger())

	_, _, err := p.GetTarball(context.Background(), "left-pad", "missing.tgz", Options{EnableRemote: false})
	var notFound registry.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
