package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"testing"

	"github.com/packhouse/registry-core/pkg/registry"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3Client is an in-memory s3ClientAPI, the same style boring-
// registry's s3_test.go uses for its mockS3Client.
type mockS3Client struct {
	objects map[string][]byte
	etags   map[string]string
	nextTag int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte), etags: make(map[string]string)}
}

func notFoundErr() error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{
				Response: &http.Response{StatusCode: http.StatusNotFound},
			},
		},
	}
}

func preconditionFailedErr() error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{
				Response: &http.Response{StatusCode: http.StatusPreconditionFailed},
			},
		},
	}
}

func (m *mockS3Client) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := *in.Key
	body, ok := m.objects[key]
	if !ok {
		return nil, notFoundErr()
	}
	etag := m.etags[key]
	length := int64(len(body))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body)), ETag: &etag, ContentLength: &length}, nil
}

func (m *mockS3Client) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := *in.Key
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	_, exists := m.objects[key]
	if in.IfNoneMatch != nil && *in.IfNoneMatch == "*" && exists {
		return nil, preconditionFailedErr()
	}
	if in.IfMatch != nil {
		if m.etags[key] != *in.IfMatch {
			return nil, preconditionFailedErr()
		}
	}

	m.nextTag++
	etag := fmtEtag(m.nextTag)
	m.objects[key] = body
	m.etags[key] = etag
	return &s3.PutObjectOutput{ETag: &etag}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := m.objects[*in.Key]; !ok {
		return nil, notFoundErr()
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(m.objects, *in.Key)
	delete(m.etags, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := ""
	if in.Prefix != nil {
		prefix = *in.Prefix
	}

	var contents []s3.Object
	for key := range m.objects {
		if len(prefix) > 0 && (len(key) < len(prefix) || key[:len(prefix)] != prefix) {
			continue
		}
		key := key
		contents = append(contents, s3.Object{Key: &key})
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func fmtEtag(n int) string {
	return "etag-" + strconv.Itoa(n)
}

// mockS3Downloader is an in-memory s3DownloaderAPI, mirroring boring-
// registry's mockS3Downloader.
type mockS3Downloader struct {
	data map[string][]byte
	err  error
}

func (m *mockS3Downloader) Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	data, ok := m.data[*in.Key]
	if !ok {
		return 0, notFoundErr()
	}
	n, err := w.WriteAt(data, 0)
	return int64(n), err
}

func TestS3Storage_CreatePackage(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())

	err := s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad"))
	require.NoError(t, err)

	manifest, err := s.ReadPackage(context.Background(), "left-pad")
	require.NoError(t, err)
	assert.Equal(t, "left-pad", manifest.Name)
}

func TestS3Storage_CreatePackage_Conflict(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())
	require.NoError(t, s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad")))

	err := s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad"))
	var conflict registry.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestS3Storage_ReadPackage_NotFound(t *testing.T) {
	s := NewS3Storage(newMockS3Client(), nil, "bucket", "registry", log.NewNopLogger())

	_, err := s.ReadPackage(context.Background(), "missing")
	var notFound registry.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestS3Storage_UpdatePackage(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())
	require.NoError(t, s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad")))

	updated, err := s.UpdatePackage(context.Background(), "left-pad", func(m *registry.Manifest) (*registry.Manifest, error) {
		m.DistTags["latest"] = "1.0.0"
		return m, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", updated.DistTags["latest"])
}

func TestS3Storage_HasPackage(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())
	require.NoError(t, s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad")))

	has, err := s.HasPackage(context.Background(), "left-pad")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasPackage(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestS3Storage_ListPackages(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())
	require.NoError(t, s.CreatePackage(context.Background(), "left-pad", registry.NewManifest("left-pad")))
	require.NoError(t, s.CreatePackage(context.Background(), "@corp/widget", registry.NewManifest("@corp/widget")))

	names, err := s.ListPackages(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"left-pad", "@corp/widget"}, names)
}

func TestS3Storage_WriteTarball_ThenReadTarball(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())

	w, err := s.WriteTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("tarball-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := s.ReadTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	defer r.Close()
	assert.EqualValues(t, len("tarball-bytes"), r.ContentLength())
}

func TestS3Storage_ReadTarball_UsesDownloaderWhenSet(t *testing.T) {
	client := newMockS3Client()
	downloader := &mockS3Downloader{data: map[string][]byte{"registry/left-pad/left-pad-1.0.0.tgz": []byte("from-downloader")}}
	s := NewS3Storage(client, downloader, "bucket", "registry", log.NewNopLogger())

	r, err := s.ReadTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	defer r.Close()

	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "from-downloader", string(body))
}

func TestS3Storage_WriteTarball_Conflict(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())

	w, err := s.WriteTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = s.WriteTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	var conflict registry.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestS3Storage_HasTarball(t *testing.T) {
	client := newMockS3Client()
	s := NewS3Storage(client, nil, "bucket", "registry", log.NewNopLogger())

	has, err := s.HasTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz")
	require.NoError(t, err)
	assert.False(t, has)

	w, err := s.WriteTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz", nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	has, err = s.HasTarball(context.Background(), "left-pad", "left-pad-1.0.0.tgz")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestS3Storage_RemoveTarball_MissingIsNotError(t *testing.T) {
	s := NewS3Storage(newMockS3Client(), nil, "bucket", "registry", log.NewNopLogger())
	err := s.RemoveTarball(context.Background(), "left-pad", "missing.tgz")
	assert.NoError(t, err)
}
