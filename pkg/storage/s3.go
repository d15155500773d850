package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/packhouse/registry-core/pkg/registry"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// s3ClientAPI is the slice of the AWS SDK this plugin needs, mockable
// the way boring-registry's pkg/storage/s3.go mocks its own surface
// (see https://aws.github.io/aws-sdk-go-v2/docs/unit-testing/).
type s3ClientAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3DownloaderAPI fetches large objects as ranged, concurrent GETs,
// mirroring boring-registry's use of s3manager.Downloader. ReadTarball
// collects the downloaded object in memory before returning it.
type s3DownloaderAPI interface {
	Download(ctx context.Context, w io.WriterAt, in *s3.GetObjectInput, opts ...func(*manager.Downloader)) (int64, error)
}

// maxUpdateRetries bounds the optimistic-concurrency retry loop
// UpdatePackage uses in place of the filesystem plugin's advisory
// lock — object storage has no analogue of flock, so the
// "thread-safe read-modify-write" contract (spec §4.3) is expressed as
// a compare-and-swap on the object's ETag instead. Exhausting the
// budget surfaces the same registry.InternalError the fs plugin
// returns for lock contention, keeping the contract's failure
// semantics identical across plugins.
const maxUpdateRetries = 8

// S3Storage is an alternate Local Package Manager plugin backed by an
// S3-compatible bucket, demonstrating that §4.3's contract is not tied
// to a local filesystem.
type S3Storage struct {
	client     s3ClientAPI
	downloader s3DownloaderAPI
	bucket     string
	prefix     string
	logger     log.Logger
}

// NewS3Storage returns a fully initialized S3Storage.
func NewS3Storage(client s3ClientAPI, downloader s3DownloaderAPI, bucket, prefix string, logger log.Logger) *S3Storage {
	return &S3Storage{client: client, downloader: downloader, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3Storage) manifestKey(name string) string {
	return path.Join(s.prefix, registry.SanitizeName(name), manifestFilename)
}

func (s *S3Storage) tarballKey(name, filename string) string {
	return path.Join(s.prefix, registry.SanitizeName(name), registry.SanitizeFilename(filename))
}

func (s *S3Storage) ReadPackage(ctx context.Context, name string) (*registry.Manifest, error) {
	manifest, _, err := s.getManifest(ctx, name)
	return manifest, err
}

// getManifest also returns the object's ETag, used by UpdatePackage's
// compare-and-swap loop.
func (s *S3Storage) getManifest(ctx context.Context, name string) (*registry.Manifest, string, error) {
	manifest, etag, err := s.getManifestByKey(ctx, s.manifestKey(name))
	if err != nil {
		var notFound registry.NotFoundError
		if errors.As(err, &notFound) {
			return nil, "", registry.NotFoundError{Package: name}
		}
		return nil, "", err
	}
	return manifest, etag, nil
}

func (s *S3Storage) getManifestByKey(ctx context.Context, key string) (*registry.Manifest, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", registry.NotFoundError{Package: key}
		}
		return nil, "", registry.InternalError{Op: "ReadPackage", Err: err}
	}
	defer func() { _ = out.Body.Close() }()

	var manifest registry.Manifest
	if err := json.NewDecoder(out.Body).Decode(&manifest); err != nil {
		return nil, "", registry.InternalError{Op: "ReadPackage", Err: fmt.Errorf("decode manifest: %w", err)}
	}

	etag := ""
	if out.ETag != nil {
		etag = *out.ETag
	}
	return &manifest, etag, nil
}

func (s *S3Storage) CreatePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	manifest.ClearReadOnly()
	body, err := marshalManifest(manifest)
	if err != nil {
		return registry.InternalError{Op: "CreatePackage", Err: err}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.manifestKey(name)),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return registry.ConflictError{Package: name, Reason: "package already exists"}
		}
		return registry.InternalError{Op: "CreatePackage", Err: err}
	}
	return nil
}

func (s *S3Storage) SavePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	manifest.ClearReadOnly()
	body, err := marshalManifest(manifest)
	if err != nil {
		return registry.InternalError{Op: "SavePackage", Err: err}
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(name)),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return registry.InternalError{Op: "SavePackage", Err: err}
	}
	return nil
}

// UpdatePackage performs an optimistic-concurrency read-modify-write:
// read with its ETag, transform, write back conditioned on that ETag
// still matching. A concurrent writer wins the race and this retries,
// bounded by maxUpdateRetries (the object-storage analogue of the fs
// plugin's advisory-lock retry budget, spec §4.3/§5).
func (s *S3Storage) UpdatePackage(ctx context.Context, name string, transform TransformFunc) (*registry.Manifest, error) {
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		manifest, etag, err := s.getManifest(ctx, name)
		if err != nil {
			return nil, err
		}

		updated, err := transform(manifest)
		if err != nil {
			return nil, err
		}

		body, err := marshalManifest(updated)
		if err != nil {
			return nil, registry.InternalError{Op: "UpdatePackage", Err: err}
		}

		putInput := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.manifestKey(name)),
			Body:   bytes.NewReader(body),
		}
		if etag != "" {
			putInput.IfMatch = aws.String(etag)
		}

		_, err = s.client.PutObject(ctx, putInput)
		if err == nil {
			return updated, nil
		}
		if !isPreconditionFailed(err) {
			return nil, registry.InternalError{Op: "UpdatePackage", Err: err}
		}
		// ETag changed under us; retry with a fresh read.
	}

	return nil, registry.InternalError{Op: "UpdatePackage", Err: errLockBusy}
}

func (s *S3Storage) DeletePackage(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(name)),
	})
	if err != nil {
		return registry.InternalError{Op: "DeletePackage", Err: err}
	}
	return nil
}

func (s *S3Storage) RemovePackage(ctx context.Context, name string) error {
	prefix := path.Join(s.prefix, registry.SanitizeName(name)) + "/"

	list, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return registry.InternalError{Op: "RemovePackage", Err: err}
	}

	for _, obj := range list.Contents {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    obj.Key,
		}); err != nil {
			return registry.InternalError{Op: "RemovePackage", Err: err}
		}
	}
	return nil
}

func (s *S3Storage) HasPackage(ctx context.Context, name string) (bool, error) {
	return s.objectExists(ctx, s.manifestKey(name))
}

// ListPackages paginates every object under the bucket prefix, keeping
// the ones whose key ends in the manifest filename, and decodes each
// to recover its canonical name (spec §4.1 getLocalDatabase). A
// manifest that fails to read is logged and skipped, not propagated.
func (s *S3Storage) ListPackages(ctx context.Context) ([]string, error) {
	prefix := s.prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var names []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, registry.InternalError{Op: "ListPackages", Err: err}
		}

		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, "/"+manifestFilename) {
				continue
			}
			manifest, _, err := s.getManifestByKey(ctx, key)
			if err != nil {
				_ = level.Warn(s.logger).Log("op", "ListPackages", "key", key, "err", err)
				continue
			}
			names = append(names, manifest.Name)
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		token = out.NextContinuationToken
	}
	return names, nil
}

func (s *S3Storage) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

// WriteTarball buffers the tarball in memory and commits it with
// IfNoneMatch: "*" for create-if-absent exclusivity. s3manager's
// streaming Uploader does not expose conditional-put headers, so the
// plugin trades streaming for the same atomicity guarantee the fs
// plugin gets from open(O_EXCL) — noted as a scope reduction, not a
// semantic gap (spec §4.3 P2).
func (s *S3Storage) WriteTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballWriter, error) {
	key := s.tarballKey(name, filename)

	exists, err := s.objectExists(ctx, key)
	if err != nil {
		return nil, registry.InternalError{Op: "WriteTarball", Err: err}
	}
	if exists {
		return nil, registry.ConflictError{Package: name, Reason: "tarball " + filename + " already exists"}
	}

	w := &s3TarballWriter{storage: s, key: key, name: name}
	if cancel != nil {
		go w.watchCancel(cancel)
	}
	return w, nil
}

type s3TarballWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	storage *S3Storage
	key     string
	name    string
	closed  bool
	aborted bool
}

func (w *s3TarballWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *s3TarballWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.aborted {
		return nil
	}

	_, err := w.storage.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      aws.String(w.storage.bucket),
		Key:         aws.String(w.key),
		Body:        bytes.NewReader(w.buf.Bytes()),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if isPreconditionFailed(err) {
			return registry.ConflictError{Package: w.name, Reason: "tarball already exists"}
		}
		return registry.InternalError{Op: "WriteTarball.Close", Err: err}
	}
	return nil
}

func (w *s3TarballWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	w.aborted = true
	w.buf.Reset()
	return nil
}

func (w *s3TarballWriter) watchCancel(cancel <-chan struct{}) {
	<-cancel
	_ = w.Abort()
}

// ReadTarball fetches the object via s.downloader when available —
// manager.Downloader splits large tarballs into ranged, concurrent GETs
// the way boring-registry's pkg/storage/s3.go uses it for providers
// binaries — falling back to a plain GetObject otherwise (e.g. in tests
// that construct an S3Storage with downloader == nil).
func (s *S3Storage) ReadTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballReader, error) {
	key := s.tarballKey(name, filename)

	if s.downloader != nil {
		buf := manager.NewWriteAtBuffer(nil)
		if _, err := s.downloader.Download(ctx, buf, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			if isNotFound(err) {
				return nil, registry.NotFoundError{Package: name, Version: filename}
			}
			return nil, registry.InternalError{Op: "ReadTarball", Err: err}
		}

		body := buf.Bytes()
		r := &s3TarballReader{body: io.NopCloser(bytes.NewReader(body)), size: int64(len(body))}
		if cancel != nil {
			go r.watchCancel(cancel)
		}
		return r, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, registry.NotFoundError{Package: name, Version: filename}
		}
		return nil, registry.InternalError{Op: "ReadTarball", Err: err}
	}

	length := int64(0)
	if out.ContentLength != nil {
		length = *out.ContentLength
	}
	r := &s3TarballReader{body: out.Body, size: length}
	if cancel != nil {
		go r.watchCancel(cancel)
	}
	return r, nil
}

type s3TarballReader struct {
	mu     sync.Mutex
	body   io.ReadCloser
	size   int64
	closed bool
}

func (r *s3TarballReader) Read(p []byte) (int, error) { return r.body.Read(p) }

func (r *s3TarballReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.body.Close()
}

func (r *s3TarballReader) ContentLength() int64 { return r.size }

func (r *s3TarballReader) watchCancel(cancel <-chan struct{}) {
	<-cancel
	_ = r.Close()
}

func (s *S3Storage) HasTarball(ctx context.Context, name, filename string) (bool, error) {
	return s.objectExists(ctx, s.tarballKey(name, filename))
}

// RemoveTarball deletes a cached tarball object. A missing object is
// not an error (spec §3 "Lifecycles").
func (s *S3Storage) RemoveTarball(ctx context.Context, name, filename string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.tarballKey(name, filename)),
	})
	if err != nil && !isNotFound(err) {
		return registry.InternalError{Op: "RemoveTarball", Err: err}
	}
	return nil
}

// isNotFound and isPreconditionFailed classify SDK errors the way
// boring-registry's objectExists does, via awshttp.ResponseError.
func isNotFound(err error) bool {
	var responseErr *awshttp.ResponseError
	return errors.As(err, &responseErr) && responseErr.ResponseError.HTTPStatusCode() == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		code := responseErr.ResponseError.HTTPStatusCode()
		return code == http.StatusPreconditionFailed || code == http.StatusConflict
	}
	return strings.Contains(err.Error(), "PreconditionFailed")
}
