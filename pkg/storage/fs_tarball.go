package storage

import (
	"context"
	"os"
	"sync"

	"github.com/packhouse/registry-core/pkg/registry"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// WriteTarball opens a writable stream staged to <filename>.tmp-<rand>.
// A CONFLICT error is emitted if filename already exists at stream-open
// time (spec §4.3).
func (s *FilesystemStorage) WriteTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballWriter, error) {
	final := tarballPath(s.root, name, filename)

	if _, err := s.fs.Stat(final); err == nil {
		return nil, registry.ConflictError{Package: name, Reason: "tarball " + filename + " already exists"}
	} else if !os.IsNotExist(err) {
		return nil, registry.InternalError{Op: "WriteTarball", Err: err}
	}

	if err := s.fs.MkdirAll(packageDir(s.root, name), 0o755); err != nil {
		return nil, registry.InternalError{Op: "WriteTarball", Err: errors.Wrap(err, "mkdir")}
	}

	tmp := tmpName(final)
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, registry.InternalError{Op: "WriteTarball", Err: errors.Wrap(err, "open staging file")}
	}

	w := &fsTarballWriter{
		file:    f,
		tmp:     tmp,
		final:   final,
		storage: s,
	}
	if cancel != nil {
		go w.watchCancel(cancel)
	}
	return w, nil
}

type fsTarballWriter struct {
	mu       sync.Mutex
	file     LocalFile
	tmp      string
	final    string
	storage  *FilesystemStorage
	closed   bool
	writeErr error
}

func (w *fsTarballWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.mu.Lock()
		w.writeErr = err
		w.mu.Unlock()
		// Deletion of the staging file is deferred until Close/Abort, per
		// spec §4.3: "If the write fails after the file descriptor
		// opened, deletion is deferred until close."
	}
	return n, err
}

// Close marks the stream done: on a clean write it renames the staging
// file into place; if a prior Write failed, it cleans up the staging
// file and returns that error instead.
func (w *fsTarballWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	closeErr := w.file.Close()

	if w.writeErr != nil {
		_ = w.storage.fs.Remove(w.tmp)
		return w.writeErr
	}
	if closeErr != nil {
		_ = w.storage.fs.Remove(w.tmp)
		return registry.InternalError{Op: "WriteTarball.Close", Err: closeErr}
	}

	if err := w.storage.renameInto(w.tmp, w.final); err != nil {
		_ = w.storage.fs.Remove(w.tmp)
		return registry.InternalError{Op: "WriteTarball.Close", Err: err}
	}
	return nil
}

// Abort closes the underlying file and deletes the staging file,
// without renaming it into place (spec §4.3, §5 cancellation).
func (w *fsTarballWriter) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	_ = w.file.Close()
	return w.storage.fs.Remove(w.tmp)
}

func (w *fsTarballWriter) watchCancel(cancel <-chan struct{}) {
	<-cancel
	if err := w.Abort(); err != nil {
		_ = level.Warn(w.storage.logger).Log("op", "WriteTarball", "message", "abort after cancel failed", "err", err)
	}
}

// ReadTarball opens filename for reading, reporting its size via fstat
// before the first byte (spec §4.3).
func (s *FilesystemStorage) ReadTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballReader, error) {
	path := tarballPath(s.root, name, filename)

	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, registry.NotFoundError{Package: name, Version: filename}
		}
		return nil, registry.InternalError{Op: "ReadTarball", Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, registry.InternalError{Op: "ReadTarball", Err: err}
	}

	r := &fsTarballReader{file: f, size: info.Size()}
	if cancel != nil {
		go r.watchCancel(cancel)
	}
	return r, nil
}

type fsTarballReader struct {
	mu     sync.Mutex
	file   LocalFile
	size   int64
	closed bool
}

func (r *fsTarballReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *fsTarballReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

func (r *fsTarballReader) ContentLength() int64 {
	return r.size
}

func (r *fsTarballReader) watchCancel(cancel <-chan struct{}) {
	<-cancel
	_ = r.Close()
}

// RemoveTarball deletes a cached tarball after its version is
// unpublished. Absence is not an error: the tarball may never have
// been cached locally (spec §3 "Lifecycles").
func (s *FilesystemStorage) RemoveTarball(ctx context.Context, name, filename string) error {
	if err := s.fs.Remove(tarballPath(s.root, name, filename)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return registry.InternalError{Op: "RemoveTarball", Err: err}
	}
	return nil
}

func (s *FilesystemStorage) HasTarball(ctx context.Context, name, filename string) (bool, error) {
	_, err := s.fs.Stat(tarballPath(s.root, name, filename))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, registry.InternalError{Op: "HasTarball", Err: err}
}
