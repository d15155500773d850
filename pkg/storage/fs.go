package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/packhouse/registry-core/pkg/registry"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LocalFile is the file handle surface FilesystemStorage needs. *os.File
// satisfies it; tests substitute an in-memory fake.
type LocalFile interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Stat() (os.FileInfo, error)
}

// LocalFileSystem is the filesystem surface FilesystemStorage needs,
// injected so tests can substitute an in-memory fake without touching
// disk — the same pattern boring-registry's pkg/storage/local.go uses
// for its LocalFileSystem interface. UpdatePackage's advisory lock file
// (lock.go) is the exception: it is opened on the real filesystem,
// outside this interface.
type LocalFileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (LocalFile, error)
	Stat(name string) (os.FileInfo, error)
	ReadDir(name string) ([]os.DirEntry, error)
	MkdirAll(name string, perm os.FileMode) error
	Remove(name string) error
	RemoveAll(name string) error
	Rename(oldpath, newpath string) error
}

type osFileSystem struct{}

func (osFileSystem) OpenFile(name string, flag int, perm os.FileMode) (LocalFile, error) {
	return os.OpenFile(name, flag, perm)
}
func (osFileSystem) Stat(name string) (os.FileInfo, error)       { return os.Stat(name) }
func (osFileSystem) ReadDir(name string) ([]os.DirEntry, error)  { return os.ReadDir(name) }
func (osFileSystem) MkdirAll(name string, perm os.FileMode) error { return os.MkdirAll(name, perm) }
func (osFileSystem) Remove(name string) error                   { return os.Remove(name) }
func (osFileSystem) RemoveAll(name string) error                 { return os.RemoveAll(name) }
func (osFileSystem) Rename(oldpath, newpath string) error       { return os.Rename(oldpath, newpath) }

// FilesystemOptions configures a FilesystemStorage.
type FilesystemOptions struct {
	Root string

	// WindowsRenameFallback forces the move-aside rename protocol (spec
	// §9 "Windows rename quirk") regardless of GOOS. Nil means
	// behavior-detected from runtime.GOOS.
	WindowsRenameFallback *bool
}

// FilesystemStorage is the on-disk Storage implementation: the default
// Local Package Manager plugin (spec §4.3).
type FilesystemStorage struct {
	fs     LocalFileSystem
	root   string
	locks  *lockTable
	logger log.Logger

	windowsRenameFallback bool
}

// NewFilesystemStorage returns a fully initialized FilesystemStorage
// rooted at opts.Root.
func NewFilesystemStorage(opts FilesystemOptions, logger log.Logger) *FilesystemStorage {
	fallback := runtime.GOOS == "windows"
	if opts.WindowsRenameFallback != nil {
		fallback = *opts.WindowsRenameFallback
	}

	return &FilesystemStorage{
		fs:                    osFileSystem{},
		root:                  opts.Root,
		locks:                 newLockTable(),
		logger:                logger,
		windowsRenameFallback: fallback,
	}
}

// withFileSystem substitutes fs, for tests that want to exercise error
// paths (permission denied, disk full) without touching real disk.
func (s *FilesystemStorage) withFileSystem(fs LocalFileSystem) *FilesystemStorage {
	s.fs = fs
	return s
}

func (s *FilesystemStorage) ReadPackage(ctx context.Context, name string) (*registry.Manifest, error) {
	return s.readManifestFile(manifestPath(s.root, name), name)
}

func (s *FilesystemStorage) readManifestFile(path, name string) (*registry.Manifest, error) {
	f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, registry.NotFoundError{Package: name}
		}
		return nil, registry.InternalError{Op: "ReadPackage", Err: errors.Wrap(err, "open manifest")}
	}
	defer func() { _ = f.Close() }()

	var manifest registry.Manifest
	if err := json.NewDecoder(f).Decode(&manifest); err != nil {
		return nil, registry.InternalError{Op: "ReadPackage", Err: errors.Wrap(err, "decode manifest")}
	}
	return &manifest, nil
}

// CreatePackage implements the atomic create-if-absent contract: an
// open-exclusive claim on package.json, followed by the usual
// temp-file + rename write of the body (spec §4.3).
func (s *FilesystemStorage) CreatePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	dir := packageDir(s.root, name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return registry.InternalError{Op: "CreatePackage", Err: errors.Wrap(err, "mkdir")}
	}

	path := manifestPath(s.root, name)
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return registry.ConflictError{Package: name, Reason: "package already exists"}
		}
		return registry.InternalError{Op: "CreatePackage", Err: errors.Wrap(err, "open-exclusive")}
	}
	_ = f.Close()

	if err := s.writeManifestAtomic(path, manifest); err != nil {
		return registry.InternalError{Op: "CreatePackage", Err: err}
	}
	return nil
}

// SavePackage unconditionally overwrites via temp-file + rename. Not
// safe against concurrent writers (spec §4.3).
func (s *FilesystemStorage) SavePackage(ctx context.Context, name string, manifest *registry.Manifest) error {
	dir := packageDir(s.root, name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return registry.InternalError{Op: "SavePackage", Err: errors.Wrap(err, "mkdir")}
	}

	if err := s.writeManifestAtomic(manifestPath(s.root, name), manifest); err != nil {
		return registry.InternalError{Op: "SavePackage", Err: err}
	}
	return nil
}

// UpdatePackage is the thread-safe read-modify-write protocol of spec
// §4.3: acquire the exclusive advisory lock, read+parse, transform,
// write to a temp file, rename, release the lock in every exit path.
func (s *FilesystemStorage) UpdatePackage(ctx context.Context, name string, transform TransformFunc) (result *registry.Manifest, err error) {
	path := manifestPath(s.root, name)
	fl := s.locks.get(path)

	locked, lockErr := acquire(ctx, fl)
	if lockErr != nil {
		return nil, registry.InternalError{Op: "UpdatePackage", Err: errors.Wrap(lockErr, "acquire lock")}
	}
	if !locked {
		return nil, registry.InternalError{Op: "UpdatePackage", Err: errLockBusy}
	}

	defer func() {
		if unlockErr := fl.Unlock(); unlockErr != nil {
			_ = level.Error(s.logger).Log("op", "UpdatePackage", "package", name, "message", "failed to release lock", "err", unlockErr)
			if err != nil {
				// The original error is wrapped as resource-unavailable
				// once the unlock itself also fails (spec §4.3).
				err = registry.InternalError{Op: "UpdatePackage", Err: errors.Wrap(err, errLockBusy.Error())}
			} else {
				err = registry.InternalError{Op: "UpdatePackage", Err: unlockErr}
			}
		}
	}()

	manifest, readErr := s.readManifestFile(path, name)
	if readErr != nil {
		err = readErr
		return nil, err
	}

	updated, transformErr := transform(manifest)
	if transformErr != nil {
		err = transformErr
		return nil, err
	}

	if writeErr := s.writeManifestAtomic(path, updated); writeErr != nil {
		err = registry.InternalError{Op: "UpdatePackage", Err: writeErr}
		return nil, err
	}

	result = updated
	return result, nil
}

func (s *FilesystemStorage) DeletePackage(ctx context.Context, name string) error {
	if err := s.fs.Remove(manifestPath(s.root, name)); err != nil {
		if os.IsNotExist(err) {
			return registry.NotFoundError{Package: name}
		}
		return registry.InternalError{Op: "DeletePackage", Err: err}
	}
	return nil
}

func (s *FilesystemStorage) RemovePackage(ctx context.Context, name string) error {
	if err := s.fs.RemoveAll(packageDir(s.root, name)); err != nil {
		return registry.InternalError{Op: "RemovePackage", Err: err}
	}
	return nil
}

func (s *FilesystemStorage) HasPackage(ctx context.Context, name string) (bool, error) {
	_, err := s.fs.Stat(manifestPath(s.root, name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, registry.InternalError{Op: "HasPackage", Err: err}
}

// ListPackages walks the storage root's immediate subdirectories, each
// one a sanitized package name, and reads back the manifest's
// canonical (unsanitized) name. A directory whose manifest fails to
// read is logged and skipped (spec §4.1 getLocalDatabase).
func (s *FilesystemStorage) ListPackages(ctx context.Context) ([]string, error) {
	entries, err := s.fs.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, registry.InternalError{Op: "ListPackages", Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.root, entry.Name(), manifestFilename)
		manifest, readErr := s.readManifestFile(path, entry.Name())
		if readErr != nil {
			_ = level.Warn(s.logger).Log("op", "ListPackages", "dir", entry.Name(), "err", readErr)
			continue
		}
		names = append(names, manifest.Name)
	}
	return names, nil
}

// writeManifestAtomic serializes manifest as tab-indented JSON (spec
// §6), writes it to a temp file, and renames it into place.
func (s *FilesystemStorage) writeManifestAtomic(path string, manifest *registry.Manifest) error {
	manifest.ClearReadOnly()

	body, err := marshalManifest(manifest)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}

	tmp := tmpName(path)
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "open temp file")
	}

	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "write temp file")
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "close temp file")
	}

	if err := s.renameInto(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return errors.Wrap(err, "rename into place")
	}
	return nil
}

// renameInto renames tmp over path. On platforms where renaming over
// an open file is forbidden, it moves the existing target aside first,
// renames tmp in, then unlinks the displaced file (spec §4.3 step 5,
// §9 "Windows rename quirk").
func (s *FilesystemStorage) renameInto(tmp, path string) error {
	if !s.windowsRenameFallback {
		return s.fs.Rename(tmp, path)
	}

	displaced := tmpName(path)
	hadExisting := true
	if err := s.fs.Rename(path, displaced); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		hadExisting = false
	}

	if err := s.fs.Rename(tmp, path); err != nil {
		if hadExisting {
			_ = s.fs.Rename(displaced, path) // best-effort restore
		}
		return err
	}

	if hadExisting {
		_ = s.fs.Remove(displaced) // best-effort; never masks the rename's success
	}
	return nil
}

func marshalManifest(manifest *registry.Manifest) ([]byte, error) {
	return json.MarshalIndent(manifest, "", "\t")
}

func tmpName(path string) string {
	return filepath.Join(filepath.Dir(path), filepath.Base(path)+".tmp-"+uuid.NewString())
}
