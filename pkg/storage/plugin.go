// Package storage implements the Local Package Manager plugin contract
// (spec §4.3): atomic, lockable read-modify-write on manifest
// documents, and conflict-safe tarball uploads. Storage ships a
// filesystem implementation (fs.go) and an S3-backed one (s3.go); any
// type satisfying Storage can replace either.
package storage

import (
	"context"
	"io"

	"github.com/packhouse/registry-core/pkg/registry"
)

// TransformFunc mutates a manifest during UpdatePackage's
// read-modify-write cycle and returns the manifest to persist.
type TransformFunc func(*registry.Manifest) (*registry.Manifest, error)

// TarballWriter stages a tarball upload. Close renames the staged file
// into place (end-of-write); Abort deletes it instead (spec §4.3).
type TarballWriter interface {
	io.Writer
	Close() error
	Abort() error
}

// TarballReader streams a tarball back out, reporting its size before
// the first byte the way fstat does (spec §4.3).
type TarballReader interface {
	io.ReadCloser
	ContentLength() int64
}

// Storage is the Local Package Manager plugin contract.
type Storage interface {
	// ReadPackage returns NOT_FOUND (registry.NotFoundError) if no
	// manifest exists for name.
	ReadPackage(ctx context.Context, name string) (*registry.Manifest, error)

	// CreatePackage atomically creates name's manifest if absent, and
	// fails with registry.ConflictError if it already exists.
	CreatePackage(ctx context.Context, name string, manifest *registry.Manifest) error

	// SavePackage unconditionally overwrites name's manifest via
	// temp-file + rename. Not safe against concurrent writers; callers
	// that need a safe read-modify-write use UpdatePackage.
	SavePackage(ctx context.Context, name string, manifest *registry.Manifest) error

	// UpdatePackage performs the thread-safe read-modify-write protocol
	// of spec §4.3: lock, read, transform, write to a temp file, rename,
	// unlock in every exit path.
	UpdatePackage(ctx context.Context, name string, transform TransformFunc) (*registry.Manifest, error)

	// DeletePackage removes name's manifest file.
	DeletePackage(ctx context.Context, name string) error

	// RemovePackage removes the package's entire storage directory.
	RemovePackage(ctx context.Context, name string) error

	HasPackage(ctx context.Context, name string) (bool, error)

	// ListPackages enumerates every locally stored package's canonical
	// name (spec §4.1 getLocalDatabase). A package whose manifest fails
	// to read is skipped, not propagated as a call failure.
	ListPackages(ctx context.Context) ([]string, error)

	// WriteTarball opens a writable stream staged to a temp file.
	// cancel, when closed, aborts the write and deletes the staging
	// file. Emits registry.ConflictError if filename already exists at
	// stream-open time.
	WriteTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballWriter, error)

	// ReadTarball opens filename for reading. cancel, when closed,
	// closes the underlying file descriptor. Returns NOT_FOUND if the
	// tarball is absent.
	ReadTarball(ctx context.Context, name, filename string, cancel <-chan struct{}) (TarballReader, error)

	HasTarball(ctx context.Context, name, filename string) (bool, error)

	// RemoveTarball deletes a cached tarball blob after its referencing
	// version is unpublished (spec §3 "Lifecycles").
	RemoveTarball(ctx context.Context, name, filename string) error
}
