package storage

import (
	"path/filepath"

	"github.com/packhouse/registry-core/pkg/registry"
)

const manifestFilename = "package.json"

// packageDir returns <root>/<sanitized-name> (spec §6 storage root
// layout).
func packageDir(root, name string) string {
	return filepath.Join(root, registry.SanitizeName(name))
}

func manifestPath(root, name string) string {
	return filepath.Join(packageDir(root, name), manifestFilename)
}

func tarballPath(root, name, filename string) string {
	return filepath.Join(packageDir(root, name), registry.SanitizeFilename(filename))
}
