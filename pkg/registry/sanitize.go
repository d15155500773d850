package registry

import (
	"fmt"
	"strings"
)

// SanitizeName turns a package name (optionally scoped, "@scope/name")
// into a single safe filesystem segment: strips null bytes and path
// separators, and folds the scope separator into something that can't
// be mistaken for one, so "@scope/name" and "scope" + separately
// published "name" can never collide on disk.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "/", "__")
	name = strings.ReplaceAll(name, "\\", "__")
	name = strings.ReplaceAll(name, "..", "__")
	return name
}

// SanitizeFilename strips path separators and null bytes from a
// tarball filename before it's joined with a package's storage root
// (spec §4.3, last paragraph).
func SanitizeFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\x00", "")
	filename = strings.ReplaceAll(filename, "/", "")
	filename = strings.ReplaceAll(filename, "\\", "")
	filename = strings.ReplaceAll(filename, "..", "")
	return filename
}

// RewriteTarballURL rewrites a version's dist.tarball URL from its
// upstream form to <prefix>/<package>/-/<filename>, the form the
// routing layer serves (spec §6). The caller is responsible for
// preserving the original URL in Manifest.DistFiles, which this
// function never touches.
func RewriteTarballURL(prefix, name, filename string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	return fmt.Sprintf("%s/%s/-/%s", prefix, name, filename)
}
