package registry

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for conditions that don't need per-call structured
// fields. Matched with errors.Is by callers.
var (
	ErrVarMissing     = errors.New("variable missing")
	ErrValidation     = errors.New("manifest validation failed")
	ErrResourceBusy   = errors.New("resource temporarily unavailable")
	ErrCancelled      = errors.New("operation cancelled")
)

// NotFoundError is returned when a package, version, or tarball is
// absent locally and every configured uplink agrees, or uplinks are
// disabled. Surfaces as HTTP 404 (spec §6).
type NotFoundError struct {
	Package string
	Version string // empty unless a specific version/tag was requested
}

func (e NotFoundError) Error() string {
	if e.Version != "" {
		return fmt.Sprintf("version %s of package %s does not exist", e.Version, e.Package)
	}
	return fmt.Sprintf("package %s not found", e.Package)
}

// ConflictError is returned when a create-if-absent precondition is
// violated, or the publish-gate detects the package already exists
// upstream. Surfaces as HTTP 409.
type ConflictError struct {
	Package string
	Reason  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("conflict for package %s: %s", e.Package, e.Reason)
}

// ServiceUnavailableError is returned when a package is missing locally
// and every configured uplink failed with a timeout-class error.
// Surfaces as HTTP 503.
type ServiceUnavailableError struct {
	Package string
	Causes  []error
}

func (e ServiceUnavailableError) Error() string {
	return fmt.Sprintf("package %s unavailable: all %d uplink(s) timed out", e.Package, len(e.Causes))
}

// InternalError wraps an unexpected failure (I/O, parse, lock
// contention beyond the retry budget). Surfaces as HTTP 500. Lock
// contention (EAGAIN) and a failed unlock after some other failure
// both funnel through here per spec §4.3/§7.
type InternalError struct {
	Op  string
	Err error
}

func (e InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e InternalError) Unwrap() error {
	return e.Err
}

// UplinkError associates a per-uplink failure with the uplink that
// produced it. The merge engine accumulates these without aborting the
// overall operation (spec §4.4 step 2d, §7 ValidationFailure).
type UplinkError struct {
	Uplink string
	Err    error
}

func (e UplinkError) Error() string {
	return fmt.Sprintf("uplink %s: %v", e.Uplink, e.Err)
}

func (e UplinkError) Unwrap() error {
	return e.Err
}

// FilterError records a filter's failure without failing the merge
// that produced the manifest it was meant to transform (spec §7).
type FilterError struct {
	Filter string
	Err    error
}

func (e FilterError) Error() string {
	return fmt.Sprintf("filter %s: %v", e.Filter, e.Err)
}

func (e FilterError) Unwrap() error {
	return e.Err
}

// GenericError maps the error taxonomy to an HTTP status code, the way
// core.GenericError does for boring-registry. The HTTP layer itself is
// out of scope, but it needs exactly one place to do this translation.
func GenericError(err error) int {
	var notFound NotFoundError
	var conflict ConflictError
	var unavailable ServiceUnavailableError

	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &unavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrVarMissing), errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
