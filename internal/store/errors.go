package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification with errors.Is. The typed errors below
// wrap these and carry enough context (tenant, id, field) for a caller to
// act without re-deriving it from logs.
var (
	ErrTenantViolation    = errors.New("tenant violation")
	ErrNotFound           = errors.New("not found")
	ErrDanglingReference  = errors.New("dangling reference")
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrConflictRetryable  = errors.New("retryable conflict")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// TenantViolationError reports a cross-tenant access attempt or an
// unresolvable tenant identity. Always rejected, never silently scoped.
type TenantViolationError struct {
	Tenant string
	Detail string
}

func (e *TenantViolationError) Error() string {
	if e.Tenant == "" {
		return fmt.Sprintf("tenant violation: %s", e.Detail)
	}
	return fmt.Sprintf("tenant violation for %q: %s", e.Tenant, e.Detail)
}

func (e *TenantViolationError) Unwrap() error { return ErrTenantViolation }

// NotFoundError reports an id that does not exist in the caller's tenant.
type NotFoundError struct {
	Tenant string
	Kind   string // "node", "edge"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found in tenant %q", e.Kind, e.ID, e.Tenant)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DanglingReferenceError reports an edge endpoint that does not resolve to
// a node in the caller's tenant.
type DanglingReferenceError struct {
	Tenant string
	End    string // "src" or "dst"
	ID     string
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("edge %s %q does not resolve in tenant %q", e.End, e.ID, e.Tenant)
}

func (e *DanglingReferenceError) Unwrap() error { return ErrDanglingReference }

// DimensionMismatchError reports an embedding vector whose length disagrees
// with the deployment's configured dimension.
type DimensionMismatchError struct {
	Model string
	Want  int
	Got   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding for model %q has dimension %d, want %d", e.Model, e.Got, e.Want)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }
