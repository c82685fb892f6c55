// Package tenant derives vector index namespaces from tenant IDs and
// enforces that every storage and query operation stays inside one.
//
// Security guarantees:
//   - A namespace is derived only from an explicit tenant ID argument, never
//     from ambient request state.
//   - Derivation is injective: distinct tenant IDs never share a namespace.
//   - Missing or malformed namespaces fail closed.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const namespacePrefix = "tenant_"

var (
	// ErrMissingNamespace is returned when an operation carries no namespace.
	ErrMissingNamespace = errors.New("tenant namespace is required")

	// ErrInvalidNamespace is returned for tenant IDs or namespaces that do
	// not match the allowed format.
	ErrInvalidNamespace = errors.New("invalid tenant namespace")

	// ErrIsolationViolation marks any detected cross-namespace read or write.
	ErrIsolationViolation = errors.New("tenant isolation violation")
)

// tenantIDPattern allows alphanumeric, hyphen, underscore (1-64 chars).
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Namespace is a vector index partition owned by exactly one tenant.
// The zero value is invalid.
type Namespace struct {
	name     string
	tenantID string
}

// NamespaceFor derives the namespace of tenantID.
func NamespaceFor(tenantID string) (Namespace, error) {
	if tenantID == "" {
		return Namespace{}, ErrMissingNamespace
	}
	if !tenantIDPattern.MatchString(tenantID) {
		return Namespace{}, fmt.Errorf("%w: tenant id %q must match %s", ErrInvalidNamespace, tenantID, tenantIDPattern)
	}
	return Namespace{name: namespacePrefix + tenantID, tenantID: tenantID}, nil
}

// MustNamespace is NamespaceFor for tests and constants; it panics on error.
func MustNamespace(tenantID string) Namespace {
	ns, err := NamespaceFor(tenantID)
	if err != nil {
		panic(err)
	}
	return ns
}

// ParseNamespace reverses String for namespaces read back from storage.
func ParseNamespace(name string) (Namespace, error) {
	if name == "" {
		return Namespace{}, ErrMissingNamespace
	}
	id, ok := strings.CutPrefix(name, namespacePrefix)
	if !ok {
		return Namespace{}, fmt.Errorf("%w: %q lacks the %q prefix", ErrInvalidNamespace, name, namespacePrefix)
	}
	return NamespaceFor(id)
}

// String returns the storage name of the namespace.
func (n Namespace) String() string { return n.name }

// TenantID returns the tenant that owns the namespace.
func (n Namespace) TenantID() string { return n.tenantID }

// IsZero reports whether n was never derived from a tenant ID.
func (n Namespace) IsZero() bool { return n.name == "" }

// Validate fails closed on the zero value.
func (n Namespace) Validate() error {
	if n.IsZero() {
		return ErrMissingNamespace
	}
	return nil
}
