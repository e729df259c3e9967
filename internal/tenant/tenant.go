// Package tenant defines the tenant entity and its repository.
//
// A tenant is one connected commerce store and the isolation boundary for
// its vector-store namespace. Tenants are deactivated (not deleted) on
// disconnect; the row is removed only after namespace cleanup completes, so
// a crashed cleanup can be re-triggered.
package tenant

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound        = errors.New("tenant not found")
	ErrAlreadyExists   = errors.New("tenant already exists")
	ErrInvalidTenantID = errors.New("invalid tenant ID")
)

// identifierPattern validates tenant IDs used in namespace names.
// Lowercase alphanumeric, hyphens and underscores, 1-64 characters.
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Tenant is one connected store.
type Tenant struct {
	// ID is the unique tenant identifier, also used to derive the
	// vector-store namespace.
	ID string `json:"id"`

	// Active is false once disconnect has begun. Inactive tenants are
	// skipped by the scheduler and excluded from read traffic.
	Active bool `json:"active"`

	// PlatformURL is the commerce platform endpoint for this tenant.
	PlatformURL string `json:"platform_url,omitempty"`

	// LastSyncAt is the completion time of the most recent successful
	// sync, nil before the first one finishes.
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateID checks that an ID is usable as a namespace component.
func ValidateID(id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantID, id)
	}
	return nil
}

// Namespace returns the vector-store namespace for a tenant.
// Format: store_{tenantID}_catalog.
func Namespace(tenantID string) string {
	return fmt.Sprintf("store_%s_catalog", strings.ToLower(tenantID))
}
