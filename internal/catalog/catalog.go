// Package catalog provides access to the commerce platform's catalog API.
//
// The platform is an external collaborator: this package only fetches
// documents (products, orders, customers) for a tenant; all coordination
// around when fetching may happen lives elsewhere.
package catalog

import (
	"context"
	"errors"
	"time"
)

// Common errors. Unauthorized and tenant-not-found are permanent: the
// executor must not retry them, the tenant needs manual reconnection.
var (
	ErrUnauthorized   = errors.New("platform rejected credentials")
	ErrTenantNotFound = errors.New("tenant not found on platform")
	ErrRateLimited    = errors.New("platform rate limit exceeded")
)

// DocumentKind distinguishes the catalog record types.
type DocumentKind string

const (
	KindProduct  DocumentKind = "product"
	KindOrder    DocumentKind = "order"
	KindCustomer DocumentKind = "customer"
)

// Document is one catalog record to be embedded and stored.
type Document struct {
	// ID is stable across fetches so vector upserts are idempotent.
	ID string `json:"id"`

	Kind    DocumentKind `json:"kind"`
	Title   string       `json:"title"`
	Content string       `json:"content"`

	// Metadata carries filterable attributes (price, sku, status).
	Metadata map[string]any `json:"metadata,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Source fetches a tenant's catalog from the commerce platform.
type Source interface {
	// FetchCatalog returns all documents for a tenant. The call may take
	// arbitrarily long; implementations must honor ctx cancellation.
	FetchCatalog(ctx context.Context, tenantID string) ([]Document, error)
}

// IsPermanent reports whether a fetch error cannot be fixed by retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrTenantNotFound)
}
