// Package vectorstore defines the vector storage interface and its
// implementations.
//
// Each tenant owns one namespace (a collection named store_{tenant}_catalog).
// Namespaces are expensive to rebuild, so structural operations on them are
// serialized by the lock registry; this package itself performs no
// coordination.
package vectorstore

import (
	"context"
	"errors"
)

// Sentinel errors for vector store operations.
var (
	// ErrNamespaceNotFound is returned when a namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyBatch indicates an empty or nil upsert batch.
	ErrEmptyBatch = errors.New("empty or nil point batch")

	// ErrConnectionFailed indicates the backing store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// Point is one embedded document ready for storage. The ID is stable
// across syncs so repeated upserts overwrite in place.
type Point struct {
	ID       string
	Vector   []float32
	Content  string
	Metadata map[string]any
}

// ScoredDocument is a similarity search result.
type ScoredDocument struct {
	ID       string
	Content  string
	Score    float32
	Metadata map[string]any
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query. Some models
	// optimize differently for queries vs documents.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Store is the interface for per-tenant namespace storage.
//
// Implementations:
//   - ChromemStore: embedded chromem-go, zero external services (default)
//   - QdrantStore: external Qdrant over gRPC
type Store interface {
	// Upsert writes points into a namespace, creating it if needed.
	// Upserts are idempotent by point ID.
	Upsert(ctx context.Context, namespace string, points []Point) error

	// Query performs similarity search in a namespace and returns up to k
	// results ordered by score (highest first). A missing namespace
	// returns ErrNamespaceNotFound.
	Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredDocument, error)

	// DeleteNamespace removes a namespace and all its points. Deleting a
	// missing namespace is a no-op.
	DeleteNamespace(ctx context.Context, namespace string) error

	// Count returns the number of points in a namespace, zero if absent.
	Count(ctx context.Context, namespace string) (int, error)

	// Close releases resources held by the store.
	Close() error
}
