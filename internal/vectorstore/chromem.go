package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var chromemTracer = otel.Tracer("shopsyncd.vectorstore.chromem")

// ChromemConfig holds configuration for the embedded chromem-go store.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	// Default: "~/.local/share/shopsyncd/vectorstore"
	Path string `koanf:"path"`

	// Compress enables gzip compression for stored data.
	Compress bool `koanf:"compress"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/shopsyncd/vectorstore"
	}
}

// ChromemStore implements Store using chromem-go, an embeddable vector
// database with no external service dependency. One chromem collection per
// tenant namespace.
type ChromemStore struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemStore creates a persistent embedded store.
func NewChromemStore(cfg ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	path, err := expandHome(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	logger.Debug("chromem store opened", zap.String("path", path))
	return &ChromemStore{db: db, logger: logger}, nil
}

// Upsert writes points into a namespace, creating it on first use.
// Point IDs are stable, so chromem overwrites existing documents in place.
func (s *ChromemStore) Upsert(ctx context.Context, namespace string, points []Point) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.Int("point_count", len(points)),
	)

	if len(points) == 0 {
		return ErrEmptyBatch
	}

	collection, err := s.db.GetOrCreateCollection(namespace, nil, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("getting/creating namespace %s: %w", namespace, err)
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Content,
			Metadata:  metadataToString(p.Metadata),
			Embedding: p.Vector,
		}
	}

	// Concurrency 1: embeddings are precomputed, this is pure insertion.
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points: %w", err)
	}

	s.logger.Debug("points upserted",
		zap.String("namespace", namespace),
		zap.Int("count", len(points)))
	return nil
}

// Query performs similarity search against a namespace.
func (s *ChromemStore) Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredDocument, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("k", k))

	collection := s.db.GetCollection(namespace, nil)
	if collection == nil {
		return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
	}

	// chromem requires nResults <= document count.
	count := collection.Count()
	if count == 0 {
		return []ScoredDocument{}, nil
	}
	if k > count {
		k = count
	}

	results, err := collection.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying namespace %s: %w", namespace, err)
	}

	out := make([]ScoredDocument, len(results))
	for i, r := range results {
		out[i] = ScoredDocument{
			ID:       r.ID,
			Content:  r.Content,
			Score:    r.Similarity,
			Metadata: metadataFromString(r.Metadata),
		}
	}
	return out, nil
}

// DeleteNamespace removes the namespace entirely. Missing namespaces are a
// no-op so teardown stays idempotent.
func (s *ChromemStore) DeleteNamespace(ctx context.Context, namespace string) error {
	_, span := chromemTracer.Start(ctx, "ChromemStore.DeleteNamespace")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace))

	if s.db.GetCollection(namespace, nil) == nil {
		return nil
	}
	if err := s.db.DeleteCollection(namespace); err != nil {
		span.RecordError(err)
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}

	s.logger.Info("namespace deleted", zap.String("namespace", namespace))
	return nil
}

// Count returns the number of points in a namespace.
func (s *ChromemStore) Count(ctx context.Context, namespace string) (int, error) {
	collection := s.db.GetCollection(namespace, nil)
	if collection == nil {
		return 0, nil
	}
	return collection.Count(), nil
}

// Close is a no-op: chromem persists on write.
func (s *ChromemStore) Close() error {
	return nil
}

func metadataToString(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

func metadataFromString(m map[string]string) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
