package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var qdrantTracer = otel.Tracer("shopsyncd.vectorstore.qdrant")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	// Host is the Qdrant server hostname. Default: "localhost".
	Host string `koanf:"host"`

	// Port is the Qdrant gRPC port (not the HTTP REST port).
	// Default: 6334.
	Port int `koanf:"port"`

	// VectorSize is the embedding dimension for created namespaces.
	// Must match the embedder output. Default: 384.
	VectorSize uint64 `koanf:"vector_size"`

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool `koanf:"use_tls"`

	// MaxMessageSize is the maximum gRPC message size in bytes.
	// Default: 50MB, to handle large upsert batches.
	MaxMessageSize int `koanf:"max_message_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.VectorSize == 0 {
		c.VectorSize = 384
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host required", ErrInvalidConfig)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	return nil
}

// QdrantStore implements Store over Qdrant's native gRPC client. One Qdrant
// collection per tenant namespace.
type QdrantStore struct {
	client *qdrant.Client
	config QdrantConfig
	logger *zap.Logger
}

// NewQdrantStore connects to Qdrant and verifies the connection.
func NewQdrantStore(cfg QdrantConfig, logger *zap.Logger) (*QdrantStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	s := &QdrantStore{client: client, config: cfg, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: health check: %v", ErrConnectionFailed, err)
	}

	logger.Debug("qdrant store connected",
		zap.String("host", cfg.Host), zap.Int("port", cfg.Port))
	return s, nil
}

// Upsert writes points into a namespace, creating the collection on first
// use. Point IDs are mapped deterministically to UUIDs so repeated syncs
// overwrite rather than duplicate.
func (s *QdrantStore) Upsert(ctx context.Context, namespace string, points []Point) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("namespace", namespace),
		attribute.Int("point_count", len(points)),
	)

	if len(points) == 0 {
		return ErrEmptyBatch
	}

	exists, err := s.namespaceExists(ctx, namespace)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !exists {
		if err := s.createNamespace(ctx, namespace); err != nil {
			span.RecordError(err)
			return err
		}
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]*qdrant.Value{
			"id":      {Kind: &qdrant.Value_StringValue{StringValue: p.ID}},
			"content": {Kind: &qdrant.Value_StringValue{StringValue: p.Content}},
		}
		for k, v := range p.Metadata {
			switch val := v.(type) {
			case string:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}
			case int:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}
			case int64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}
			case float64:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}
			case bool:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}
			default:
				payload[k] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: fmt.Sprintf("%v", val)}}
			}
		}

		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: payload,
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: namespace,
		Points:         qdrantPoints,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting points to namespace %s: %w", namespace, err)
	}

	s.logger.Debug("points upserted",
		zap.String("namespace", namespace),
		zap.Int("count", len(points)))
	return nil
}

// Query performs similarity search against a namespace.
func (s *QdrantStore) Query(ctx context.Context, namespace string, vector []float32, k int) ([]ScoredDocument, error) {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.Query")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace), attribute.Int("k", k))

	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: namespace,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying namespace %s: %w", namespace, err)
	}

	out := make([]ScoredDocument, len(results))
	for i, point := range results {
		doc := ScoredDocument{Score: point.Score}
		if point.Payload != nil {
			doc.Metadata = make(map[string]any)
			for key, v := range point.Payload {
				switch val := v.Kind.(type) {
				case *qdrant.Value_StringValue:
					switch key {
					case "content":
						doc.Content = val.StringValue
					case "id":
						doc.ID = val.StringValue
					default:
						doc.Metadata[key] = val.StringValue
					}
				case *qdrant.Value_IntegerValue:
					doc.Metadata[key] = val.IntegerValue
				case *qdrant.Value_DoubleValue:
					doc.Metadata[key] = val.DoubleValue
				case *qdrant.Value_BoolValue:
					doc.Metadata[key] = val.BoolValue
				}
			}
		}
		out[i] = doc
	}

	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// DeleteNamespace drops the namespace collection. Missing namespaces are a
// no-op so teardown stays idempotent.
func (s *QdrantStore) DeleteNamespace(ctx context.Context, namespace string) error {
	ctx, span := qdrantTracer.Start(ctx, "QdrantStore.DeleteNamespace")
	defer span.End()
	span.SetAttributes(attribute.String("namespace", namespace))

	exists, err := s.namespaceExists(ctx, namespace)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if !exists {
		return nil
	}

	if err := s.client.DeleteCollection(ctx, namespace); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting namespace %s: %w", namespace, err)
	}

	s.logger.Info("namespace deleted", zap.String("namespace", namespace))
	return nil
}

// Count returns the number of points in a namespace, zero if absent.
func (s *QdrantStore) Count(ctx context.Context, namespace string) (int, error) {
	exists, err := s.namespaceExists(ctx, namespace)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{CollectionName: namespace})
	if err != nil {
		return 0, fmt.Errorf("counting namespace %s: %w", namespace, err)
	}
	return int(n), nil
}

// Close closes the gRPC connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *QdrantStore) namespaceExists(ctx context.Context, namespace string) (bool, error) {
	info, err := s.client.GetCollectionInfo(ctx, namespace)
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return false, nil
		}
		return false, fmt.Errorf("checking namespace %s: %w", namespace, err)
	}
	return info != nil, nil
}

func (s *QdrantStore) createNamespace(ctx context.Context, namespace string) error {
	err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: namespace,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.config.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", namespace, err)
	}
	return nil
}

// pointUUID derives a stable UUID from a document ID so upserts stay
// idempotent even for non-UUID platform IDs.
func pointUUID(docID string) string {
	if _, err := uuid.Parse(docID); err == nil {
		return docID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(docID)).String()
}
