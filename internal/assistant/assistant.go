// Package assistant answers shopper questions from a tenant's namespace.
//
// This is the conversational read path. It never takes the tenant lock
// and never blocks behind one: when a structural mutation is in flight it
// answers from whatever data exists and flags the response as potentially
// stale.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/shopsyncd/internal/lifecycle"
	"github.com/fyrsmithlabs/shopsyncd/internal/tenant"
	"github.com/fyrsmithlabs/shopsyncd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/shopsyncd/internal/assistant"

// ErrEmptyQuestion indicates a blank question.
var ErrEmptyQuestion = errors.New("question cannot be empty")

// Config holds assistant configuration.
type Config struct {
	// BaseURL is the OpenAI-compatible chat completion endpoint.
	// Default: "http://localhost:11434/v1"
	BaseURL string `koanf:"base_url"`

	// Model is the chat model name. Default: "llama3.2".
	Model string `koanf:"model"`

	// APIKey authenticates requests. Optional for local endpoints.
	APIKey string `koanf:"api_key"`

	// TopK is how many documents are retrieved per question. Default: 5.
	TopK int `koanf:"top_k"`
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:11434/v1"
	}
	if c.Model == "" {
		c.Model = "llama3.2"
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
}

// FreshnessReader reports the read-side contract for a tenant.
// Implemented by lifecycle.Manager.
type FreshnessReader interface {
	Freshness(ctx context.Context, tenantID string) (*lifecycle.Freshness, error)
}

// Answer is a response to a shopper question.
type Answer struct {
	Text string `json:"text"`

	// Sources are the retrieved documents the answer was grounded on.
	Sources []vectorstore.ScoredDocument `json:"sources,omitempty"`

	// Stale is true when a structural mutation was in flight at answer
	// time. The text was produced from whatever data existed.
	Stale bool `json:"stale"`

	// EstimatedFreshAt is when the blocking operation expects to finish,
	// when known. Only set alongside Stale.
	EstimatedFreshAt *time.Time `json:"estimated_fresh_at,omitempty"`
}

// NewLLM builds the chat client from config.
func NewLLM(cfg Config) (llms.Model, error) {
	cfg.ApplyDefaults()
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}
	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating chat client: %w", err)
	}
	return llm, nil
}

// Service answers questions against tenant namespaces.
type Service struct {
	config    Config
	freshness FreshnessReader
	embedder  vectorstore.Embedder
	vectors   vectorstore.Store
	llm       llms.Model
	logger    *zap.Logger

	staleCounter metric.Int64Counter
}

// NewService creates an assistant service.
func NewService(cfg Config, freshness FreshnessReader, embedder vectorstore.Embedder, vectors vectorstore.Store, llm llms.Model, logger *zap.Logger) (*Service, error) {
	if freshness == nil {
		return nil, errors.New("freshness reader is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if vectors == nil {
		return nil, errors.New("vector store is required")
	}
	if llm == nil {
		return nil, errors.New("llm is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()

	meter := otel.Meter(instrumentationName)
	stale, _ := meter.Int64Counter("shopsyncd.assistant.stale_answers",
		metric.WithDescription("Answers served while the namespace was read-blocked"))

	return &Service{
		config:       cfg,
		freshness:    freshness,
		embedder:     embedder,
		vectors:      vectors,
		llm:          llm,
		logger:       logger,
		staleCounter: stale,
	}, nil
}

// Ask answers a question using the tenant's namespace.
func (s *Service) Ask(ctx context.Context, tenantID, question string) (*Answer, error) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "assistant.Ask",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}

	fresh, err := s.freshness.Freshness(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("checking freshness: %w", err)
	}

	docs, err := s.retrieve(ctx, tenantID, question)
	if err != nil {
		return nil, err
	}

	text, err := s.generate(ctx, question, docs)
	if err != nil {
		return nil, err
	}

	ans := &Answer{Text: text, Sources: docs}
	if !fresh.CanReadFreshly {
		ans.Stale = true
		ans.EstimatedFreshAt = fresh.EstimatedFreshAt
		s.staleCounter.Add(ctx, 1)
		s.logger.Debug("serving stale answer",
			zap.String("tenant_id", tenantID),
			zap.String("reason", fresh.Reason))
	}
	return ans, nil
}

// retrieve runs similarity search. A missing namespace is not an error
// here: a tenant mid-connect or mid-cleanup simply has no data yet, and
// the answer degrades to an unassisted response.
func (s *Service) retrieve(ctx context.Context, tenantID, question string) ([]vectorstore.ScoredDocument, error) {
	vector, err := s.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embedding question: %w", err)
	}
	docs, err := s.vectors.Query(ctx, tenant.Namespace(tenantID), vector, s.config.TopK)
	if errors.Is(err, vectorstore.ErrNamespaceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying namespace: %w", err)
	}
	return docs, nil
}

func (s *Service) generate(ctx context.Context, question string, docs []vectorstore.ScoredDocument) (string, error) {
	var b strings.Builder
	b.WriteString("You are a helpful shopping assistant for an online store.\n")
	if len(docs) == 0 {
		b.WriteString("No catalog information is available right now; say so politely.\n")
	} else {
		b.WriteString("Answer using only the catalog context below.\n\nContext:\n")
		for i, d := range docs {
			fmt.Fprintf(&b, "%d. %s\n", i+1, d.Content)
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)

	text, err := llms.GenerateFromSinglePrompt(ctx, s.llm, b.String())
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}
	return text, nil
}
