package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig holds configuration for the platform HTTP client.
type ClientConfig struct {
	// BaseURL is the platform API endpoint.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates requests. Optional for local fixtures.
	APIKey string `koanf:"api_key"`

	// Timeout is the per-request timeout. Default: 60s.
	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerSecond throttles calls so resync storms cannot exhaust
	// the platform quota. Default: 4.
	RequestsPerSecond float64 `koanf:"requests_per_second"`

	// PageSize is the fetch page size. Default: 250.
	PageSize int `koanf:"page_size"`
}

// ApplyDefaults sets default values for unset fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 4
	}
	if c.PageSize == 0 {
		c.PageSize = 250
	}
}

// Validate validates the configuration.
func (c ClientConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("platform base URL required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid platform base URL: %w", err)
	}
	return nil
}

// Client is the HTTP implementation of Source.
type Client struct {
	config  ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a platform catalog client.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}, nil
}

// catalogPage is the platform's paged response body.
type catalogPage struct {
	Items      []Document `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// FetchCatalog pages through the tenant's catalog until exhausted.
func (c *Client) FetchCatalog(ctx context.Context, tenantID string) ([]Document, error) {
	var docs []Document
	cursor := ""
	pages := 0

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		page, err := c.fetchPage(ctx, tenantID, cursor)
		if err != nil {
			return nil, err
		}
		docs = append(docs, page.Items...)
		pages++

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.logger.Debug("catalog fetched",
		zap.String("tenant_id", tenantID),
		zap.Int("documents", len(docs)),
		zap.Int("pages", pages))
	return docs, nil
}

func (c *Client) fetchPage(ctx context.Context, tenantID, cursor string) (*catalogPage, error) {
	u, err := url.Parse(fmt.Sprintf("%s/v1/tenants/%s/catalog", c.config.BaseURL, url.PathEscape(tenantID)))
	if err != nil {
		return nil, fmt.Errorf("building URL: %w", err)
	}
	q := u.Query()
	q.Set("limit", fmt.Sprintf("%d", c.config.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching catalog page: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w", ErrRateLimited)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("platform returned status %d: %s", resp.StatusCode, body)
	}

	var page catalogPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding catalog page: %w", err)
	}
	return &page, nil
}
