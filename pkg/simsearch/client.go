package simsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// SimilarityInterface is the contract the pipeline consumes for
// near-duplicate detection. The index is eventually consistent with the
// relational store; a freshly created FAQ may not be searchable yet,
// and callers must treat an empty result as a normal outcome.
type SimilarityInterface interface {
	FindSimilar(ctx context.Context, text string, topK int) ([]Match, error)
	IndexEntry(ctx context.Context, id, text string, metadata map[string]string) error
	HealthCheck(ctx context.Context) error
}

// Client is the HTTP client for the vector-search service.
type Client struct {
	baseURL    string
	apiKey     string
	indexID    string
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient builds a client; nil config or logger fall back to
// defaults.
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		baseURL: config.BaseURL,
		apiKey:  config.APIKey,
		indexID: config.IndexID,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		config: config,
	}
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, endpoint)

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("User-Agent", "FAQForge-SimSearch-Client/1.0")

	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	c.logger.Debugf("SimSearch API Request: %s %s", req.Method, req.URL.String())
	c.logger.Debugf("SimSearch API Response: %d %s", resp.StatusCode, string(body))

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error [%d]: %s (code: %s)", resp.StatusCode, errResp.Error, errResp.ErrorCode)
		}
		return fmt.Errorf("API error [%d]: %s", resp.StatusCode, string(body))
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay * time.Duration(attempt)):
			}
			c.logger.Warnf("SimSearch API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			lastErr = err
			continue
		}

		if err := c.doRequest(req, result); err != nil {
			lastErr = err
			if attempt < c.config.MaxRetries {
				continue
			}
			break
		}

		return nil
	}

	return lastErr
}

// FindSimilar returns the topK nearest neighbors for text, best first.
func (c *Client) FindSimilar(ctx context.Context, text string, topK int) ([]Match, error) {
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	if topK <= 0 {
		topK = 5
	}

	req := &SearchRequest{
		IndexID: c.indexID,
		Text:    text,
		TopK:    topK,
	}

	var response SearchResponse
	if err := c.doRequestWithRetry(ctx, "POST", "/api/v1/search", req, &response); err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}

	return response.Matches, nil
}

// IndexEntry upserts one entry so future searches can find it. The
// write is acknowledged before it becomes visible to FindSimilar.
func (c *Client) IndexEntry(ctx context.Context, id, text string, metadata map[string]string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if text == "" {
		return fmt.Errorf("text is required")
	}

	req := &IndexRequest{
		IndexID:  c.indexID,
		ID:       id,
		Text:     text,
		Metadata: metadata,
	}

	if err := c.doRequestWithRetry(ctx, "POST", "/api/v1/index", req, nil); err != nil {
		return fmt.Errorf("index entry: %w", err)
	}

	return nil
}

// HealthCheck probes the service.
func (c *Client) HealthCheck(ctx context.Context) error {
	var response HealthResponse
	if err := c.doRequestWithRetry(ctx, "GET", "/api/v1/health", nil, &response); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if response.Status != "healthy" && response.Status != "ok" {
		return fmt.Errorf("service unhealthy: %s", response.Status)
	}

	return nil
}

// Stats returns client configuration for exposition.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"base_url":    c.baseURL,
		"index_id":    c.indexID,
		"timeout":     c.config.Timeout,
		"max_retries": c.config.MaxRetries,
	}
}
