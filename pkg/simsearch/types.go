package simsearch

import "time"

// Config holds client settings for the vector-search service.
type Config struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	IndexID    string        `yaml:"index_id"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// DefaultConfig returns conservative client defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "http://localhost:9000",
		IndexID:    "faq-index",
		Timeout:    30 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// SearchRequest queries the index for neighbors of Text.
type SearchRequest struct {
	IndexID string `json:"index_id"`
	Text    string `json:"text"`
	TopK    int    `json:"top_k"`
}

// Match is one scored neighbor. Score is cosine similarity in [0,1].
type Match struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SearchResponse is the service's answer to a search.
type SearchResponse struct {
	Matches []Match `json:"matches"`
}

// IndexRequest upserts one entry into the index.
type IndexRequest struct {
	IndexID  string            `json:"index_id"`
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HealthResponse reports service health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the service's error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
}
