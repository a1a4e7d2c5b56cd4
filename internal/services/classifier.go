package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// RoleClassifier resolves the conversational role of a message when the
// analyzer's heuristics are inconclusive.
type RoleClassifier interface {
	ClassifyRole(ctx context.Context, text string) (role string, confidence float64, err error)
}

// TextGenerator produces short free text (titles, categories, FAQ
// phrasing, topics) from a prompt.
type TextGenerator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Redactor removes PII from text before it is sent to the generation
// collaborator. The engine itself is an external concern; the default
// implementation masks the obvious patterns.
type Redactor interface {
	Redact(text string) string
}

// RegexRedactor masks email addresses and long digit runs.
type RegexRedactor struct{}

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	digitPattern = regexp.MustCompile(`\d{6,}`)
)

func (RegexRedactor) Redact(text string) string {
	text = emailPattern.ReplaceAllString(text, "[email]")
	return digitPattern.ReplaceAllString(text, "[number]")
}

// OpenAIClient is an OpenAI-compatible chat-completion client used for
// both role classification and text generation. Without an API key it
// degrades to deterministic fallbacks so the pipeline keeps moving.
type OpenAIClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
	breaker     *CircuitBreaker
}

type openAIRequest struct {
	Model       string       `json:"model"`
	Messages    []chatTurn   `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message chatTurn `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewOpenAIClient builds a client with tracing transport and a circuit
// breaker guarding the upstream, using the default breaker settings.
func NewOpenAIClient(apiKey, baseURL, model string, temperature float64, maxTokens int, timeout time.Duration) *OpenAIClient {
	return NewOpenAIClientWithBreaker(apiKey, baseURL, model, temperature, maxTokens, timeout, NewCircuitBreaker())
}

// NewOpenAIClientWithBreaker builds a client guarded by the given
// breaker. A nil breaker disables circuit breaking entirely.
func NewOpenAIClientWithBreaker(apiKey, baseURL, model string, temperature float64, maxTokens int, timeout time.Duration, breaker *CircuitBreaker) *OpenAIClient {
	if model == "" {
		model = "gpt-3.5-turbo"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		apiKey:      apiKey,
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: breaker,
	}
}

// ClassifyRole asks the model for one of the five conversation roles.
func (c *OpenAIClient) ClassifyRole(ctx context.Context, text string) (string, float64, error) {
	prompt := fmt.Sprintf(`Classify the conversational role of this chat message as exactly one of: QUESTION, ANSWER, CONTEXT, FOLLOW_UP, CONFIRMATION.

Message: %q

Reply with only the role word.`, text)

	out, err := c.GenerateText(ctx, prompt)
	if err != nil {
		return "", 0, err
	}
	role := strings.ToUpper(strings.TrimSpace(out))
	switch role {
	case "QUESTION", "ANSWER", "CONTEXT", "FOLLOW_UP", "CONFIRMATION":
		return role, 0.85, nil
	}
	// The model answered something else; treat as low-confidence context.
	return "CONTEXT", 0.3, nil
}

// GenerateText runs one chat completion.
func (c *OpenAIClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	tracer := otel.Tracer("faqforge/ai")
	ctx, span := tracer.Start(ctx, "OpenAIClient.GenerateText")
	span.SetAttributes(attribute.String("model", c.model))
	defer span.End()

	if c.apiKey == "" {
		return fallbackGeneration(prompt), nil
	}
	if c.breaker != nil && !c.breaker.Allow() {
		err := NewTransientError(nil, "AI circuit breaker open")
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	request := openAIRequest{
		Model:       c.model,
		Messages:    []chatTurn{{Role: "user", Content: prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure()
		span.SetStatus(codes.Error, err.Error())
		return "", NewTransientError(err, "failed to send request: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.noteFailure()
		return "", NewTransientError(err, "failed to read response: %v", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		c.noteFailure()
		span.SetStatus(codes.Error, "rate limited")
		return "", NewQuotaError(nil, "AI quota exceeded [%d]", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		c.noteFailure()
		span.SetStatus(codes.Error, "upstream error")
		return "", NewTransientError(nil, "AI upstream error [%d]", resp.StatusCode)
	}

	var openAIResp openAIResponse
	if err := json.Unmarshal(body, &openAIResp); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if openAIResp.Error != nil {
		c.noteFailure()
		span.SetStatus(codes.Error, openAIResp.Error.Message)
		return "", fmt.Errorf("OpenAI API error: %s", openAIResp.Error.Message)
	}
	if len(openAIResp.Choices) == 0 {
		span.SetStatus(codes.Error, "no response choices")
		return "", fmt.Errorf("no response from OpenAI")
	}

	if c.breaker != nil {
		c.breaker.OnSuccess()
	}
	return openAIResp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) noteFailure() {
	if c.breaker != nil {
		c.breaker.OnFailure()
	}
}

// ResetBreaker reopens the path to the upstream after operator action.
func (c *OpenAIClient) ResetBreaker() {
	if c.breaker != nil {
		c.breaker.Reset()
	}
}

// BreakerStats exposes circuit breaker state for the metrics endpoint.
func (c *OpenAIClient) BreakerStats() map[string]interface{} {
	if c.breaker == nil {
		return map[string]interface{}{"state": "disabled"}
	}
	return c.breaker.Stats()
}

// fallbackGeneration serves deterministic text when no API key is set.
func fallbackGeneration(prompt string) string {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "title"):
		return "Conversation summary"
	case strings.Contains(lower, "category"):
		return "general"
	case strings.Contains(lower, "topic"):
		return "general"
	default:
		// Echo the last quoted fragment so generated FAQs stay grounded
		// in the source text.
		if i := strings.LastIndex(prompt, "\""); i > 0 {
			if j := strings.LastIndex(prompt[:i], "\""); j >= 0 {
				return prompt[j+1 : i]
			}
		}
		return strings.TrimSpace(prompt)
	}
}
