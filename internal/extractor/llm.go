package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/distil/internal/models"
)

// LLMConfig configures the optional LLM extractor. It speaks the
// OpenAI-compatible chat completions shape, which covers OpenAI,
// OpenRouter and Ollama's compat endpoint.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// LLMExtractor asks a model to pull out the article title, body and
// metadata. It is optional: any transport or parse failure makes it drop
// out of the ensemble rather than fail the run.
type LLMExtractor struct {
	cfg    LLMConfig
	client *http.Client
	logger *slog.Logger
}

// NewLLM creates the LLM extractor.
func NewLLM(cfg LLMConfig, logger *slog.Logger) *LLMExtractor {
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With("component", "extractor-llm"),
	}
}

func (e *LLMExtractor) Method() models.ExtractionMethod {
	return models.MethodLLM
}

const llmPromptTemplate = `Extract the main article from the HTML below. Respond with a single JSON object:
{"title": string, "content": string, "author": string, "publish_date": string, "excerpt": string}
Use empty strings for unknown fields. content is the full article text with paragraphs separated by blank lines. Do not add commentary.

HTML:
%s`

type llmArticle struct {
	Title       string `json:"title"`
	Content     string `json:"content"`
	Author      string `json:"author"`
	PublishDate string `json:"publish_date"`
	Excerpt     string `json:"excerpt"`
}

func (e *LLMExtractor) Extract(ctx context.Context, markup, pageURL string) (*models.Candidate, error) {
	if e.cfg.BaseURL == "" {
		return nil, nil
	}

	// Trim the input so oversized pages do not blow the context window.
	const maxInput = 48 * 1024
	if len(markup) > maxInput {
		markup = markup[:maxInput]
	}

	reqBody := map[string]any{
		"model": e.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(llmPromptTemplate, markup)},
		},
		"temperature":     e.cfg.Temperature,
		"max_tokens":      e.cfg.MaxTokens,
		"response_format": map[string]string{"type": "json_object"},
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	apiURL := strings.TrimSuffix(e.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncateForLog(body))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &completion); err != nil {
		return nil, fmt.Errorf("failed to parse completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("empty completion")
	}

	var article llmArticle
	content := stripCodeFence(completion.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &article); err != nil {
		return nil, fmt.Errorf("model returned non-JSON content: %w", err)
	}
	text := strings.TrimSpace(article.Content)
	if text == "" {
		return nil, nil
	}

	confidence := 0.7
	if completion.Choices[0].FinishReason == "length" {
		e.logger.Warn("LLM output truncated", "model", e.cfg.Model, "url", pageURL)
		confidence = 0.45
	}

	return &models.Candidate{
		Method:     models.MethodLLM,
		Title:      strings.TrimSpace(article.Title),
		Content:    text,
		Confidence: confidence,
		Metadata: models.CandidateMetadata{
			Author:      strings.TrimSpace(article.Author),
			PublishDate: strings.TrimSpace(article.PublishDate),
			Excerpt:     strings.TrimSpace(article.Excerpt),
		},
	}, nil
}

// stripCodeFence unwraps ```json fences some models insist on emitting.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func truncateForLog(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
