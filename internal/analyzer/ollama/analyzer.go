// Package ollama implements the analysis step against an Ollama-compatible
// completion endpoint.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newswatch/ingest/internal/news"
)

// Config locates the model endpoint.
type Config struct {
	// BaseURL of the Ollama server, e.g. http://localhost:11434.
	BaseURL string
	// Model name passed to the generate endpoint.
	Model string
	// Timeout bounds one completion call (default 60s).
	Timeout time.Duration
	// MaxInputBytes truncates article bodies before prompting (default 16KiB).
	MaxInputBytes int
}

const (
	defaultTimeout       = 60 * time.Second
	defaultMaxInputBytes = 16 * 1024
)

// Analyzer asks a local model for a structured read of an article: summary,
// sentiment, impact score and affected instruments.
type Analyzer struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New builds an Analyzer.
func New(cfg Config, logger *zap.Logger) (*Analyzer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama: base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama: model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxInputBytes <= 0 {
		cfg.MaxInputBytes = defaultMaxInputBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Format string `json:"format"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

const promptTemplate = `You are a financial news analyst. Read the article below and answer with a single JSON object with these fields:
"summary" (string, at most three sentences),
"sentiment" (one of "positive", "negative", "neutral"),
"impact_score" (integer 1-10, market impact),
"is_important" (boolean, true when impact_score >= 7),
"instruments" (array of affected ticker symbols, may be empty),
"recommendation" (string, one short sentence),
"confidence_score" (number 0-1).

Article:
%s`

// Analyze implements news.Analyzer. Failures are wrapped so the pipeline
// treats them as retryable.
func (a *Analyzer) Analyze(ctx context.Context, content news.Content) (news.Analysis, error) {
	body := content.Body
	if len(body) > a.cfg.MaxInputBytes {
		body = body[:a.cfg.MaxInputBytes]
	}

	reqBody, err := json.Marshal(generateRequest{
		Model:  a.cfg.Model,
		Prompt: fmt.Sprintf(promptTemplate, string(body)),
		Format: "json",
		Stream: false,
	})
	if err != nil {
		return news.Analysis{}, fmt.Errorf("marshal generate request: %w", err)
	}

	url := strings.TrimSuffix(a.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return news.Analysis{}, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return news.Analysis{}, fmt.Errorf("call model endpoint: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return news.Analysis{}, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return news.Analysis{}, fmt.Errorf("model endpoint returned status %d: %s",
			resp.StatusCode, truncate(raw, 200))
	}

	var gen generateResponse
	if err := json.Unmarshal(raw, &gen); err != nil {
		return news.Analysis{}, fmt.Errorf("decode generate envelope: %w", err)
	}

	analysis, err := parseAnalysis(gen.Response)
	if err != nil {
		return news.Analysis{}, err
	}
	return analysis, nil
}

// parseAnalysis decodes the model's JSON answer and clamps out-of-range
// values instead of rejecting an otherwise usable response.
func parseAnalysis(response string) (news.Analysis, error) {
	var analysis news.Analysis
	if err := json.Unmarshal([]byte(response), &analysis); err != nil {
		return news.Analysis{}, fmt.Errorf("decode analysis payload: %w", err)
	}
	if analysis.Summary == "" {
		return news.Analysis{}, fmt.Errorf("analysis payload missing summary")
	}

	switch strings.ToLower(analysis.Sentiment) {
	case "positive", "negative", "neutral":
		analysis.Sentiment = strings.ToLower(analysis.Sentiment)
	default:
		analysis.Sentiment = "neutral"
	}
	if analysis.ImpactScore < 1 {
		analysis.ImpactScore = 1
	}
	if analysis.ImpactScore > 10 {
		analysis.ImpactScore = 10
	}
	if analysis.Confidence < 0 {
		analysis.Confidence = 0
	}
	if analysis.Confidence > 1 {
		analysis.Confidence = 1
	}
	return analysis, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
