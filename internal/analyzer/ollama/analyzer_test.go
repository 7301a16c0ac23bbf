package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newswatch/ingest/internal/news"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "llama3"}, nil)
	require.Error(t, err)

	_, err = New(Config{BaseURL: "http://localhost:11434"}, nil)
	require.Error(t, err)
}

func TestAnalyzeParsesModelAnswer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/generate", r.URL.Path)

		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3", req.Model)
		assert.False(t, req.Stream)
		assert.Contains(t, req.Prompt, "fed raises rates")

		answer := `{"summary":"The Fed raised rates by 50bp.","sentiment":"negative","impact_score":8,"is_important":true,"instruments":["SPY","TLT"],"recommendation":"Reduce duration exposure.","confidence_score":0.82}`
		require.NoError(t, json.NewEncoder(w).Encode(generateResponse{Response: answer, Done: true}))
	}))
	defer srv.Close()

	a, err := New(Config{BaseURL: srv.URL, Model: "llama3", Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)

	analysis, err := a.Analyze(context.Background(), news.Content{Body: []byte("fed raises rates")})
	require.NoError(t, err)

	assert.Equal(t, "The Fed raised rates by 50bp.", analysis.Summary)
	assert.Equal(t, "negative", analysis.Sentiment)
	assert.Equal(t, 8, analysis.ImpactScore)
	assert.True(t, analysis.Important)
	assert.Equal(t, []string{"SPY", "TLT"}, analysis.Instruments)
	assert.InDelta(t, 0.82, analysis.Confidence, 1e-9)
}

func TestAnalyzeTruncatesLongBodies(t *testing.T) {
	t.Parallel()

	var promptLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		promptLen = len(req.Prompt)
		answer := `{"summary":"ok","sentiment":"neutral","impact_score":2,"confidence_score":0.5}`
		require.NoError(t, json.NewEncoder(w).Encode(generateResponse{Response: answer, Done: true}))
	}))
	defer srv.Close()

	a, err := New(Config{BaseURL: srv.URL, Model: "m", MaxInputBytes: 100}, nil)
	require.NoError(t, err)

	long := make([]byte, 10_000)
	for i := range long {
		long[i] = 'a'
	}
	_, err = a.Analyze(context.Background(), news.Content{Body: long})
	require.NoError(t, err)
	assert.Less(t, promptLen, 1000)
}

func TestAnalyzeRejectsNon200(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, err := New(Config{BaseURL: srv.URL, Model: "m"}, nil)
	require.NoError(t, err)

	_, err = a.Analyze(context.Background(), news.Content{Body: []byte("x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestParseAnalysisNormalizesFields(t *testing.T) {
	t.Parallel()

	analysis, err := parseAnalysis(`{"summary":"s","sentiment":"BULLISH","impact_score":42,"confidence_score":7}`)
	require.NoError(t, err)
	assert.Equal(t, "neutral", analysis.Sentiment)
	assert.Equal(t, 10, analysis.ImpactScore)
	assert.Equal(t, 1.0, analysis.Confidence)

	_, err = parseAnalysis(`{"sentiment":"neutral"}`)
	require.Error(t, err)

	_, err = parseAnalysis(`not json`)
	require.Error(t, err)
}
