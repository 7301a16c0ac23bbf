// Package news defines core types shared across pipeline subsystems.
package news

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ItemState represents the lifecycle state of a work item.
type ItemState string

// Item state values tracked by the orchestrator.
const (
	ItemPending   ItemState = "pending"
	ItemInFlight  ItemState = "in_flight"
	ItemSucceeded ItemState = "succeeded"
	ItemFailed    ItemState = "failed"
)

// Item is a single unit of work: a reference to external content discovered
// upstream. The orchestrator owns it for its entire lifetime; attempt count
// only ever increases.
type Item struct {
	ID           string    `json:"id"`
	Reference    string    `json:"reference"`
	Source       string    `json:"source"`
	Title        string    `json:"title,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	State        ItemState `json:"state"`
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error,omitempty"`
}

// Content is the raw body retrieved for an item reference.
type Content struct {
	Reference   string
	FinalURL    string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Rendered    bool
	Duration    time.Duration
	FetchedAt   time.Time
}

// Analysis is the structured result of the (expensive) analysis step.
type Analysis struct {
	Summary        string   `json:"summary"`
	Sentiment      string   `json:"sentiment"`
	ImpactScore    int      `json:"impact_score"`
	Important      bool     `json:"is_important"`
	Instruments    []string `json:"instruments,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Confidence     float64  `json:"confidence_score"`
}

// Outcome pairs a finished item with the payload to persist. Once handed to
// the persister it is treated as immutable.
type Outcome struct {
	Item        Item
	Analysis    Analysis
	ContentHash string
	BlobURI     string
	ProcessedAt time.Time
	Duration    time.Duration
}

// Counters aggregates per-run pipeline statistics.
type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Retried   int `json:"retried"`
}

// Add folds another counter set into this one.
func (c *Counters) Add(other Counters) {
	c.Processed += other.Processed
	c.Succeeded += other.Succeeded
	c.Failed += other.Failed
	c.Retried += other.Retried
}

// SourceOf extracts a lowercase hostname from a reference for rate-limit
// bucketing. It returns "unknown" if the reference is not a parseable URL.
func SourceOf(ref string) string {
	raw := ref
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
