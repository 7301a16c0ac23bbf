// Package progress defines the event structures emitted by the pipeline.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageItemStart   Stage = "ITEM_START"
	StageFetchDone   Stage = "FETCH_DONE"
	StageAnalyzeDone Stage = "ANALYZE_DONE"
	StageItemDone    Stage = "ITEM_DONE"
	StageItemRetry   Stage = "ITEM_RETRY"
	StageItemFailed  Stage = "ITEM_FAILED"
	StageBatchCommit Stage = "BATCH_COMMIT"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone in an item's journey through the pipeline.
type Event struct {
	// ItemID identifies the work item this event belongs to. Batch commits
	// use the synthetic ID "batch".
	ItemID string `json:"item_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage `json:"stage"`
	// Source scopes the event to the originating host label.
	Source string `json:"source,omitempty"`
	// Reference is the optional item URL; it should not contain credentials.
	Reference string `json:"reference,omitempty"`
	// Attempt is the 1-based attempt number at the time of the event.
	Attempt int `json:"attempt,omitempty"`
	// Bytes carries the response size for fetch completions, or the batch
	// size for batch commits.
	Bytes int64 `json:"bytes,omitempty"`
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass `json:"status_class,omitempty"`
	// Dur captures execution latency for fetches and item completions.
	Dur time.Duration `json:"duration,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ItemID == "" {
		return errors.New("item id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageItemStart, StageAnalyzeDone, StageItemDone, StageItemRetry, StageItemFailed, StageBatchCommit:
	case StageFetchDone:
		if e.Source == "" {
			return errors.New("fetch done requires source")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
