package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/artgen/pkg/schema"
)

// Run is the persisted record of one pipeline run.
type Run struct {
	ID         string           `json:"id"`
	Pipeline   string           `json:"pipeline"`
	SpecHash   string           `json:"spec_hash"`
	Status     schema.RunStatus `json:"status"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`
}

// RunUpdate closes a run.
type RunUpdate struct {
	Status     schema.RunStatus
	FinishedAt time.Time
	Result     json.RawMessage
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Pipeline string
	Status   schema.RunStatus
	Since    *time.Time
	Limit    int
}

// Event is an immutable entry in a run's ledger.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id,omitempty"`
	AssetID   string          `json:"asset_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	RunID  string
	StepID string
	Since  *time.Time
	Limit  int
}

// StepSummary is a step's state reconstructed from its events.
type StepSummary struct {
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Retries     int               `json:"retries"`
	Cached      bool              `json:"cached"`
	AssetsDone  int               `json:"assets_done"`
	AssetsFail  int               `json:"assets_failed"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
}
