package workflow

import (
	"time"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted       EventType = "run_started"
	EventStageStarted     EventType = "stage_started"
	EventStageCompleted   EventType = "stage_completed"
	EventNodeFailed       EventType = "node_failed"
	EventSynthesisStarted EventType = "synthesis_started"
	EventRunCompleted     EventType = "run_completed"
	EventRunFailed        EventType = "run_failed"
)

// Progress is reported to callbacks as a run advances.
type Progress struct {
	RunID      string    `json:"run_id"`
	Graph      string    `json:"graph"`
	Type       EventType `json:"type"`
	Status     Status    `json:"status"`
	Stage      int       `json:"stage"`
	StageName  string    `json:"stage_name,omitempty"`
	Node       string    `json:"node,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	Percentage int       `json:"percentage"`
	Time       time.Time `json:"time"`
}

// ProgressCallback receives progress updates. Callbacks run on the
// executing goroutine and must not block.
type ProgressCallback func(Progress)
