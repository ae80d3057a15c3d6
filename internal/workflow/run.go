package workflow

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/state"
)

// Status is the lifecycle position of a run.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPending:      {StatusRunning, StatusFailed},
	StatusRunning:      {StatusRunning, StatusSynthesizing, StatusCompleted, StatusFailed},
	StatusSynthesizing: {StatusCompleted, StatusFailed},
}

// Transition is one recorded state change.
type Transition struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Stage int       `json:"stage"`
	At    time.Time `json:"at"`
}

// Run is the record of one execution of a graph.
type Run struct {
	ID     string `json:"id"`
	Graph  string `json:"graph"`
	Status Status `json:"status"`

	// Stage is the index of the current or last executed stage, -1 before
	// the first stage starts.
	Stage int `json:"stage"`

	// FailedStage and FailedNode locate a fatal failure. FailedStage is -1
	// unless the run failed inside a stage.
	FailedStage int    `json:"failed_stage"`
	FailedNode  string `json:"failed_node,omitempty"`
	Cause       error  `json:"-"`

	State  state.State   `json:"-"`
	Report *audit.Report `json:"report,omitempty"`

	Transitions []Transition `json:"transitions"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at,omitempty"`
}

func newRun(id, graph string, now time.Time) *Run {
	return &Run{
		ID:          id,
		Graph:       graph,
		Status:      StatusPending,
		Stage:       -1,
		FailedStage: -1,
		StartedAt:   now,
	}
}

func (r *Run) transition(to Status, stage int, at time.Time) error {
	allowed := false
	for _, s := range transitions[r.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid run transition %s -> %s", r.Status, to)
	}
	r.Transitions = append(r.Transitions, Transition{From: r.Status, To: to, Stage: stage, At: at})
	r.Status = to
	r.Stage = stage
	if to.Terminal() {
		r.CompletedAt = at
	}
	return nil
}

// Snapshot returns a read-only view of the run's final state.
func (r *Run) Snapshot() state.Snapshot {
	return r.State.Snapshot()
}

// EvidenceOnly reports whether the run completed without synthesis.
func (r *Run) EvidenceOnly() bool {
	return r.Status == StatusCompleted && r.Report == nil
}

// Duration is the wall time between start and completion.
func (r *Run) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
