// Package pipeline declares the canonical audit graph and runs it.
package pipeline

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/auditor/internal/collectors"
	"github.com/fyrsmithlabs/auditor/internal/evaluators"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Mode selects how far a run goes.
type Mode string

const (
	// ModeFull collects evidence, gathers opinions and synthesizes a report.
	ModeFull Mode = "full"

	// ModeEvidence stops after evidence aggregation.
	ModeEvidence Mode = "evidence"
)

// ParseMode validates a mode name. The empty string means ModeFull.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeFull:
		return ModeFull, nil
	case ModeEvidence:
		return ModeEvidence, nil
	default:
		return "", fmt.Errorf("unknown mode %q: want %s or %s", s, ModeFull, ModeEvidence)
	}
}

// Graph and group names.
const (
	GraphFull     = "audit"
	GraphEvidence = "audit_evidence"

	GroupDetectives = "detectives"
	GroupJudges     = "judges"
)

// Deps are the nodes a graph is assembled from.
type Deps struct {
	// Collectors run as the detectives fan-out, in this order.
	Collectors []collectors.Collector

	// Personas run as the judges fan-out, in this order, each backed by
	// Producer.
	Personas []evaluators.Persona
	Producer evaluators.Producer

	// CollectorTimeout and EvaluatorTimeout override the executor's node
	// timeout when positive.
	CollectorTimeout time.Duration
	EvaluatorTimeout time.Duration
}

// Build declares the graph for mode:
//
//	context_builder -> detectives -> cross_reference [-> judges -> synthesis]
func Build(d Deps, mode Mode) (*workflow.Graph, error) {
	if len(d.Collectors) == 0 {
		return nil, fmt.Errorf("%w: no collectors", workflow.ErrInvalidGraph)
	}

	name := GraphFull
	if mode == ModeEvidence {
		name = GraphEvidence
	}

	detectives := make([]workflow.Member, 0, len(d.Collectors))
	for _, c := range d.Collectors {
		detectives = append(detectives, workflow.NewMember(collectors.Node(c), timeoutOpt(d.CollectorTimeout)...))
	}

	b := workflow.NewGraph(name).
		Single(collectors.ContextBuilder()).
		FanOut(GroupDetectives, detectives...).
		FanIn(GroupDetectives, collectors.CrossReference())

	switch mode {
	case ModeEvidence:
	case ModeFull:
		if len(d.Personas) == 0 || d.Producer == nil {
			return nil, fmt.Errorf("%w: full mode needs personas and a producer", workflow.ErrInvalidGraph)
		}
		judges := make([]workflow.Member, 0, len(d.Personas))
		for _, p := range d.Personas {
			judges = append(judges, workflow.NewMember(evaluators.Node(p, d.Producer), timeoutOpt(d.EvaluatorTimeout)...))
		}
		b.FanOut(GroupJudges, judges...).Synthesize()
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", workflow.ErrInvalidGraph, mode)
	}
	return b.Build()
}

func timeoutOpt(d time.Duration) []workflow.MemberOption {
	if d <= 0 {
		return nil
	}
	return []workflow.MemberOption{workflow.Timeout(d)}
}
