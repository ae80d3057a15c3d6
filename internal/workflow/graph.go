package workflow

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidGraph is returned by Builder.Build.
var ErrInvalidGraph = errors.New("invalid workflow graph")

// StageKind describes how a stage runs its members.
type StageKind string

const (
	// StageSingle runs one node, required unless marked optional.
	StageSingle StageKind = "single"

	// StageFanOut runs a named group of members concurrently against the
	// same snapshot. Members are optional unless marked required.
	StageFanOut StageKind = "fan_out"

	// StageFanIn runs one node after the fan-out group it joins.
	StageFanIn StageKind = "fan_in"
)

// Member is a node placed in a stage.
type Member struct {
	Node     Node
	Required bool

	// Timeout bounds the node; zero uses the executor default.
	Timeout time.Duration
}

// MemberOption configures a Member.
type MemberOption func(*Member)

// Optional marks a member whose failure is recorded and tolerated.
func Optional() MemberOption {
	return func(m *Member) { m.Required = false }
}

// Required marks a member whose failure aborts the run.
func Required() MemberOption {
	return func(m *Member) { m.Required = true }
}

// Timeout overrides the executor's per-node timeout.
func Timeout(d time.Duration) MemberOption {
	return func(m *Member) { m.Timeout = d }
}

// NewMember creates an optional fan-out member.
func NewMember(n Node, opts ...MemberOption) Member {
	m := Member{Node: n}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Stage is one step of a graph.
type Stage struct {
	Name    string
	Kind    StageKind
	Members []Member

	// Group is the fan-out group a fan-in joins.
	Group string
}

// Graph is a validated, immutable workflow declaration.
type Graph struct {
	name       string
	stages     []Stage
	synthesize bool
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Synthesizes reports whether the graph ends with synthesis and a report.
func (g *Graph) Synthesizes() bool { return g.synthesize }

// Stages returns a copy of the stages in execution order.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	for i, s := range g.stages {
		s.Members = append([]Member(nil), s.Members...)
		out[i] = s
	}
	return out
}

// Nodes returns every node name in declaration order.
func (g *Graph) Nodes() []string {
	var names []string
	for _, s := range g.stages {
		for _, m := range s.Members {
			names = append(names, m.Node.Name())
		}
	}
	return names
}

// Builder declares a graph stage by stage.
//
//	g, err := workflow.NewGraph("audit").
//	    Single(contextBuilder).
//	    FanOut("detectives", workflow.NewMember(git), workflow.NewMember(secrets)).
//	    FanIn("detectives", aggregator).
//	    Synthesize().
//	    Build()
type Builder struct {
	name       string
	stages     []Stage
	synthesize bool
}

// NewGraph starts a graph declaration.
func NewGraph(name string) *Builder {
	return &Builder{name: name}
}

// Single appends a stage running one node. The node is required unless
// Optional is given.
func (b *Builder) Single(n Node, opts ...MemberOption) *Builder {
	m := Member{Node: n, Required: true}
	for _, opt := range opts {
		opt(&m)
	}
	b.stages = append(b.stages, Stage{Name: nodeName(n), Kind: StageSingle, Members: []Member{m}})
	return b
}

// FanOut appends a concurrent stage.
func (b *Builder) FanOut(group string, members ...Member) *Builder {
	b.stages = append(b.stages, Stage{
		Name:    group,
		Kind:    StageFanOut,
		Members: append([]Member(nil), members...),
		Group:   group,
	})
	return b
}

// FanIn appends the node that joins group. It is required unless Optional
// is given.
func (b *Builder) FanIn(group string, n Node, opts ...MemberOption) *Builder {
	m := Member{Node: n, Required: true}
	for _, opt := range opts {
		opt(&m)
	}
	b.stages = append(b.stages, Stage{Name: nodeName(n), Kind: StageFanIn, Members: []Member{m}, Group: group})
	return b
}

// Synthesize ends the graph with synthesis and report building.
func (b *Builder) Synthesize() *Builder {
	b.synthesize = true
	return b
}

// Build validates the declaration.
func (b *Builder) Build() (*Graph, error) {
	if b.name == "" {
		return nil, fmt.Errorf("%w: graph name is empty", ErrInvalidGraph)
	}
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("%w: %s has no stages", ErrInvalidGraph, b.name)
	}

	nodes := make(map[string]bool)
	groups := make(map[string]bool)
	for i, s := range b.stages {
		if len(s.Members) == 0 {
			return nil, fmt.Errorf("%w: stage %d (%s) has no members", ErrInvalidGraph, i, s.Name)
		}
		for _, m := range s.Members {
			if m.Node == nil {
				return nil, fmt.Errorf("%w: stage %d (%s) has a nil node", ErrInvalidGraph, i, s.Name)
			}
			name := m.Node.Name()
			if name == "" {
				return nil, fmt.Errorf("%w: stage %d (%s) has an unnamed node", ErrInvalidGraph, i, s.Name)
			}
			if nodes[name] {
				return nil, fmt.Errorf("%w: node %q declared twice", ErrInvalidGraph, name)
			}
			if m.Timeout < 0 {
				return nil, fmt.Errorf("%w: node %q has a negative timeout", ErrInvalidGraph, name)
			}
			nodes[name] = true
		}

		switch s.Kind {
		case StageFanOut:
			if s.Group == "" {
				return nil, fmt.Errorf("%w: stage %d is an unnamed fan-out", ErrInvalidGraph, i)
			}
			if groups[s.Group] {
				return nil, fmt.Errorf("%w: fan-out group %q declared twice", ErrInvalidGraph, s.Group)
			}
			groups[s.Group] = true
			last := i == len(b.stages)-1
			if !last && b.stages[i+1].Kind != StageFanIn {
				return nil, fmt.Errorf("%w: fan-out %q must be followed by its fan-in", ErrInvalidGraph, s.Group)
			}
		case StageFanIn:
			if i == 0 || b.stages[i-1].Kind != StageFanOut || b.stages[i-1].Group != s.Group {
				return nil, fmt.Errorf("%w: fan-in %q must follow fan-out %q", ErrInvalidGraph, s.Name, s.Group)
			}
		}
	}

	stages := make([]Stage, len(b.stages))
	for i, s := range b.stages {
		s.Members = append([]Member(nil), s.Members...)
		stages[i] = s
	}
	return &Graph{name: b.name, stages: stages, synthesize: b.synthesize}, nil
}

func nodeName(n Node) string {
	if n == nil {
		return ""
	}
	return n.Name()
}
