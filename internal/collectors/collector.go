// Package collectors produces evidence about an artifact.
//
// A Collector inspects the artifact's local checkout and returns evidence
// for the rubric dimensions it is asked about. Collectors never see shared
// state; Node adapts one into a workflow node that does.
package collectors

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Evidence kinds matched against rubric evidence_types.
const (
	KindGit      = "git"
	KindSecrets  = "secrets"
	KindSecurity = "security"
	KindDocs     = "docs"
)

// Filter names the dimensions a collector should attribute evidence to.
type Filter struct {
	Dimensions []string
}

// Collector produces evidence for one kind of observation.
type Collector interface {
	Name() string
	Kind() string
	Collect(ctx context.Context, artifact audit.Artifact, filter Filter) ([]audit.Evidence, error)
}

// Limits bound how much of the artifact a collector reads.
type Limits struct {
	MaxFiles     int
	MaxFileBytes int64
}

// DefaultLimits are used when a collector is created with zero limits.
var DefaultLimits = Limits{MaxFiles: 5000, MaxFileBytes: 1 << 20}

func (l Limits) orDefault() Limits {
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultLimits.MaxFiles
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultLimits.MaxFileBytes
	}
	return l
}

type collectorNode struct {
	c Collector
}

// Node adapts a collector to a workflow node. The node asks the collector
// about every rubric dimension that accepts its kind and records the
// collector in run metadata. With no matching dimension it contributes
// nothing.
func Node(c Collector) workflow.Node {
	return &collectorNode{c: c}
}

func (n *collectorNode) Name() string { return n.c.Name() }

func (n *collectorNode) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	dims := snap.Rubric().ForEvidenceType(n.c.Kind())
	if len(dims) == 0 {
		return state.Fragment{}, nil
	}
	filter := Filter{Dimensions: make([]string, len(dims))}
	for i, d := range dims {
		filter.Dimensions[i] = d.ID
	}

	start := time.Now()
	evidence, err := n.c.Collect(ctx, snap.Artifact(), filter)
	if err != nil {
		return state.Fragment{}, audit.NewError(audit.ErrCollectorFailure, "collect", err).WithNode(n.c.Name())
	}
	logging.FromContext(ctx).Debug(ctx, "collector finished",
		zap.String("collector", n.c.Name()),
		zap.Int("evidence", len(evidence)),
		zap.Duration("duration", time.Since(start)))

	return state.Fragment{
		Evidence: evidence,
		Metadata: map[string]string{report.CollectorKey(n.c.Name()): n.c.Kind()},
	}, nil
}

// each builds one evidence record per filtered dimension.
func each(filter Filter, build func(dimensionID string) audit.Evidence) []audit.Evidence {
	out := make([]audit.Evidence, 0, len(filter.Dimensions))
	for _, id := range filter.Dimensions {
		out = append(out, build(id))
	}
	return out
}
