// Package report assembles and renders audit reports.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
	"github.com/fyrsmithlabs/auditor/internal/state"
)

// Metadata key prefixes written by collector and evaluator nodes.
const (
	CollectorKeyPrefix = "collector."
	EvaluatorKeyPrefix = "evaluator."
)

// CollectorKey is the metadata key a collector records itself under.
func CollectorKey(name string) string {
	return CollectorKeyPrefix + name
}

// EvaluatorRoleKey and EvaluatorModelKey are the metadata keys an evaluator
// records its role and model under.
func EvaluatorRoleKey(id string) string  { return EvaluatorKeyPrefix + id + ".role" }
func EvaluatorModelKey(id string) string { return EvaluatorKeyPrefix + id + ".model" }

const excerptLen = 150

// Builder turns synthesized state into a Report.
type Builder struct {
	clock     func() time.Time
	newID     func() string
	synthesis string
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock sets the clock used for CompletedAt.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

// WithIDGenerator sets the report id generator.
func WithIDGenerator(gen func() string) Option {
	return func(b *Builder) { b.newID = gen }
}

// WithSynthesis names the synthesis strategy recorded in metadata.
func WithSynthesis(name string) Option {
	return func(b *Builder) { b.synthesis = name }
}

// NewBuilder creates a report builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		clock:     time.Now,
		newID:     uuid.NewString,
		synthesis: "deterministic",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build implements workflow.ReportBuilder.
func (b *Builder) Build(snap state.Snapshot, verdicts []audit.CriterionVerdict) (*audit.Report, error) {
	r := snap.Rubric()
	if r == nil {
		return nil, audit.Validationf("report.rubric", "snapshot has no rubric")
	}
	for _, v := range verdicts {
		if !r.Known(v.DimensionID) {
			return nil, audit.Validationf("report.verdicts", "verdict for unknown dimension %q", v.DimensionID)
		}
	}

	meta := snap.Metadata()
	rep := &audit.Report{
		ID:           b.newID(),
		OverallScore: overallScore(r, verdicts),
		Metadata:     b.metadata(snap, r, meta),
		Verdicts:     append([]audit.CriterionVerdict{}, verdicts...),
		Remediation:  remediation(r, verdicts),
		Summary:      distribution(verdicts),
		Failures:     snap.Failures(),
	}
	return rep, nil
}

func (b *Builder) metadata(snap state.Snapshot, r *rubric.Rubric, meta map[string]string) audit.ReportMetadata {
	md := audit.ReportMetadata{
		RunID:         meta[state.MetaRunID],
		Artifact:      snap.Artifact(),
		RubricName:    r.Name,
		RubricVersion: r.Version,
		CompletedAt:   b.clock().UTC(),
		Collectors:    []string{},
		Evaluators:    []audit.EvaluatorInfo{},
		Synthesis:     b.synthesis,
	}
	if ts, err := time.Parse(time.RFC3339, meta[state.MetaStartedAt]); err == nil {
		md.StartedAt = ts
	}

	evaluators := make(map[string]*audit.EvaluatorInfo)
	for _, k := range sortedKeys(meta) {
		switch {
		case strings.HasPrefix(k, CollectorKeyPrefix):
			md.Collectors = append(md.Collectors, strings.TrimPrefix(k, CollectorKeyPrefix))
		case strings.HasPrefix(k, EvaluatorKeyPrefix):
			rest := strings.TrimPrefix(k, EvaluatorKeyPrefix)
			dot := strings.LastIndex(rest, ".")
			if dot <= 0 {
				continue
			}
			id, field := rest[:dot], rest[dot+1:]
			info, ok := evaluators[id]
			if !ok {
				info = &audit.EvaluatorInfo{ID: id}
				evaluators[id] = info
			}
			switch field {
			case "role":
				info.Role = meta[k]
			case "model":
				info.Model = meta[k]
			}
		case k == state.MetaRunID, k == state.MetaStartedAt, k == state.MetaCommit, k == state.MetaBranch:
		default:
			if md.Extra == nil {
				md.Extra = map[string]string{}
			}
			md.Extra[k] = meta[k]
		}
	}
	ids := make([]string, 0, len(evaluators))
	for id := range evaluators {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		md.Evaluators = append(md.Evaluators, *evaluators[id])
	}
	return md
}

// overallScore is the dimension-weighted mean of determined verdicts,
// rounded to two decimals. Nil when nothing was determined.
func overallScore(r *rubric.Rubric, verdicts []audit.CriterionVerdict) *float64 {
	var sum, total float64
	for _, v := range verdicts {
		if !v.Determined() {
			continue
		}
		dim, _ := r.Dimension(v.DimensionID)
		w := dim.OverallWeight()
		sum += w * float64(*v.FinalScore)
		total += w
	}
	if total == 0 {
		return nil
	}
	score := math.Round(sum/total*100) / 100
	return &score
}

func distribution(verdicts []audit.CriterionVerdict) audit.ScoreDistribution {
	var d audit.ScoreDistribution
	for _, v := range verdicts {
		switch {
		case !v.Determined():
			d.Undetermined++
		case *v.FinalScore >= 4:
			d.High++
		case *v.FinalScore >= 2:
			d.Medium++
		default:
			d.Low++
		}
	}
	return d
}

var priorityRank = map[string]int{
	audit.PriorityCritical:     0,
	audit.PriorityImprovement:  1,
	audit.PriorityInsufficient: 2,
	audit.PriorityEnhancement:  3,
}

// remediation lists one item per dimension needing attention, ordered by
// priority and then rubric order.
func remediation(r *rubric.Rubric, verdicts []audit.CriterionVerdict) []audit.RemediationItem {
	items := []audit.RemediationItem{}
	for _, v := range verdicts {
		dim, _ := r.Dimension(v.DimensionID)
		threshold := r.Params(v.DimensionID).RemediationThreshold

		item := audit.RemediationItem{DimensionID: v.DimensionID, DimensionName: dim.Name}
		switch {
		case !v.Determined():
			item.Priority = audit.PriorityInsufficient
			item.Actions = append(item.Actions, "Collect evidence for this dimension and rerun the evaluators; no usable opinion was produced.")
			item.Actions = append(item.Actions, dim.Remediation...)
		case *v.FinalScore <= threshold:
			item.Score = audit.IntPtr(*v.FinalScore)
			item.Priority = audit.PriorityImprovement
			if *v.FinalScore <= 2 {
				item.Priority = audit.PriorityCritical
			}
			item.Actions = improvementActions(dim, v)
		case *v.FinalScore >= 4:
			item.Score = audit.IntPtr(*v.FinalScore)
			item.Priority = audit.PriorityEnhancement
			item.Actions = []string{fmt.Sprintf("%s meets requirements. Minor improvements may be possible.", dim.Name)}
		default:
			continue
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return priorityRank[items[i].Priority] < priorityRank[items[j].Priority]
	})
	return items
}

func improvementActions(dim rubric.Dimension, v audit.CriterionVerdict) []string {
	actions := append([]string{}, dim.Remediation...)
	for _, o := range v.Opinions {
		if o.Role == audit.RoleProsecutor && !contains(v.ExcludedEvaluators, o.EvaluatorID) {
			actions = append(actions, "Address the issues raised by the prosecutor: "+audit.TruncateRunes(o.Rationale, excerptLen))
			break
		}
	}
	if v.Fired(audit.RuleSecurityOverride) {
		actions = append(actions, "Sandbox every system operation and remove the flagged security violations.")
	}
	if len(v.ExcludedEvaluators) > 0 {
		actions = append(actions, "Fix the documentation: it references files or features the repository does not contain.")
	}
	return actions
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
