package evaluators

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

// maxCitations bounds the evidence ids an opinion cites.
const maxCitations = 10

// HeuristicProducer scores offline from the evidence alone. It is
// deterministic: the score follows the confidence-weighted share of
// supporting evidence, shifted by the persona's bias. A persona carrying a
// Range is scored on that range instead of Range.
type HeuristicProducer struct {
	Range audit.ScoreRange
}

// NewHeuristicProducer creates a producer scoring within r.
func NewHeuristicProducer(r audit.ScoreRange) *HeuristicProducer {
	if r == (audit.ScoreRange{}) {
		r = DefaultScoreRange
	}
	return &HeuristicProducer{Range: r}
}

// Evaluate implements Producer.
func (h *HeuristicProducer) Evaluate(ctx context.Context, dim rubric.Dimension, evidence []audit.Evidence, p Persona) (audit.Opinion, error) {
	if err := ctx.Err(); err != nil {
		return audit.Opinion{}, err
	}
	if len(evidence) == 0 {
		return audit.Opinion{}, audit.Validationf("evidence", "no evidence to score %s", dim.ID)
	}

	var support, total float64
	violations := 0
	for _, e := range evidence {
		total += e.Confidence
		switch {
		case e.SecurityViolation():
			violations++
		case e.Found:
			support += e.Confidence
		}
	}
	share := 0.0
	if total > 0 {
		share = support / total
	}

	rng := p.scale(h.Range)
	span := float64(rng.Max - rng.Min)
	score := rng.Min + int(math.Floor(share*span+0.5)) + p.Bias
	if violations > 0 {
		switch p.Role {
		case audit.RoleProsecutor:
			score = rng.Min
		case audit.RoleTechLead:
			score = min(score, rng.Min+1)
		default:
			score--
		}
	}
	score = rng.Clamp(score)

	op := audit.Opinion{
		EvaluatorID: p.ID,
		Role:        p.Role,
		DimensionID: dim.ID,
		Score:       score,
		Rationale:   heuristicRationale(dim, evidence, share, violations),
	}
	for _, e := range evidence {
		if len(op.CitedEvidenceIDs) < maxCitations {
			op.CitedEvidenceIDs = append(op.CitedEvidenceIDs, e.ID)
		}
		// The defense takes positive observations at their word.
		if p.Role == audit.RoleDefense && e.Found && e.Subject != "" && !containsString(op.Claims, e.Subject) {
			op.Claims = append(op.Claims, e.Subject)
		}
	}
	return op, nil
}

func heuristicRationale(dim rubric.Dimension, evidence []audit.Evidence, share float64, violations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.0f%% of %d observations support %s.", share*100, len(evidence), dim.Name)
	if violations > 0 {
		fmt.Fprintf(&b, " %d confirmed security violations.", violations)
	}
	missing := 0
	for _, e := range evidence {
		if !e.Found {
			missing++
		}
	}
	if missing > 0 {
		fmt.Fprintf(&b, " %d expected items are missing.", missing)
	}
	return b.String()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
