package synthesis

import (
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

// dissentExcerpt bounds quoted rationales, in runes.
const dissentExcerpt = 200

// DefaultRules returns the standard pipeline: security override, fact
// supremacy, weighted average, variance dissent.
func DefaultRules() []Rule {
	return []Rule{
		{Name: audit.RuleSecurityOverride, Apply: SecurityOverride},
		{Name: audit.RuleFactSupremacy, Apply: FactSupremacy},
		{Name: audit.RuleWeightedAverage, Apply: WeightedAverage},
		{Name: audit.RuleVarianceDissent, Apply: VarianceDissent},
	}
}

// SecurityOverride sets the score ceiling when any evidence is a confirmed
// security violation. The ceiling holds whatever later rules compute.
func SecurityOverride(d *Decision) bool {
	for _, e := range d.Input.Evidence {
		if e.SecurityViolation() {
			d.Ceiling = audit.IntPtr(d.Input.Params.SecurityCap)
			return true
		}
	}
	return false
}

// FactSupremacy drops opinions whose claims are contradicted by confident
// evidence of absence.
func FactSupremacy(d *Decision) bool {
	absent := make(map[string]bool)
	for _, e := range d.Input.Evidence {
		if !e.Found && e.Subject != "" && e.Confidence >= d.Input.Params.ContradictionConfidence {
			absent[strings.TrimSpace(e.Subject)] = true
		}
	}
	if len(absent) == 0 {
		return false
	}

	kept := d.Contributing[:0:0]
	for _, o := range d.Contributing {
		if contradicted(o, absent) {
			d.Excluded = append(d.Excluded, o.EvaluatorID)
			continue
		}
		kept = append(kept, o)
	}
	d.Contributing = kept
	return len(d.Excluded) > 0
}

func contradicted(o audit.Opinion, absent map[string]bool) bool {
	for _, c := range o.Claims {
		if absent[strings.TrimSpace(c)] {
			return true
		}
	}
	return false
}

// WeightedAverage combines contributing opinions by role weight. Each
// opinion carries its role's weight split evenly among that role's
// opinions, renormalized over the roles present. With no contributing
// opinions the decision is marked insufficient instead.
func WeightedAverage(d *Decision) bool {
	if len(d.Contributing) == 0 {
		d.Insufficient = true
		d.applied = append(d.applied, audit.RuleInsufficientOpinion)
		return false
	}

	perRole := make(map[string]int)
	for _, o := range d.Contributing {
		perRole[o.Role]++
	}

	var sum, total float64
	for _, o := range d.Contributing {
		w := d.Input.Params.Weight(o.Role) / float64(perRole[o.Role])
		sum += w * float64(o.Score)
		total += w
	}

	var mean float64
	if total > 0 {
		mean = sum / total
	} else {
		// Only unweighted roles are present.
		for _, o := range d.Contributing {
			mean += float64(o.Score)
		}
		mean /= float64(len(d.Contributing))
	}

	score := d.Input.Params.ScoreRange.Clamp(roundHalfUp(mean))
	d.Score = &score
	return true
}

// roundHalfUp rounds to the nearest integer, ties toward +Inf. The epsilon
// absorbs float error in weighted sums that should land on an exact half.
func roundHalfUp(x float64) int {
	return int(math.Floor(x + 0.5 + 1e-9))
}

// VarianceDissent annotates the decision when contributing scores spread
// further than the threshold. It never changes the score.
func VarianceDissent(d *Decision) bool {
	if len(d.Contributing) == 0 {
		return false
	}
	low, high := d.Contributing[0], d.Contributing[0]
	for _, o := range d.Contributing[1:] {
		if o.Score < low.Score {
			low = o
		}
		if o.Score > high.Score {
			high = o
		}
	}
	d.Spread = high.Score - low.Score
	if d.Spread <= d.Input.Params.VarianceThreshold {
		return false
	}
	d.Dissent = fmt.Sprintf("Scores spread by %d (threshold %d). %s %s scored %d: %q. %s %s scored %d: %q.",
		d.Spread, d.Input.Params.VarianceThreshold,
		roleLabel(low.Role), low.EvaluatorID, low.Score, audit.TruncateRunes(low.Rationale, dissentExcerpt),
		roleLabel(high.Role), high.EvaluatorID, high.Score, audit.TruncateRunes(high.Rationale, dissentExcerpt))
	return true
}

func roleLabel(role string) string {
	switch role {
	case audit.RoleProsecutor:
		return "Prosecutor"
	case audit.RoleDefense:
		return "Defense"
	case audit.RoleTechLead:
		return "Tech lead"
	default:
		return role
	}
}
