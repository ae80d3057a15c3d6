package evaluators

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/logging"
	"github.com/fyrsmithlabs/auditor/internal/report"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

type evaluatorNode struct {
	persona  Persona
	producer Producer
}

// Node adapts a persona and producer to a workflow node that gives one
// opinion per rubric dimension, in rubric order.
//
// The persona judges on the rubric's score range. A dimension without
// evidence gets the persona's no-evidence opinion. A
// dimension whose producer fails, or returns an invalid opinion, is
// recorded as a failure marker and the node moves on. Cancellation aborts
// the node.
func Node(p Persona, producer Producer) workflow.Node {
	return &evaluatorNode{persona: p, producer: producer}
}

func (n *evaluatorNode) Name() string { return n.persona.ID }

func (n *evaluatorNode) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	r := snap.Rubric()
	rules := r.OpinionRules()
	log := logging.FromContext(ctx)

	persona := n.persona.ForRange(r.ScoreRange)
	frag := state.Fragment{Metadata: n.metadata()}
	for _, dim := range r.Dimensions {
		if err := ctx.Err(); err != nil {
			return state.Fragment{}, err
		}

		start := time.Now()
		op, err := n.evaluate(ctx, persona, dim.ID, snap)
		if err == nil {
			err = op.Validate(rules)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return state.Fragment{}, err
			}
			if !errors.Is(err, audit.ErrValidation) && !errors.Is(err, audit.ErrCollectorFailure) {
				err = audit.NewError(audit.ErrCollectorFailure, "evaluate", err).WithNode(n.persona.ID)
			}
			log.Warn(ctx, "evaluation failed",
				zap.String("evaluator", n.persona.ID),
				zap.String("dimension", dim.ID),
				zap.Error(err))
			frag.Failures = append(frag.Failures, audit.NodeFailure{
				Node:        n.persona.ID,
				Kind:        audit.KindName(err),
				Message:     err.Error(),
				DimensionID: dim.ID,
			})
			continue
		}

		log.Debug(ctx, "opinion produced",
			zap.String("evaluator", n.persona.ID),
			zap.String("dimension", dim.ID),
			zap.Int("score", op.Score),
			zap.Duration("duration", time.Since(start)))
		frag.Opinions = append(frag.Opinions, op)
	}
	return frag, nil
}

func (n *evaluatorNode) evaluate(ctx context.Context, persona Persona, dimensionID string, snap state.Snapshot) (audit.Opinion, error) {
	dim, _ := snap.Rubric().Dimension(dimensionID)
	evidence := snap.Evidence(dimensionID)

	var op audit.Opinion
	if len(evidence) == 0 {
		op = audit.Opinion{
			Score:     persona.NoEvidenceScore,
			Rationale: persona.NoEvidenceRationale(dim.Name),
		}
	} else {
		var err error
		op, err = n.producer.Evaluate(ctx, dim, evidence, persona)
		if err != nil {
			return audit.Opinion{}, err
		}
	}

	// Identity comes from the node, whatever the producer said.
	op.EvaluatorID = persona.ID
	op.Role = persona.Role
	op.DimensionID = dim.ID
	return op, nil
}

func (n *evaluatorNode) metadata() map[string]string {
	md := map[string]string{report.EvaluatorRoleKey(n.persona.ID): n.persona.Role}
	model := n.persona.Model
	if mn, ok := n.producer.(ModelNamer); ok && model == "" {
		model = mn.ModelName()
	}
	if model != "" {
		md[report.EvaluatorModelKey(n.persona.ID)] = model
	}
	return md
}
