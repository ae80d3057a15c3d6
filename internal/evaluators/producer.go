package evaluators

import (
	"context"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/rubric"
)

// DefaultScoreRange is used by producers created without a range.
var DefaultScoreRange = audit.ScoreRange{Min: 1, Max: 5}

// Producer judges one dimension from its evidence.
type Producer interface {
	Evaluate(ctx context.Context, dim rubric.Dimension, evidence []audit.Evidence, p Persona) (audit.Opinion, error)
}

// ModelNamer is implemented by producers backed by a named model.
type ModelNamer interface {
	ModelName() string
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, dim rubric.Dimension, evidence []audit.Evidence, p Persona) (audit.Opinion, error)

// Evaluate implements Producer.
func (f ProducerFunc) Evaluate(ctx context.Context, dim rubric.Dimension, evidence []audit.Evidence, p Persona) (audit.Opinion, error) {
	return f(ctx, dim, evidence, p)
}
