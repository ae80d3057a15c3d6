package workflow

import (
	"context"

	"github.com/fyrsmithlabs/auditor/internal/state"
)

// Node is one unit of work in a graph. Run receives the snapshot taken at
// stage entry and returns the fragment it contributes. A Node must not
// retain the snapshot past its return.
type Node interface {
	Name() string
	Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error)
}

type funcNode struct {
	name string
	fn   func(context.Context, state.Snapshot) (state.Fragment, error)
}

// NodeFunc adapts a function to a Node.
func NodeFunc(name string, fn func(context.Context, state.Snapshot) (state.Fragment, error)) Node {
	return &funcNode{name: name, fn: fn}
}

func (n *funcNode) Name() string { return n.name }

func (n *funcNode) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	return n.fn(ctx, snap)
}
