package collectors

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// MetaVCS records whether the artifact is under version control.
const MetaVCS = "artifact.vcs"

type contextBuilder struct{}

// ContextBuilder returns the node that opens every audit. It fails when
// the artifact path is missing and records the commit and branch when the
// artifact is a git repository.
func ContextBuilder() workflow.Node {
	return contextBuilder{}
}

func (contextBuilder) Name() string { return "context_builder" }

func (contextBuilder) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	artifact := snap.Artifact()
	if artifact.Path == "" {
		return state.Fragment{}, errors.New("artifact has no local path")
	}
	info, err := os.Stat(artifact.Path)
	if err != nil {
		return state.Fragment{}, fmt.Errorf("artifact path: %w", err)
	}
	if !info.IsDir() {
		return state.Fragment{}, fmt.Errorf("artifact path %s is not a directory", artifact.Path)
	}

	meta := map[string]string{}
	repo, err := git.PlainOpenWithOptions(artifact.Path, &git.PlainOpenOptions{DetectDotGit: true})
	switch {
	case errors.Is(err, git.ErrRepositoryNotExists):
		meta[MetaVCS] = "none"
		return state.Fragment{Metadata: meta}, nil
	case err != nil:
		return state.Fragment{}, fmt.Errorf("opening repository: %w", err)
	}
	meta[MetaVCS] = "git"

	head, err := repo.Head()
	if err != nil {
		// Empty repository.
		return state.Fragment{Metadata: meta}, nil
	}
	if artifact.Commit == "" {
		meta[state.MetaCommit] = head.Hash().String()
	}
	if artifact.Branch == "" && head.Name().IsBranch() {
		meta[state.MetaBranch] = head.Name().Short()
	}
	return state.Fragment{Metadata: meta}, nil
}
