package collectors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

const (
	// progressionCommits is the commit count at which history counts as
	// iterative rather than a bulk upload.
	progressionCommits = 3
	maxCommits         = 1000
	subjectHistory     = "git:progression"
)

// GitHistory reports on the commit history of the artifact.
type GitHistory struct{}

// NewGitHistory creates the git history collector.
func NewGitHistory() *GitHistory {
	return &GitHistory{}
}

func (g *GitHistory) Name() string { return "git_history" }
func (g *GitHistory) Kind() string { return KindGit }

// Collect walks HEAD's history, newest first.
func (g *GitHistory) Collect(ctx context.Context, artifact audit.Artifact, filter Filter) ([]audit.Evidence, error) {
	repo, err := git.PlainOpenWithOptions(artifact.Path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(g.Name(), dim, 1.0, "The artifact is not a git repository; no history is available.",
				audit.About(subjectHistory, false))
		}), nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		// An empty repository has no HEAD yet.
		return each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(g.Name(), dim, 1.0, "The repository has no commits.",
				audit.About(subjectHistory, false))
		}), nil
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash(), Order: git.LogOrderCommitterTime})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var commits []*object.Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		commits = append(commits, c)
		if len(commits) >= maxCommits {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking history: %w", err)
	}

	newest, oldest := commits[0], commits[len(commits)-1]
	count := len(commits)
	progressed := count >= progressionCommits

	var b strings.Builder
	fmt.Fprintf(&b, "%d commits on %s", count, head.Name().Short())
	if count >= maxCommits {
		b.WriteString(" (history truncated)")
	}
	fmt.Fprintf(&b, ". First: %q (%s). Latest: %q (%s).",
		firstLine(oldest.Message), oldest.Author.When.UTC().Format("2006-01-02"),
		firstLine(newest.Message), newest.Author.When.UTC().Format("2006-01-02"))
	if count > 1 {
		fmt.Fprintf(&b, " Span: %s.", newest.Author.When.Sub(oldest.Author.When).Round(time.Second))
	}

	rationale := "fewer than 3 commits suggests a bulk upload"
	if progressed {
		rationale = "3 or more commits shows iterative progression"
	}
	content := b.String()
	return each(filter, func(dim string) audit.Evidence {
		return audit.NewEvidence(g.Name(), dim, 0.9, content,
			audit.About(subjectHistory, progressed),
			audit.Because(rationale))
	}), nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return audit.TruncateRunes(s, 120)
}
