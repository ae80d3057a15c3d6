package collectors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/sanitize"
	"github.com/fyrsmithlabs/auditor/internal/state"
	"github.com/fyrsmithlabs/auditor/internal/workflow"
)

// Confidence that a missing path was a real claim. Paths with a directory
// component are rarely prose; bare file names sometimes are.
const (
	missingNestedConfidence = 0.85
	missingBareConfidence   = 0.6
)

type crossReference struct {
	source string
}

// CrossReference returns the fan-in node that checks every path the docs
// collector recorded against the artifact tree. Missing paths become
// found=false evidence with the same subject, which lets synthesis discard
// opinions that relied on the documentation's word.
func CrossReference() workflow.Node {
	return crossReference{source: NewDocs(Limits{}).Name()}
}

func (crossReference) Name() string { return "cross_reference" }

func (c crossReference) Run(ctx context.Context, snap state.Snapshot) (state.Fragment, error) {
	root := snap.Artifact().Path

	type key struct{ dim, subject string }
	checked := map[key]bool{}
	var out []audit.Evidence
	verified, missing := 0, 0

	for _, e := range snap.AllEvidence() {
		if err := ctx.Err(); err != nil {
			return state.Fragment{}, err
		}
		if e.SourceID != c.source || !strings.HasPrefix(e.Subject, SubjectPathPrefix) {
			continue
		}
		k := key{e.DimensionID, e.Subject}
		if checked[k] {
			continue
		}
		checked[k] = true

		rel := strings.TrimPrefix(e.Subject, SubjectPathPrefix)
		exists, err := pathExists(root, rel)
		if err != nil {
			return state.Fragment{}, err
		}
		if exists {
			verified++
			continue
		}
		missing++
		confidence := missingBareConfidence
		if strings.Contains(rel, "/") {
			confidence = missingNestedConfidence
		}
		doc := ""
		if e.Location != nil {
			doc = e.Location.Path
		}
		out = append(out, audit.NewEvidence(c.Name(), e.DimensionID, confidence,
			fmt.Sprintf("%s references %s, which does not exist in the repository", doc, rel),
			audit.About(e.Subject, false),
			audit.Because("documentation claims a file the code does not contain")))
	}

	if len(checked) == 0 {
		return state.Fragment{}, nil
	}
	return state.Fragment{
		Evidence: out,
		Metadata: map[string]string{
			"crossref.verified": fmt.Sprint(verified),
			"crossref.missing":  fmt.Sprint(missing),
		},
	}, nil
}

func pathExists(root, rel string) (bool, error) {
	abs, err := sanitize.ResolveWithin(root, rel)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(abs)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("checking %s: %w", rel, err)
	}
}
