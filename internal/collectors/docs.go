package collectors

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/auditor/internal/audit"
	"github.com/fyrsmithlabs/auditor/internal/sanitize"
)

// SubjectPathPrefix prefixes the subject of evidence about a file path.
const SubjectPathPrefix = "path:"

const maxClaimsPerDoc = 100

var (
	backtickPath = regexp.MustCompile("`([A-Za-z0-9_.\\-]+(?:/[A-Za-z0-9_.\\-]+)*\\.[A-Za-z0-9]{1,8})`")
	markdownLink = regexp.MustCompile(`\]\(([^)\s#]+)(?:#[^)]*)?\)`)
)

// Docs records the file paths the artifact's documentation refers to.
type Docs struct {
	limits Limits
}

// NewDocs creates the documentation collector.
func NewDocs(limits Limits) *Docs {
	return &Docs{limits: limits}
}

func (d *Docs) Name() string { return "docs" }
func (d *Docs) Kind() string { return KindDocs }

type claim struct {
	doc  string
	path string
	line int
}

// Collect reads artifact.Docs, or every markdown file when none are named,
// and records one evidence per claimed path. Claims are verified later by
// the cross-reference node.
func (d *Docs) Collect(ctx context.Context, artifact audit.Artifact, filter Filter) ([]audit.Evidence, error) {
	var claims []claim
	docs := 0
	visit := func(rel string, data []byte) error {
		docs++
		claims = append(claims, extractClaims(rel, data)...)
		return nil
	}

	if len(artifact.Docs) > 0 {
		for _, rel := range artifact.Docs {
			abs, err := sanitize.ResolveWithin(artifact.Path, rel)
			if err != nil {
				return nil, fmt.Errorf("doc %s: %w", rel, err)
			}
			data, err := os.ReadFile(abs)
			if err != nil {
				return nil, fmt.Errorf("reading doc: %w", err)
			}
			_ = visit(filepath.ToSlash(rel), data)
		}
	} else {
		_, err := walkFiles(ctx, artifact.Path, d.limits, func(rel string) bool {
			return strings.EqualFold(path.Ext(rel), ".md")
		}, visit)
		if err != nil {
			return nil, fmt.Errorf("finding docs: %w", err)
		}
	}

	if docs == 0 {
		return each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(d.Name(), dim, 0.9, "The artifact has no markdown documentation.",
				audit.About("docs:present", false))
		}), nil
	}

	out := each(filter, func(dim string) audit.Evidence {
		return audit.NewEvidence(d.Name(), dim, 0.9,
			fmt.Sprintf("%d documentation files reference %d file paths.", docs, len(claims)),
			audit.About("docs:present", true))
	})
	for _, c := range claims {
		content := fmt.Sprintf("%s references %s", c.doc, c.path)
		for _, dim := range filter.Dimensions {
			out = append(out, audit.NewEvidence(d.Name(), dim, 0.7, content,
				audit.AtLocation(c.doc, c.line),
				audit.About(SubjectPathPrefix+c.path, true)))
		}
	}
	return out, nil
}

// extractClaims finds relative file paths in backticks or link targets.
func extractClaims(doc string, data []byte) []claim {
	seen := map[string]bool{}
	var out []claim
	add := func(p string, off int) {
		p = normalizeClaim(doc, p)
		if p == "" || seen[p] || len(out) >= maxClaimsPerDoc {
			return
		}
		seen[p] = true
		out = append(out, claim{doc: doc, path: p, line: lineOf(data, off)})
	}
	for _, m := range backtickPath.FindAllSubmatchIndex(data, -1) {
		add(string(data[m[2]:m[3]]), m[0])
	}
	for _, m := range markdownLink.FindAllSubmatchIndex(data, -1) {
		add(string(data[m[2]:m[3]]), m[0])
	}
	return out
}

// normalizeClaim resolves a link relative to its doc, returning "" for
// anything that is not a local path inside the artifact.
func normalizeClaim(doc, p string) string {
	if strings.Contains(p, "://") || strings.HasPrefix(p, "mailto:") || strings.HasPrefix(p, "/") {
		return ""
	}
	p = path.Clean(path.Join(path.Dir(doc), p))
	if p == "." || strings.HasPrefix(p, "../") || p == ".." {
		return ""
	}
	return p
}
