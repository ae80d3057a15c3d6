package collectors

import (
	"context"
	"fmt"
	"path"
	"regexp"

	"github.com/fyrsmithlabs/auditor/internal/audit"
)

const maxUnsafeFindings = 50

type unsafePattern struct {
	name string
	re   *regexp.Regexp
}

// unsafePatterns are shell-execution and dynamic-evaluation idioms whose
// presence is a confirmed safety violation.
var unsafePatterns = []unsafePattern{
	{"os.system", regexp.MustCompile(`\bos\.system\s*\(`)},
	{"subprocess with shell=True", regexp.MustCompile(`\bsubprocess\.\w+\([^)]*shell\s*=\s*True`)},
	{"exec.Command via shell", regexp.MustCompile(`\bexec\.Command(Context)?\((ctx,\s*)?"(ba|z)?sh",\s*"-c"`)},
	{"eval", regexp.MustCompile(`(?m)(^|[^.\w])eval\s*\(`)},
	{"child_process.exec", regexp.MustCompile(`\bchild_process\.exec(Sync)?\s*\(`)},
}

var sourceExtensions = map[string]bool{
	".py": true, ".go": true, ".js": true, ".ts": true, ".rb": true, ".sh": true, ".php": true,
}

// UnsafeCalls flags shell-execution patterns in source files.
type UnsafeCalls struct {
	limits Limits
}

// NewUnsafeCalls creates the unsafe-call collector.
func NewUnsafeCalls(limits Limits) *UnsafeCalls {
	return &UnsafeCalls{limits: limits}
}

func (u *UnsafeCalls) Name() string { return "unsafe_calls" }
func (u *UnsafeCalls) Kind() string { return KindSecurity }

// Collect reports every match, up to a bound.
func (u *UnsafeCalls) Collect(ctx context.Context, artifact audit.Artifact, filter Filter) ([]audit.Evidence, error) {
	var out []audit.Evidence
	matches := 0
	scanned, err := walkFiles(ctx, artifact.Path, u.limits, func(rel string) bool {
		return sourceExtensions[path.Ext(rel)]
	}, func(rel string, data []byte) error {
		for _, p := range unsafePatterns {
			for _, loc := range p.re.FindAllIndex(data, -1) {
				if matches >= maxUnsafeFindings {
					return errStopWalk
				}
				matches++
				line := lineOf(data, loc[0])
				content := fmt.Sprintf("%s at %s:%d: %s", p.name, rel, line, audit.TruncateRunes(string(data[loc[0]:loc[1]]), 200))
				for _, dim := range filter.Dimensions {
					out = append(out, audit.NewEvidence(u.Name(), dim, 0.9, content,
						audit.AtLocation(rel, line),
						audit.Tagged(audit.TagSecurityViolation),
						audit.Because("commands run through a shell or evaluated dynamically")))
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning for unsafe calls: %w", err)
	}

	if matches == 0 {
		content := fmt.Sprintf("No shell-execution patterns found in %d source files.", scanned)
		return each(filter, func(dim string) audit.Evidence {
			return audit.NewEvidence(u.Name(), dim, 0.7, content)
		}), nil
	}
	return out, nil
}
