// Package secrets redacts credentials from text before it leaves the
// process, using the gitleaks default rule set.
//
// The evaluators scrub evidence with it before prompting a remote model.
// Results keep rule IDs and counts but never the secret itself.
package secrets
