// Package trailer rewrites commit message trailers (Reviewed-by,
// Tested-by, Part-of) while leaving everything else about a commit —
// author, author-date, parent topology — untouched. Only the
// committer and the message change.
//
package trailer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Approver is the minimal identity needed to build a Reviewed-by
// trailer. Username drives the stable sort order; Name/Email populate
// the trailer value.
type Approver struct {
	Username string
	Name     string
	Email    string
}

// ErrMissingEmail is returned by Rewrite when add-reviewers is enabled
// and an approver has no email on record. This is a terminal failure
// for the MR, not a silently-dropped trailer — the caller is expected
// to surface it as a note and unassign.
type ErrMissingEmail struct {
	Username string
}

func (e *ErrMissingEmail) Error() string {
	return fmt.Sprintf("approver %q has no email on record (admin credentials required to read it)", e.Username)
}

// ErrAutosquashCommit is returned by Rewrite when a commit in the
// range is a fixup!/squash! commit meant to be folded into an earlier
// one by `git rebase --autosquash`. Rewrite runs a plain rebase, so
// folding never happens; leaving these in place and rewriting their
// trailers independently would land them as permanent, separate
// commits instead of being squashed away. The whole range is left
// alone instead.
type ErrAutosquashCommit struct {
	SHA string
}

func (e *ErrAutosquashCommit) Error() string {
	return fmt.Sprintf("commit %s is a fixup!/squash! commit relying on rebase --autosquash", e.SHA)
}

var autosquashPrefix = regexp.MustCompile(`^(fixup|squash|amend)!\s`)

var trailerLine = regexp.MustCompile(`^(Reviewed-by|Tested-by|Part-of):\s*.*$`)

// Options configures which trailers Rewrite injects.
type Options struct {
	AddReviewers bool
	AddTested    bool
	AddPartOf    bool

	BotName string
	MRURL   string
}

// Commit is the minimal shape Rewrite needs from a real git commit.
type Commit struct {
	SHA     string
	Message string
	IsTip   bool
}

// Rewrite computes the new message for every commit in commits, given
// the approver set. It is pure and idempotent: running it twice on
// already-rewritten messages with the same approver set yields
// byte-identical output.
func Rewrite(commits []Commit, approvers []Approver, opts Options) ([]string, error) {
	for _, c := range commits {
		if firstLine := strings.SplitN(c.Message, "\n", 2)[0]; autosquashPrefix.MatchString(firstLine) {
			return nil, &ErrAutosquashCommit{SHA: c.SHA}
		}
	}

	if opts.AddReviewers {
		for _, a := range approvers {
			if a.Email == "" {
				return nil, &ErrMissingEmail{Username: a.Username}
			}
		}
	}

	sorted := make([]Approver, len(approvers))
	copy(sorted, approvers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Username < sorted[j].Username })

	out := make([]string, len(commits))
	for i, c := range commits {
		out[i] = rewriteOne(c, sorted, opts)
	}
	return out, nil
}

func rewriteOne(c Commit, approvers []Approver, opts Options) string {
	body, trailers := splitTrailers(c.Message)

	var kept []string
	for _, t := range trailers {
		if trailerLine.MatchString(t) {
			continue // stripped: Reviewed-by/Tested-by/Part-of are recomputed below
		}
		kept = append(kept, t)
	}

	var added []string
	if opts.AddPartOf && opts.MRURL != "" {
		added = append(added, fmt.Sprintf("Part-of: %s", opts.MRURL))
	}
	if opts.AddReviewers {
		for _, a := range approvers {
			added = append(added, fmt.Sprintf("Reviewed-by: %s <%s>", a.Name, a.Email))
		}
	}
	if opts.AddTested && c.IsTip && opts.BotName != "" {
		added = append(added, fmt.Sprintf("Tested-by: %s <%s>", opts.BotName, opts.MRURL))
	}

	all := append(kept, added...)
	if len(all) == 0 {
		return strings.TrimRight(body, "\n")
	}
	return strings.TrimRight(body, "\n") + "\n\n" + strings.Join(all, "\n")
}

// splitTrailers separates a commit message body from its trailing
// block of "Key: Value" lines. The trailer block is the maximal
// suffix of non-empty lines that all look like trailers.
func splitTrailers(msg string) (body string, trailers []string) {
	lines := strings.Split(strings.TrimRight(msg, "\n"), "\n")

	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}

	start := end
	for start > 0 && looksLikeTrailer(lines[start-1]) {
		start--
	}

	if start == end {
		return strings.Join(lines, "\n"), nil
	}

	// Require a blank separator before the trailer block, else a
	// single-paragraph commit like "Fix: the thing" would be
	// misread as a trailer block.
	if start > 0 && lines[start-1] != "" {
		return strings.Join(lines, "\n"), nil
	}

	bodyLines := lines[:start]
	for len(bodyLines) > 0 && bodyLines[len(bodyLines)-1] == "" {
		bodyLines = bodyLines[:len(bodyLines)-1]
	}

	return strings.Join(bodyLines, "\n"), lines[start:end]
}

var genericTrailer = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9-]*:\s+\S`)

func looksLikeTrailer(line string) bool {
	return genericTrailer.MatchString(line)
}
