// Package mrview is a read-only projection of an MR's forge state
// with convenience predicates. Views are created fresh per poll cycle
// and discarded — this package never caches or mutates a
// forge.MergeRequest, only reads it.
package mrview

import (
	"regexp"

	"github.com/smarkets/marge/pkg/forge"
)

// View wraps a single forge.MergeRequest snapshot plus the project it
// belongs to, since several predicates (approval threshold, merge
// method) need both.
type View struct {
	MR      forge.MergeRequest
	Project forge.Project
}

// New builds a View from a fetched MR and its project.
func New(mr forge.MergeRequest, project forge.Project) View {
	return View{MR: mr, Project: project}
}

// IsAssignedTo reports whether user is currently in the MR's
// assignee set. Supports single- or multi-assignee forges: presence
// is sufficient, other assignees are never removed.
func (v View) IsAssignedTo(user forge.User) bool {
	for _, a := range v.MR.Assignees {
		if a.ID == user.ID {
			return true
		}
	}
	return false
}

// topCommitAuthorUsername is supplied by the caller because it
// requires a git log read the forge's MR payload alone cannot give
// us; IsApproved and Approvers take it as a parameter rather than this
// package reaching into git.
//
// IsApproved reports whether the recorded approval count meets the
// project's threshold and the approver set excludes the author and
// the committer of the tip commit ("reviewer != author" guard).
func (v View) IsApproved(topCommitAuthorUsername string) bool {
	required := v.Project.ApprovalsRequired
	if v.MR.Approvals.Required > required {
		required = v.MR.Approvals.Required
	}
	if required <= 0 {
		return true
	}

	count := 0
	for _, a := range v.MR.Approvals.By {
		if a.Username == v.MR.Author.Username {
			continue
		}
		if a.Username == topCommitAuthorUsername {
			continue
		}
		count++
	}
	return count >= required
}

// Approvers returns the approval set with the author and the tip
// commit's author excluded, matching the same guard IsApproved
// enforces (used by the Commit Rewriter to build Reviewed-by
// trailers).
func (v View) Approvers(topCommitAuthorUsername string) []forge.User {
	var out []forge.User
	for _, a := range v.MR.Approvals.By {
		if a.Username == v.MR.Author.Username || a.Username == topCommitAuthorUsername {
			continue
		}
		out = append(out, a)
	}
	return out
}

// SourceBranchMatches reports whether the source branch matches re.
func (v View) SourceBranchMatches(re *regexp.Regexp) bool {
	if re == nil {
		return true
	}
	return re.MatchString(v.MR.SourceBranch)
}

// TargetBranchMatches reports whether the target branch matches re.
func (v View) TargetBranchMatches(re *regexp.Regexp) bool {
	if re == nil {
		return true
	}
	return re.MatchString(v.MR.TargetBranch)
}

// IsTrivialSourceBranch reports whether the source branch is the
// target branch itself — a guard against merging a branch into
// itself.
func (v View) IsTrivialSourceBranch() bool {
	return v.MR.SourceBranch == v.MR.TargetBranch
}

// IsMergeable reports the coarse set of forge-state predicates that
// must hold before a candidate is even considered: open, not WIP, not
// locked, no unresolved discussions.
func (v View) IsMergeable() bool {
	if v.MR.State != forge.MergeRequestOpened {
		return false
	}
	if v.MR.WorkInProgress {
		return false
	}
	if v.MR.HasUnresolvedDiscussions {
		return false
	}
	return true
}

// CIGreenOnSHA reports whether one of the given pipelines is a
// success (or skipped) for exactly the MR's current sha.
func (v View) CIGreenOnSHA(pipelines []forge.Pipeline) bool {
	for _, p := range pipelines {
		if p.SHA == v.MR.SHA && p.Status.Succeeded() {
			return true
		}
	}
	return false
}
