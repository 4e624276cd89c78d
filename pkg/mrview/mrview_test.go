package mrview

import (
	"regexp"
	"testing"

	"github.com/matryer/is"
	"github.com/smarkets/marge/pkg/forge"
)

func TestIsApprovedExcludesAuthorAndTipCommitter(t *testing.T) {
	is := is.New(t)

	author := forge.User{Username: "alice"}
	v := View{
		MR: forge.MergeRequest{
			Author: author,
			Approvals: forge.Approvals{
				By:       []forge.User{author, {Username: "bob"}},
				Required: 1,
			},
		},
		Project: forge.Project{ApprovalsRequired: 1},
	}

	is.True(v.IsApproved("alice")) // bob alone satisfies threshold 1

	// If the only non-author approver is also the tip committer, fails.
	v2 := View{
		MR: forge.MergeRequest{
			Author:    author,
			Approvals: forge.Approvals{By: []forge.User{{Username: "bob"}}, Required: 1},
		},
		Project: forge.Project{ApprovalsRequired: 1},
	}
	is.True(!v2.IsApproved("bob"))
}

func TestIsTrivialSourceBranch(t *testing.T) {
	is := is.New(t)
	v := View{MR: forge.MergeRequest{SourceBranch: "main", TargetBranch: "main"}}
	is.True(v.IsTrivialSourceBranch())

	v2 := View{MR: forge.MergeRequest{SourceBranch: "feat/x", TargetBranch: "main"}}
	is.True(!v2.IsTrivialSourceBranch())
}

func TestBranchRegexpFilters(t *testing.T) {
	is := is.New(t)
	re := regexp.MustCompile(`^feat/`)
	v := View{MR: forge.MergeRequest{SourceBranch: "feat/x"}}
	is.True(v.SourceBranchMatches(re))

	v2 := View{MR: forge.MergeRequest{SourceBranch: "bugfix/x"}}
	is.True(!v2.SourceBranchMatches(re))
}

func TestCIGreenOnSHATreatsSkippedAsSuccess(t *testing.T) {
	is := is.New(t)
	v := View{MR: forge.MergeRequest{SHA: "abc"}}
	is.True(v.CIGreenOnSHA([]forge.Pipeline{{SHA: "abc", Status: forge.PipelineSkipped}}))
	is.True(!v.CIGreenOnSHA([]forge.Pipeline{{SHA: "other", Status: forge.PipelineSuccess}}))
}

func TestIsMergeableRejectsWIPAndUnresolvedDiscussions(t *testing.T) {
	is := is.New(t)
	v := View{MR: forge.MergeRequest{State: forge.MergeRequestOpened, WorkInProgress: true}}
	is.True(!v.IsMergeable())

	v2 := View{MR: forge.MergeRequest{State: forge.MergeRequestOpened, HasUnresolvedDiscussions: true}}
	is.True(!v2.IsMergeable())

	v3 := View{MR: forge.MergeRequest{State: forge.MergeRequestOpened}}
	is.True(v3.IsMergeable())
}
