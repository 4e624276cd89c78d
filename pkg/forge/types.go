// Package forge provides typed access to the forge's HTTP API: users,
// projects, merge requests, commits, pipelines, approvals, notes.
//
// Grounded on the GitLab client in vilaca-ci-dashboard
// (internal/api/gitlab/client.go) for the HTTP/JSON shape, and on
// soft-serve's pkg/db/models for how to name typed domain
// projections.
package forge

import "time"

// AccessLevel mirrors the forge's project membership levels, ordered
// so AccessLevel values can be compared.
type AccessLevel int

const (
	AccessLevelNone AccessLevel = iota
	AccessLevelGuest
	AccessLevelReporter
	AccessLevelDeveloper
	AccessLevelMaintainer
	AccessLevelOwner
)

// MergeMethod is how a project wants its merge requests landed.
type MergeMethod string

const (
	MergeMethodMerge      MergeMethod = "merge"
	MergeMethodRebaseMerge MergeMethod = "rebase-merge"
	MergeMethodFastForward MergeMethod = "ff-only"
	MergeMethodSemiLinear  MergeMethod = "semi-linear"
)

// Project is a point-in-time project snapshot. It is immutable within one
// worker iteration.
type Project struct {
	ID                    int64
	Path                  string
	SSHURLToRepo          string
	MergeMethod           MergeMethod
	ApprovalsRequired     int
	ResetApprovalsOnPush  bool
	AccessLevel           AccessLevel
}

// User is a point-in-time user snapshot. Email is only populated when the
// client holds forge-admin credentials.
type User struct {
	ID       int64
	Name     string
	Username string
	Email    string
}

// MergeRequestState mirrors the forge's merge request state enum.
type MergeRequestState string

const (
	MergeRequestOpened MergeRequestState = "opened"
	MergeRequestClosed MergeRequestState = "closed"
	MergeRequestMerged MergeRequestState = "merged"
	MergeRequestLocked MergeRequestState = "locked"
)

// Approvals is the approval sub-record attached to a merge request.
type Approvals struct {
	By       []User
	Required int
}

// MergeRequest is a merge request snapshot, a read-only
// projection fetched fresh on every poll cycle and discarded.
type MergeRequest struct {
	ID               int64
	IID              int64
	ProjectID        int64
	SourceProjectID  int64
	SourceBranch     string
	TargetBranch     string
	SHA              string
	Title            string
	Description      string
	Assignees        []User
	Author           User
	Approvals        Approvals
	State            MergeRequestState
	WorkInProgress   bool
	WebURL           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	HasUnresolvedDiscussions bool
}

// PipelineStatus mirrors the forge's pipeline status enum.
type PipelineStatus string

const (
	PipelineCreated  PipelineStatus = "created"
	PipelinePending  PipelineStatus = "pending"
	PipelineRunning  PipelineStatus = "running"
	PipelineSuccess  PipelineStatus = "success"
	PipelineFailed   PipelineStatus = "failed"
	PipelineCanceled PipelineStatus = "canceled"
	PipelineSkipped  PipelineStatus = "skipped"
	PipelineManual   PipelineStatus = "manual"
)

// IsTerminal reports whether the status will not change without
// external intervention (a new push, a manual retrigger).
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineSuccess, PipelineFailed, PipelineCanceled, PipelineSkipped:
		return true
	default:
		return false
	}
}

// Succeeded reports whether the pipeline should be treated as a pass.
// Skipped counts as success.
func (s PipelineStatus) Succeeded() bool {
	return s == PipelineSuccess || s == PipelineSkipped
}

// Pipeline is a pipeline run snapshot.
type Pipeline struct {
	SHA    string
	Ref    string
	Status PipelineStatus
	WebURL string
}

// Branch is a minimal branch snapshot: name and current tip sha, used
// by the worker to notice the target branch moving out from under an
// in-flight candidate.
type Branch struct {
	Name string
	SHA  string
}
