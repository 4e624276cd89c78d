package forge

import "time"

// The *DTO types mirror the forge's raw JSON shapes; conversion to
// the typed domain structs happens in one place (toX) rather than
// scattering field probing across callers.

type userDTO struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (d userDTO) toUser() User {
	return User{ID: d.ID, Name: d.Name, Username: d.Username, Email: d.Email}
}

type projectDTO struct {
	ID                   int64  `json:"id"`
	PathWithNamespace    string `json:"path_with_namespace"`
	SSHURLToRepo         string `json:"ssh_url_to_repo"`
	MergeMethod          string `json:"merge_method"`
	ApprovalsBeforeMerge int    `json:"approvals_before_merge"`
	ResetApprovalsOnPush bool   `json:"reset_approvals_on_push"`
	Permissions          struct {
		ProjectAccess *struct {
			AccessLevel int `json:"access_level"`
		} `json:"project_access"`
	} `json:"permissions"`
}

func (d projectDTO) toProject() Project {
	method := MergeMethod(d.MergeMethod)
	if method == "" {
		method = MergeMethodMerge
	}
	level := AccessLevelNone
	if d.Permissions.ProjectAccess != nil {
		level = AccessLevel(d.Permissions.ProjectAccess.AccessLevel / 10)
	}
	return Project{
		ID:                   d.ID,
		Path:                 d.PathWithNamespace,
		SSHURLToRepo:         d.SSHURLToRepo,
		MergeMethod:          method,
		ApprovalsRequired:    d.ApprovalsBeforeMerge,
		ResetApprovalsOnPush: d.ResetApprovalsOnPush,
		AccessLevel:          level,
	}
}

type mergeRequestDTO struct {
	ID                       int64     `json:"id"`
	IID                      int64     `json:"iid"`
	ProjectID                int64     `json:"project_id"`
	SourceProjectID          int64     `json:"source_project_id"`
	SourceBranch             string    `json:"source_branch"`
	TargetBranch             string    `json:"target_branch"`
	SHA                      string    `json:"sha"`
	Title                    string    `json:"title"`
	Description              string    `json:"description"`
	Assignees                []userDTO `json:"assignees"`
	Author                   userDTO   `json:"author"`
	ApprovedBy               []userDTO `json:"approved_by"`
	ApprovalsRequired        int       `json:"approvals_required"`
	State                    string    `json:"state"`
	WorkInProgress           bool      `json:"work_in_progress"`
	WebURL                   string    `json:"web_url"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
	HasUnresolvedDiscussions bool      `json:"has_unresolved_discussions"`
}

func (d mergeRequestDTO) toMergeRequest() MergeRequest {
	assignees := make([]User, len(d.Assignees))
	for i, a := range d.Assignees {
		assignees[i] = a.toUser()
	}
	approvedBy := make([]User, len(d.ApprovedBy))
	for i, a := range d.ApprovedBy {
		approvedBy[i] = a.toUser()
	}

	state := MergeRequestState(d.State)
	if state == "" {
		state = MergeRequestOpened
	}

	return MergeRequest{
		ID:              d.ID,
		IID:             d.IID,
		ProjectID:       d.ProjectID,
		SourceProjectID: d.SourceProjectID,
		SourceBranch:    d.SourceBranch,
		TargetBranch:    d.TargetBranch,
		SHA:             d.SHA,
		Title:           d.Title,
		Description:     d.Description,
		Assignees:       assignees,
		Author:          d.Author.toUser(),
		Approvals: Approvals{
			By:       approvedBy,
			Required: d.ApprovalsRequired,
		},
		State:                    state,
		WorkInProgress:           d.WorkInProgress,
		WebURL:                   d.WebURL,
		CreatedAt:                d.CreatedAt,
		UpdatedAt:                d.UpdatedAt,
		HasUnresolvedDiscussions: d.HasUnresolvedDiscussions,
	}
}

type pipelineDTO struct {
	SHA    string `json:"sha"`
	Ref    string `json:"ref"`
	Status string `json:"status"`
	WebURL string `json:"web_url"`
}

func (d pipelineDTO) toPipeline() Pipeline {
	return Pipeline{SHA: d.SHA, Ref: d.Ref, Status: PipelineStatus(d.Status), WebURL: d.WebURL}
}

func toPipelines(raw []pipelineDTO) []Pipeline {
	out := make([]Pipeline, len(raw))
	for i, p := range raw {
		out[i] = p.toPipeline()
	}
	return out
}

type branchDTO struct {
	Name   string `json:"name"`
	Commit struct {
		ID string `json:"id"`
	} `json:"commit"`
}

func (d branchDTO) toBranch() Branch {
	return Branch{Name: d.Name, SHA: d.Commit.ID}
}
