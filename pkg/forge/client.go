package forge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/go-querystring/query"
)

// DefaultTimeout is the default wall-clock timeout for a single forge
// call.
const DefaultTimeout = 60 * time.Second

// maxRetries bounds the transport-level retry budget for idempotent
// calls hitting a 5xx or network error.
const maxRetries = 3

// HTTPDoer is the narrow surface Client needs from an HTTP client,
// matching the mockable interface style of vilaca-ci-dashboard's
// api.HTTPClient.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is a typed forge API client.
type Client struct {
	baseURL string
	token   string
	http    HTTPDoer
	logger  *log.Logger
	clock   func() time.Time

	capsByHost *lru.Cache[string, Capabilities]
}

// NewClient builds a Client. Token must be loaded from a file by the
// caller; Client only ever sees the decoded string.
func NewClient(baseURL, token string, doer HTTPDoer, logger *log.Logger) (*Client, error) {
	cache, err := lru.New[string, Capabilities](8)
	if err != nil {
		return nil, fmt.Errorf("building capability cache: %w", err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		http:       doer,
		logger:     logger,
		clock:      time.Now,
		capsByHost: cache,
	}, nil
}

// DetectVersion probes the forge's version endpoint once and caches
// the resulting capability set under the client's base URL.
func (c *Client) DetectVersion(ctx context.Context) (Capabilities, error) {
	if caps, ok := c.capsByHost.Get(c.baseURL); ok {
		return caps, nil
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := c.get(ctx, "/api/v4/version", nil, &body); err != nil {
		return Capabilities{}, fmt.Errorf("detecting forge version: %w", err)
	}

	caps := capabilitiesFor(body.Version)
	c.capsByHost.Add(c.baseURL, caps)
	c.logger.Debug("detected forge capabilities", "caps", caps.String())
	return caps, nil
}

// Capabilities returns the cached capability set, detecting it first
// if necessary.
func (c *Client) Capabilities(ctx context.Context) (Capabilities, error) {
	if caps, ok := c.capsByHost.Get(c.baseURL); ok {
		return caps, nil
	}
	return c.DetectVersion(ctx)
}

type pageParams struct {
	Page    int    `url:"page,omitempty"`
	PerPage int    `url:"per_page,omitempty"`
	Scope   string `url:"scope,omitempty"`
	State   string `url:"state,omitempty"`
}

// ListProjectsForMember returns every project the given user is a
// member of. Pages are followed until a short page is seen.
func (c *Client) ListProjectsForMember(ctx context.Context, userID int64) ([]Project, error) {
	var all []Project
	page := 1
	for {
		var raw []projectDTO
		params := pageParams{Page: page, PerPage: 100, Scope: fmt.Sprintf("membership-of-%d", userID)}
		if err := c.get(ctx, "/api/v4/projects", params, &raw); err != nil {
			return nil, fmt.Errorf("listing projects for member %d: %w", userID, err)
		}
		for _, p := range raw {
			all = append(all, p.toProject())
		}
		if len(raw) < params.PerPage {
			break
		}
		page++
	}
	return all, nil
}

// ListAssignedMRs returns all open merge requests assigned to the
// given user across all visible projects.
func (c *Client) ListAssignedMRs(ctx context.Context, userID int64) ([]MergeRequest, error) {
	var all []MergeRequest
	page := 1
	for {
		var raw []mergeRequestDTO
		params := pageParams{Page: page, PerPage: 100, State: "opened"}
		path := fmt.Sprintf("/api/v4/merge_requests?assignee_id=%d", userID)
		if err := c.get(ctx, path, params, &raw); err != nil {
			return nil, fmt.Errorf("listing assigned merge requests for %d: %w", userID, err)
		}
		for _, r := range raw {
			all = append(all, r.toMergeRequest())
		}
		if len(raw) < params.PerPage {
			break
		}
		page++
	}
	return all, nil
}

// GetMR fetches a single merge request.
func (c *Client) GetMR(ctx context.Context, projectID, iid int64) (MergeRequest, error) {
	var raw mergeRequestDTO
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d", projectID, iid)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return MergeRequest{}, fmt.Errorf("getting mr %d/%d: %w", projectID, iid, err)
	}
	return raw.toMergeRequest(), nil
}

// GetPipelinesForMR returns the pipelines recorded for an MR,
// routing through the MR-indexed endpoint when the forge supports it
// and falling back to a branch-ref lookup otherwise. The result is not
// filtered by sha.
func (c *Client) GetPipelinesForMR(ctx context.Context, mr MergeRequest) ([]Pipeline, error) {
	caps, err := c.Capabilities(ctx)
	if err != nil {
		return nil, err
	}

	if caps.SupportsMRPipelinesEndpoint {
		var raw []pipelineDTO
		path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/pipelines", mr.ProjectID, mr.IID)
		if err := c.get(ctx, path, nil, &raw); err != nil {
			return nil, fmt.Errorf("getting mr pipelines for %d/%d: %w", mr.ProjectID, mr.IID, err)
		}
		return toPipelines(raw), nil
	}

	return c.GetPipelinesForBranch(ctx, mr.SourceProjectID, mr.SourceBranch)
}

// GetBranch fetches a single branch's current tip sha, used to detect
// the target branch moving while a candidate is mid-flight.
func (c *Client) GetBranch(ctx context.Context, projectID int64, branch string) (Branch, error) {
	var raw branchDTO
	path := fmt.Sprintf("/api/v4/projects/%d/repository/branches/%s", projectID, branch)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return Branch{}, fmt.Errorf("getting branch %d/%s: %w", projectID, branch, err)
	}
	return raw.toBranch(), nil
}

// GetPipelinesForBranch is the legacy (< v10.5) fallback.
func (c *Client) GetPipelinesForBranch(ctx context.Context, projectID int64, ref string) ([]Pipeline, error) {
	var raw []pipelineDTO
	path := fmt.Sprintf("/api/v4/projects/%d/pipelines", projectID)
	if err := c.get(ctx, path, pageParams{PerPage: 20}, &raw); err != nil {
		return nil, fmt.Errorf("getting pipelines for branch %s: %w", ref, err)
	}
	var filtered []pipelineDTO
	for _, p := range raw {
		if p.Ref == ref {
			filtered = append(filtered, p)
		}
	}
	return toPipelines(filtered), nil
}

// FetchUserByUsername resolves a username to a full User, including
// email when the client holds admin credentials.
func (c *Client) FetchUserByUsername(ctx context.Context, username string) (User, error) {
	var raw []userDTO
	path := fmt.Sprintf("/api/v4/users?username=%s", username)
	if err := c.get(ctx, path, nil, &raw); err != nil {
		return User{}, fmt.Errorf("fetching user %q: %w", username, err)
	}
	if len(raw) == 0 {
		return User{}, &NotFoundError{Resource: fmt.Sprintf("user %q", username)}
	}
	return raw[0].toUser(), nil
}

// AcceptMROptions configures the accept_mr call.
type AcceptMROptions struct {
	SHA                string
	MergeMethod        MergeMethod
	RemoveSourceBranch bool
	Squash             bool
}

// AcceptMR finalises the merge, pinning the exact sha that must be
// merged.
func (c *Client) AcceptMR(ctx context.Context, projectID, iid int64, opts AcceptMROptions) error {
	body := map[string]any{
		"sha":                  opts.SHA,
		"squash":               opts.Squash,
		"should_remove_source_branch": opts.RemoveSourceBranch,
	}
	switch opts.MergeMethod {
	case MergeMethodMerge:
		body["merge_commit_message"] = nil
	case MergeMethodRebaseMerge, MergeMethodSemiLinear:
		// rebase happened client-side already; accept as a fast-forward
	}
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/merge", projectID, iid)
	return c.put(ctx, path, body, nil)
}

// ApproveMR approves the MR, optionally impersonating another user.
func (c *Client) ApproveMR(ctx context.Context, projectID, iid int64, sha string, asUser string) error {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/approve", projectID, iid)
	if asUser != "" {
		path += "?sudo=" + asUser
	}
	body := map[string]any{"sha": sha}
	return c.post(ctx, path, body, nil)
}

// UnapproveMR retracts an approval.
func (c *Client) UnapproveMR(ctx context.Context, projectID, iid int64, asUser string) error {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/unapprove", projectID, iid)
	if asUser != "" {
		path += "?sudo=" + asUser
	}
	return c.post(ctx, path, nil, nil)
}

// PostNote posts a short, human-readable comment on an MR.
func (c *Client) PostNote(ctx context.Context, projectID, iid int64, body string) error {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/notes", projectID, iid)
	return c.post(ctx, path, map[string]any{"body": body}, nil)
}

// SetAssignees replaces the MR's assignee set.
func (c *Client) SetAssignees(ctx context.Context, projectID, iid int64, userIDs []int64) error {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d", projectID, iid)
	return c.put(ctx, path, map[string]any{"assignee_ids": userIDs}, nil)
}

// ResetApprovals clears the MR's recorded approvals, used before a
// reapprove pass when the forge does not reset them automatically on
// push.
func (c *Client) ResetApprovals(ctx context.Context, projectID, iid int64) error {
	path := fmt.Sprintf("/api/v4/projects/%d/merge_requests/%d/reset_approvals", projectID, iid)
	return c.post(ctx, path, nil, nil)
}

// --- transport plumbing ---

func (c *Client) get(ctx context.Context, path string, params any, out any) error {
	u := c.baseURL + path
	if params != nil {
		values, err := query.Values(params)
		if err == nil && len(values) > 0 {
			sep := "?"
			if bytes.ContainsRune([]byte(path), '?') {
				sep = "&"
			}
			u += sep + values.Encode()
		}
	}
	return c.do(ctx, http.MethodGet, u, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPost, c.baseURL+path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body any, out any) error {
	return c.do(ctx, http.MethodPut, c.baseURL+path, body, out)
}

func (c *Client) do(ctx context.Context, method, url string, body any, out any) error {
	var last error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 250 * time.Millisecond
			c.logger.Debug("retrying forge request", "method", method, "url", url, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := c.doOnce(ctx, method, url, body, out)
		if err == nil {
			return nil
		}
		if !isTransient(err) || method == http.MethodPost {
			return err
		}
		last = err
	}
	return last
}

func isTransient(err error) bool {
	_, ok := err.(*TransientError)
	return ok
}

func (c *Client) doOnce(ctx context.Context, method, url string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("%s %s: status %d", method, url, resp.StatusCode)}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: url}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &UnauthorisedError{Resource: url}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Resource: url, Body: string(raw)}
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return &MethodNotAllowedError{Resource: url, Reason: string(raw)}
	case resp.StatusCode == http.StatusNotAcceptable:
		return &NotAcceptableError{Resource: url, Reason: string(raw)}
	case resp.StatusCode == http.StatusUnprocessableEntity:
		if isLocked(raw) {
			return &LockedError{Resource: url}
		}
		return &UnprocessableError{Resource: url, Reason: string(raw)}
	case resp.StatusCode >= 400:
		return &UnprocessableError{Resource: url, Reason: string(raw)}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Debug("failed to decode forge response", "url", url, "body", string(raw))
		return &ProtocolError{Err: err}
	}
	return nil
}

func isLocked(body []byte) bool {
	var v struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(body, &v)
	return bytes.Contains(bytes.ToLower(body), []byte("locked")) || bytes.Contains([]byte(v.Message), []byte("locked"))
}
