// Package worker implements the merge state machine for one
// (project, target-branch) pair. It consumes MR Views, drives the git
// worktree and forge client, and owns the retry/abort policy —
// components below it never retry based on semantics they don't own.
package worker

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log/v2"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/smarkets/marge/pkg/batch"
	"github.com/smarkets/marge/pkg/clock"
	"github.com/smarkets/marge/pkg/embargo"
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/gitwt"
	"github.com/smarkets/marge/pkg/metrics"
	"github.com/smarkets/marge/pkg/mrview"
	"github.com/smarkets/marge/pkg/trailer"
)

// OrderPolicy controls candidate ordering.
type OrderPolicy int

const (
	OrderOldestCreatedFirst OrderPolicy = iota
	OrderOldestUpdatedFirst
)

// Options configures one Worker's behaviour.
type Options struct {
	AddReviewers         bool
	AddTested            bool
	AddPartOf            bool
	ImpersonateApprovers bool
	UseMergeStrategy     bool
	RemoveSourceBranch   bool
	Squash               bool

	ApprovalResetTimeout time.Duration // 0 = no timeout
	CITimeout            time.Duration
	GitTimeout           time.Duration

	Order         OrderPolicy
	BranchRegexp  *regexp.Regexp
	IdlePollEvery time.Duration // longer sleeps when idle
	BusyPollEvery time.Duration // short sleeps when work is in flight
}

// DefaultOptions returns the bot's documented defaults.
func DefaultOptions() Options {
	return Options{
		CITimeout:     15 * time.Minute,
		GitTimeout:    2 * time.Minute,
		IdlePollEvery: 45 * time.Second,
		BusyPollEvery: time.Second,
	}
}

// Worker is the state machine for one (project, target-branch) pair.
// It lives as long as the bot is a member of the project.
type Worker struct {
	Forge     *forge.Client
	Worktree  *gitwt.Worktree
	Project   forge.Project
	Target    string
	Bot       forge.User
	Remote    string
	Planner   batch.Planner
	Embargo   *embargo.Calendar
	Clock     clock.Clock
	Logger    *log.Logger
	Metrics   *metrics.Registry
	Options   Options
}

// RunForever drives Tick in a loop until shutdown is closed. Shutdown
// is only honoured between ticks — an in-flight FINALISE is allowed to
// complete, but no new candidate is started once the signal arrives.
func (w *Worker) RunForever(ctx context.Context, shutdown <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-shutdown:
			w.Logger.Info("worker retiring", "project", w.Project.Path, "target", w.Target)
			return
		default:
		}
		w.Tick(ctx)
	}
}

// outcome is the result of attempting one candidate, driving whether
// the caller restarts the whole iteration from PREPARE or advances to
// the next candidate.
type outcome int

const (
	outcomeMerged outcome = iota
	outcomeRestart
	outcomeNextCandidate
)

// Tick runs one iteration of the outer loop: honour embargo, select
// candidates, attempt the head plan. An embargo wait or an idle poll
// sleep ends the tick without attempting anything; an attempted plan
// runs to completion, including its CI wait, before Tick returns.
// Callers check a shutdown signal between calls.
func (w *Worker) Tick(ctx context.Context) {
	runID := uuid.NewString()
	logger := w.Logger.With("project", w.Project.Path, "target", w.Target, "run", runID)

	if w.Embargo != nil {
		now := w.Clock.Now()
		if w.Embargo.InEmbargo(now) {
			wait := w.Embargo.WaitUntilClear(now)
			logger.Info("inside embargo, sleeping until clear", "wait", humanize.RelTime(now, now.Add(wait), "", ""))
			w.Clock.Sleep(wait)
			return
		}
	}

	candidates, err := w.selectCandidates(ctx, logger)
	if err != nil {
		logger.Error("failed to select candidates", "err", err)
		w.Clock.Sleep(w.Options.IdlePollEvery)
		return
	}
	if len(candidates) == 0 {
		w.Clock.Sleep(w.Options.IdlePollEvery)
		return
	}

	if w.Metrics != nil {
		w.Metrics.CandidatesQueued.WithLabelValues(w.Project.Path).Set(float64(len(candidates)))
	}

	plan := w.Planner.Plan(candidates)
	if w.Metrics != nil {
		w.Metrics.BatchSize.Observe(float64(len(plan.Views)))
	}

	w.attemptPlan(ctx, logger, plan)
}

// selectCandidates fetches open MRs assigned to the bot in this
// project and filters + orders them.
func (w *Worker) selectCandidates(ctx context.Context, logger *log.Logger) ([]mrview.View, error) {
	mrs, err := w.Forge.ListAssignedMRs(ctx, w.Bot.ID)
	if err != nil {
		return nil, fmt.Errorf("listing assigned mrs: %w", err)
	}

	if w.Worktree != nil {
		if err := w.Worktree.Fetch(ctx, w.Remote); err != nil {
			logger.Debug("selectCandidates: fetch failed, approval guard falls back to mr author", "err", err)
		}
	}

	var views []mrview.View
	for _, mr := range mrs {
		if mr.ProjectID != w.Project.ID || mr.TargetBranch != w.Target {
			continue
		}
		v := mrview.New(mr, w.Project)

		if !v.IsMergeable() {
			continue
		}
		if v.IsTrivialSourceBranch() {
			continue
		}
		if !v.SourceBranchMatches(w.Options.BranchRegexp) {
			continue
		}
		if !v.IsApproved(w.tipCommitAuthorUsername(ctx, logger, v)) {
			continue
		}
		views = append(views, v)
	}

	sort.SliceStable(views, func(i, j int) bool {
		if w.Options.Order == OrderOldestUpdatedFirst {
			return views[i].MR.UpdatedAt.Before(views[j].MR.UpdatedAt)
		}
		return views[i].MR.CreatedAt.Before(views[j].MR.CreatedAt)
	})

	logger.Debug("selected candidates", "count", len(views))
	return views, nil
}

// attemptPlan runs a (possibly batched) plan; on batch failure it
// falls back to single-MR runs in order.
func (w *Worker) attemptPlan(ctx context.Context, logger *log.Logger, plan batch.Plan) {
	if len(plan.Views) <= 1 {
		w.attemptSingle(ctx, logger, plan.Views...)
		return
	}

	ok := w.attemptBatch(ctx, logger, plan)
	if ok {
		return
	}

	logger.Warn("batch failed, falling back to single-MR runs", "iids", plan.IIDs())
	for _, sub := range plan.Fallback() {
		w.attemptSingle(ctx, logger, sub.Views...)
	}
}

// attemptBatch rebases every view in the plan onto a growing shared
// tip and runs CI once on the final tip, resolving approvals and CI on
// the single combined tip. If any stage fails for any member, the
// whole batch is abandoned for the fallback path.
func (w *Worker) attemptBatch(ctx context.Context, logger *log.Logger, plan batch.Plan) bool {
	if err := w.Worktree.Reset(ctx, w.Remote, w.Target); err != nil {
		logger.Warn("batch reset failed", "err", err)
		return false
	}

	tip := w.Target
	var pushedSHAs []string
	for _, v := range plan.Views {
		if err := w.Worktree.Fetch(ctx, w.Remote); err != nil {
			logger.Warn("batch fetch failed", "err", err)
			return false
		}
		approvers := w.approvers(ctx, logger, v)
		buildMsg, err := gitwt.TrailerOptionsFromMessage(approvers, w.trailerOptions(v))
		if err != nil {
			w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Cannot add Reviewed-by trailers: %s", err.Error()))
			return false
		}
		result, err := w.Worktree.RebaseOnto(ctx, tip, v.MR.SourceBranch, buildMsg)
		if err != nil {
			if _, ok := err.(*trailer.ErrAutosquashCommit); ok {
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Cannot safely rewrite trailers: %s", err.Error()))
				return false
			}
			logger.Warn("batch member failed to rebase, abandoning batch", "iid", v.MR.IID, "err", err)
			return false
		}
		if err := w.Worktree.Push(ctx, w.Remote, "refs/heads/"+v.MR.SourceBranch, true); err != nil {
			logger.Warn("batch member failed to push, abandoning batch", "iid", v.MR.IID, "err", err)
			return false
		}
		pushedSHAs = append(pushedSHAs, result.NewTip)
		tip = v.MR.SourceBranch
	}

	tipView := plan.Views[len(plan.Views)-1]
	tipSHA := pushedSHAs[len(pushedSHAs)-1]

	status, err := w.awaitCI(ctx, logger, tipView, tipSHA)
	if err != nil || status != ciSuccess {
		return false
	}

	for i, v := range plan.Views {
		if out := w.finaliseOrRestart(ctx, logger, v, pushedSHAs[i]); out != outcomeMerged {
			return false
		}
		if w.Metrics != nil {
			w.Metrics.MergesTotal.WithLabelValues(w.Project.Path).Inc()
		}
	}
	return true
}

// attemptSingle processes candidates one at a time, restarting the
// whole PREPARE..FINALISE cycle on a "restart" outcome and moving on
// to the next candidate otherwise.
const maxPrepareRestarts = 3

func (w *Worker) attemptSingle(ctx context.Context, logger *log.Logger, views ...mrview.View) {
	for _, v := range views {
		settled := false
		attempts := 0
		for ; attempts < maxPrepareRestarts; attempts++ {
			out := w.processCandidate(ctx, logger, v)
			if out != outcomeRestart {
				settled = true
				break
			}
			logger.Info("restarting from PREPARE", "iid", v.MR.IID, "attempt", attempts+1)
			fresh, err := w.Forge.GetMR(ctx, v.MR.ProjectID, v.MR.IID)
			if err != nil {
				logger.Warn("could not refresh mr before restart", "iid", v.MR.IID, "err", err)
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Could not refresh merge request to restart: %s", err.Error()))
				settled = true
				break
			}
			v = mrview.New(fresh, w.Project)
		}
		if !settled {
			logger.Warn("giving up after repeated restarts", "iid", v.MR.IID, "attempts", attempts)
			w.noteAndUnassign(ctx, logger, v, "Giving up after repeated restarts.")
		}
	}
}

// processCandidate runs PREPARE -> PUSH -> REAPPROVE -> AWAIT_CI ->
// FINALISE for a single MR.
func (w *Worker) processCandidate(ctx context.Context, logger *log.Logger, v mrview.View) outcome {
	logger = logger.With("iid", v.MR.IID)

	// PREPARE
	if err := w.Worktree.Reset(ctx, w.Remote, v.MR.TargetBranch, v.MR.SourceBranch); err != nil {
		logger.Warn("prepare: reset failed", "err", err)
		return outcomeRestart
	}

	approvers := w.approvers(ctx, logger, v)
	buildMsg, err := gitwt.TrailerOptionsFromMessage(approvers, w.trailerOptions(v))
	if err != nil {
		w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Cannot add Reviewed-by trailers: %s", err.Error()))
		return outcomeNextCandidate
	}

	var result *gitwt.RebaseResult
	if w.Options.UseMergeStrategy {
		result, err = w.Worktree.MergeOnto(ctx, v.MR.TargetBranch, v.MR.SourceBranch, func(orig string) string { return orig })
	} else {
		result, err = w.Worktree.RebaseOnto(ctx, v.MR.TargetBranch, v.MR.SourceBranch, buildMsg)
	}
	if err != nil {
		switch e := err.(type) {
		case *gitwt.EmptyDiffError:
			w.note(ctx, v, "Nothing to merge: the rebase produced an empty diff.")
			return outcomeNextCandidate
		case *gitwt.RebaseConflictError:
			w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Could not rebase onto %s:\n\n%s", v.MR.TargetBranch, e.Diagnostic))
			return outcomeNextCandidate
		case *trailer.ErrAutosquashCommit:
			w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Cannot safely rewrite trailers: %s", e.Error()))
			return outcomeNextCandidate
		default:
			logger.Warn("prepare: rebase failed", "err", err)
			return outcomeRestart
		}
	}
	pushedSHA := result.NewTip

	// PUSH
	if err := w.Worktree.Push(ctx, w.Remote, "refs/heads/"+v.MR.SourceBranch, true); err != nil {
		if rej, ok := err.(*gitwt.RejectedError); ok {
			switch rej.Reason {
			case gitwt.RejectProtected:
				w.noteAndUnassign(ctx, logger, v, "Push rejected: target branch is protected.")
				return outcomeNextCandidate
			case gitwt.RejectStale:
				logger.Info("push: target moved under us, restarting")
				return outcomeRestart
			default:
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Push rejected: %s", rej.Output))
				return outcomeNextCandidate
			}
		}
		logger.Warn("push: network error", "err", err)
		return outcomeRestart
	}

	// REAPPROVE
	if w.Options.ImpersonateApprovers && v.Project.ResetApprovalsOnPush {
		if err := w.reapprove(ctx, logger, v, approvers, pushedSHA); err != nil {
			if _, ok := err.(*errApprovalTimeout); ok {
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Approvals did not restore within %s after push; giving up.", w.Options.ApprovalResetTimeout))
				return outcomeNextCandidate
			}
			logger.Warn("reapprove: continuing to finalise without full restoration", "err", err)
		}
	}

	// AWAIT_CI
	status, err := w.awaitCI(ctx, logger, v, pushedSHA)
	if err != nil {
		return outcomeRestart
	}
	switch status {
	case ciFailed, ciTimedOut:
		return outcomeNextCandidate
	}

	// FINALISE
	out := w.finaliseOrRestart(ctx, logger, v, pushedSHA)
	if out == outcomeMerged && w.Metrics != nil {
		w.Metrics.MergesTotal.WithLabelValues(w.Project.Path).Inc()
	}
	return out
}

func (w *Worker) approvers(ctx context.Context, logger *log.Logger, v mrview.View) []trailer.Approver {
	users := v.Approvers(w.tipCommitAuthorUsername(ctx, logger, v))
	out := make([]trailer.Approver, len(users))
	for i, u := range users {
		out[i] = trailer.Approver{Username: u.Username, Name: u.Name, Email: u.Email}
	}
	return out
}

// tipCommitAuthorUsername resolves the actual tip-commit author of
// v's source branch by reading its email from the local worktree and
// matching it against the MR's author or approver set — the forge's
// "author" field on the MR can lag behind who really authored the tip
// after a maintainer's own fixup push. Falls back to the MR's stated
// author when no worktree is available or the email can't be matched.
func (w *Worker) tipCommitAuthorUsername(ctx context.Context, logger *log.Logger, v mrview.View) string {
	if w.Worktree == nil {
		return v.MR.Author.Username
	}
	email, err := w.Worktree.TipCommitAuthorEmail(ctx, w.Remote, v.MR.SourceBranch)
	if err != nil {
		logger.Debug("could not read tip commit author, falling back to mr author", "err", err)
		return v.MR.Author.Username
	}
	if email == "" {
		return v.MR.Author.Username
	}
	if v.MR.Author.Email == email {
		return v.MR.Author.Username
	}
	for _, a := range v.MR.Approvals.By {
		if a.Email == email {
			return a.Username
		}
	}
	return v.MR.Author.Username
}

func (w *Worker) trailerOptions(v mrview.View) trailer.Options {
	return trailer.Options{
		AddReviewers: w.Options.AddReviewers,
		AddTested:    w.Options.AddTested,
		AddPartOf:    w.Options.AddPartOf,
		BotName:      w.Bot.Name,
		MRURL:        v.MR.WebURL,
	}
}

func (w *Worker) note(ctx context.Context, v mrview.View, body string) {
	msg := fmt.Sprintf("%s (sha: %s)", body, v.MR.SHA)
	if err := w.Forge.PostNote(ctx, v.MR.ProjectID, v.MR.IID, msg); err != nil {
		w.Logger.Warn("failed to post note", "iid", v.MR.IID, "err", err)
	}
}

// noteAndUnassign is the universal abort path: every abort produces a
// note on the MR and removes the bot from its assignees.
func (w *Worker) noteAndUnassign(ctx context.Context, logger *log.Logger, v mrview.View, body string) {
	w.note(ctx, v, body)

	remaining := make([]int64, 0, len(v.MR.Assignees))
	for _, a := range v.MR.Assignees {
		if a.ID != w.Bot.ID {
			remaining = append(remaining, a.ID)
		}
	}
	if err := w.Forge.SetAssignees(ctx, v.MR.ProjectID, v.MR.IID, remaining); err != nil {
		logger.Warn("failed to unassign bot", "iid", v.MR.IID, "err", err)
	}
	if w.Metrics != nil {
		w.Metrics.AbortsTotal.WithLabelValues(w.Project.Path, "mr-terminal").Inc()
	}
}

// errApprovalTimeout is returned by reapprove when approval-reset-timeout
// is set and approvals are still missing once it elapses. Distinct from
// a plain impersonation failure (lastErr below), which is recoverable:
// this one must abort the MR, not just get logged and ignored.
type errApprovalTimeout struct {
	timeout time.Duration
}

func (e *errApprovalTimeout) Error() string {
	return fmt.Sprintf("approvals did not restore within %s", e.timeout)
}

func (w *Worker) reapprove(ctx context.Context, logger *log.Logger, v mrview.View, approvers []trailer.Approver, sha string) error {
	deadline := time.Time{}
	if w.Options.ApprovalResetTimeout > 0 {
		deadline = w.Clock.Now().Add(w.Options.ApprovalResetTimeout)
	}

	var lastErr error
	for _, a := range approvers {
		if err := w.Forge.ApproveMR(ctx, v.MR.ProjectID, v.MR.IID, sha, a.Username); err != nil {
			logger.Warn("impersonated approval failed", "as", a.Username, "err", err)
			lastErr = err
		}
	}

	if !deadline.IsZero() {
		for w.Clock.Now().Before(deadline) {
			fresh, err := w.Forge.GetMR(ctx, v.MR.ProjectID, v.MR.IID)
			if err == nil {
				freshView := mrview.New(fresh, v.Project)
				if freshView.IsApproved(w.tipCommitAuthorUsername(ctx, logger, freshView)) {
					return nil
				}
			}
			w.Clock.Sleep(w.Options.BusyPollEvery)
		}
		return &errApprovalTimeout{timeout: w.Options.ApprovalResetTimeout}
	}
	return lastErr
}

type ciStatus int

const (
	ciPending ciStatus = iota
	ciSuccess
	ciFailed
	ciTimedOut
)

// awaitCI polls for the pipeline on the pushed sha. It returns an
// error to signal a restart (target moved, or the MR changed under
// us); a non-error ciStatus otherwise.
func (w *Worker) awaitCI(ctx context.Context, logger *log.Logger, v mrview.View, sha string) (ciStatus, error) {
	start := w.Clock.Now()
	timeout := w.Options.CITimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	targetTip := ""
	if b, err := w.Forge.GetBranch(ctx, v.MR.ProjectID, v.MR.TargetBranch); err != nil {
		logger.Debug("await_ci: could not read target branch tip", "err", err)
	} else {
		targetTip = b.SHA
	}

	for {
		if w.Clock.Now().Sub(start) > timeout {
			w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Timed out waiting %s for CI on %s.", humanizeDuration(timeout), sha))
			w.observeCIWait(start)
			return ciTimedOut, nil
		}

		fresh, err := w.Forge.GetMR(ctx, v.MR.ProjectID, v.MR.IID)
		if err != nil {
			logger.Warn("await_ci: failed to refresh mr", "err", err)
			return ciPending, err
		}
		if fresh.SHA != sha {
			logger.Info("await_ci: mr sha changed under us, restarting", "expected", sha, "got", fresh.SHA)
			return ciPending, fmt.Errorf("mr sha changed")
		}

		if targetTip != "" {
			if b, err := w.Forge.GetBranch(ctx, v.MR.ProjectID, v.MR.TargetBranch); err != nil {
				logger.Debug("await_ci: could not refresh target branch tip", "err", err)
			} else if b.SHA != targetTip {
				logger.Info("await_ci: target branch advanced under us, restarting", "target", v.MR.TargetBranch, "was", targetTip, "now", b.SHA)
				return ciPending, fmt.Errorf("target branch %s advanced", v.MR.TargetBranch)
			}
		}

		pipelines, err := w.Forge.GetPipelinesForMR(ctx, fresh)
		if err != nil {
			logger.Warn("await_ci: failed to fetch pipelines", "err", err)
		} else if p := latestForSHA(pipelines, sha); p != nil {
			switch {
			case p.Status.Succeeded():
				w.observeCIWait(start)
				return ciSuccess, nil
			case p.Status == forge.PipelineFailed || p.Status == forge.PipelineCanceled:
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("CI failed on %s: %s", sha, p.WebURL))
				w.observeCIWait(start)
				return ciFailed, nil
			}
		}

		w.Clock.Sleep(w.Options.BusyPollEvery)
	}
}

func (w *Worker) observeCIWait(start time.Time) {
	if w.Metrics != nil {
		w.Metrics.CIWaitSeconds.Observe(w.Clock.Now().Sub(start).Seconds())
	}
}

func latestForSHA(pipelines []forge.Pipeline, sha string) *forge.Pipeline {
	for i := range pipelines {
		if pipelines[i].SHA == sha {
			return &pipelines[i]
		}
	}
	return nil
}

// finaliseOrRestart calls accept, pinning the exact pushed sha so the
// forge can never merge something other than what CI tested.
func (w *Worker) finaliseOrRestart(ctx context.Context, logger *log.Logger, v mrview.View, sha string) outcome {
	const maxLockedRetries = 5

	lockedRetries := 0
	for {
		err := w.Forge.AcceptMR(ctx, v.MR.ProjectID, v.MR.IID, forge.AcceptMROptions{
			SHA:                sha,
			MergeMethod:        v.Project.MergeMethod,
			RemoveSourceBranch: w.Options.RemoveSourceBranch,
			Squash:             w.Options.Squash,
		})
		if err == nil {
			logger.Info("finalise: merged", "sha", sha)
			return outcomeMerged
		}

		switch e := err.(type) {
		case *forge.LockedError:
			lockedRetries++
			if lockedRetries > maxLockedRetries {
				w.noteAndUnassign(ctx, logger, v, "Giving up: merge request stayed locked too long.")
				return outcomeNextCandidate
			}
			w.Clock.Sleep(w.Options.BusyPollEvery)
			continue
		case *forge.MethodNotAllowedError:
			if strings.Contains(e.Reason, "Cannot merge") {
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Merge refused, likely a git hook rejecting the commit: %s", e.Reason))
				return outcomeNextCandidate
			}
			logger.Info("finalise: not mergeable, restarting", "reason", e.Reason)
			return outcomeRestart
		case *forge.ConflictError:
			logger.Info("finalise: sha mismatch, restarting", "reason", e.Body)
			return outcomeRestart
		case *forge.NotAcceptableError:
			if strings.Contains(e.Reason, "unresolved discussion") {
				w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Merge refused: %s. Resolve discussions and re-approve.", e.Reason))
				return outcomeNextCandidate
			}
			logger.Info("finalise: approvals missing, restarting", "reason", e.Reason)
			return outcomeRestart
		default:
			w.noteAndUnassign(ctx, logger, v, fmt.Sprintf("Finalise failed: %v", err))
			return outcomeNextCandidate
		}
	}
}

func humanizeDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
