// Package gitwt wraps a long-lived local clone of a project: fetch,
// rebase-onto, merge, push, empty-diff detection, per-commit trailer
// extraction.
//
// Shells the real git binary via aymanbagabas/git-module rather than
// an in-process plumbing library, generalised from a single hardcoded
// "checkout + merge --no-ff" into the full fetch/rebase/merge/push
// contract a merge bot needs.
package gitwt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/aymanbagabas/git-module"
	"github.com/charmbracelet/log/v2"

	"github.com/smarkets/marge/pkg/trailer"
)

// Identity is the committer identity the worktree rewrites commits
// with. It is never read from ambient git config.
type Identity struct {
	Name  string
	Email string
}

// Worktree wraps one long-lived local clone.
type Worktree struct {
	Path       string
	RemoteURL  string
	SSHKeyPath string
	Committer  Identity
	Timeout    time.Duration
	Reference  string // optional --reference repo path for clone

	logger *log.Logger
}

// New builds a Worktree rooted at path, talking to remoteURL over SSH
// using the given key file.
func New(path, remoteURL, sshKeyPath string, committer Identity, timeout time.Duration, logger *log.Logger) *Worktree {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Worktree{
		Path:       path,
		RemoteURL:  remoteURL,
		SSHKeyPath: sshKeyPath,
		Committer:  committer,
		Timeout:    timeout,
		logger:     logger,
	}
}

// EnsureCloned makes sure w.Path is a git repository with an "origin"
// remote pointed at w.RemoteURL, initialising and fetching it if this
// is the worktree's first use.
func (w *Worktree) EnsureCloned(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(w.Path, ".git")); err == nil {
		out, err := w.run(ctx, "remote", "set-url", "origin", w.RemoteURL)
		if err != nil {
			return fmt.Errorf("updating origin url: %w: %s", err, out)
		}
		return w.Fetch(ctx, "origin")
	}

	if w.Reference != "" {
		if out, err := w.run(ctx, "clone", "--reference", w.Reference, "--dissociate", w.RemoteURL, "."); err != nil {
			return fmt.Errorf("cloning %s with reference %s: %w: %s", w.RemoteURL, w.Reference, err, out)
		}
		if out, err := w.run(ctx, "remote", "set-url", "origin", w.RemoteURL); err != nil {
			return fmt.Errorf("updating origin url: %w: %s", err, out)
		}
		return nil
	}

	if out, err := w.run(ctx, "init"); err != nil {
		return fmt.Errorf("initialising worktree at %s: %w: %s", w.Path, err, out)
	}
	if out, err := w.run(ctx, "remote", "add", "origin", w.RemoteURL); err != nil {
		return fmt.Errorf("adding origin remote: %w: %s", err, out)
	}
	return w.Fetch(ctx, "origin")
}

func (w *Worktree) sshCommandEnv() string {
	return fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new", w.SSHKeyPath)
}

func (w *Worktree) run(ctx context.Context, args ...string) ([]byte, error) {
	done := make(chan struct{})
	var out []byte
	var err error

	cmd := git.NewCommand(args...).AddEnvs(w.sshCommandEnv())

	go func() {
		out, err = cmd.RunInDir(w.Path)
		close(done)
	}()

	select {
	case <-done:
		return out, err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.Timeout):
		return nil, fmt.Errorf("git %s: timed out after %s", strings.Join(args, " "), w.Timeout)
	}
}

// Fetch prunes and fetches the given remote. Fatal on auth/network
// failures.
func (w *Worktree) Fetch(ctx context.Context, remote string) error {
	out, err := w.run(ctx, "fetch", "--prune", remote)
	if err != nil {
		return &NetworkError{Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// CommitSHAs enumerates the commits in rangeSpec (e.g. "main..feat/x"),
// oldest first, for trailer verification.
func (w *Worktree) CommitSHAs(ctx context.Context, rangeSpec string) ([]string, error) {
	out, err := w.run(ctx, "rev-list", "--reverse", rangeSpec)
	if err != nil {
		return nil, fmt.Errorf("listing commits in %s: %w", rangeSpec, err)
	}
	var shas []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" {
			shas = append(shas, line)
		}
	}
	return shas, nil
}

// TipCommitAuthorEmail returns the author email of branch's current
// tip commit on remote, used to exclude that author from an approval
// count even when the forge's recorded MR author differs from who
// actually authored the tip (e.g. after a maintainer's fixup push).
func (w *Worktree) TipCommitAuthorEmail(ctx context.Context, remote, branch string) (string, error) {
	ref := fmt.Sprintf("%s/%s", remote, branch)
	out, err := w.run(ctx, "log", "-1", "--format=%ae", ref)
	if err != nil {
		return "", fmt.Errorf("reading tip commit author for %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

type commitInfo struct {
	SHA        string
	Tree       string
	Parent     string
	AuthorName string
	AuthorMail string
	AuthorDate string
	Message    string
}

const commitLogFormat = "%H%x00%T%x00%P%x00%an%x00%ae%x00%ad%x00%B%x01"

func (w *Worktree) commitInfos(ctx context.Context, shas []string) ([]commitInfo, error) {
	infos := make([]commitInfo, 0, len(shas))
	for _, sha := range shas {
		out, err := w.run(ctx, "log", "-1", "--date=raw", "--format="+commitLogFormat, sha)
		if err != nil {
			return nil, fmt.Errorf("reading commit %s: %w", sha, err)
		}
		fields := strings.SplitN(strings.TrimSuffix(string(out), "\x01\n"), "\x00", 7)
		if len(fields) != 7 {
			return nil, fmt.Errorf("unexpected log output for %s", sha)
		}
		var firstParent string
		if parents := strings.Fields(fields[2]); len(parents) > 0 {
			firstParent = parents[0]
		}
		infos = append(infos, commitInfo{
			SHA: fields[0], Tree: fields[1], Parent: firstParent,
			AuthorName: fields[3], AuthorMail: fields[4], AuthorDate: fields[5],
			Message: strings.TrimSuffix(fields[6], "\x01"),
		})
	}
	return infos, nil
}

// RebaseResult describes the outcome of a successful rebase/merge.
type RebaseResult struct {
	NewTip  string
	Commits []string // new shas, oldest first
}

// RebaseOnto rebases sourceRef onto target, rewriting every commit's
// message via buildMessage (see pkg/trailer) while preserving
// authorship, author-date, and parent topology — only committer and
// message change.
//
// Implemented as plumbing (rev-list + commit-tree + update-ref)
// instead of `git rebase -x` so the trailer rewrite and the rebase
// are a single atomic step with no intermediate commit hook to fight.
func (w *Worktree) RebaseOnto(ctx context.Context, target, sourceRef string, buildMessage func(idx int, isTip bool, original string) (string, error)) (*RebaseResult, error) {
	targetSHA, err := w.revParse(ctx, target)
	if err != nil {
		return nil, err
	}
	rangeSpec := fmt.Sprintf("%s..%s", target, sourceRef)
	shas, err := w.CommitSHAs(ctx, rangeSpec)
	if err != nil {
		return nil, err
	}
	if len(shas) == 0 {
		return nil, &EmptyDiffError{}
	}

	infos, err := w.commitInfos(ctx, shas)
	if err != nil {
		return nil, err
	}

	parent := targetSHA
	newShas := make([]string, 0, len(infos))
	var lastTree string
	for i, info := range infos {
		tree, err := w.treeAfterRebase(ctx, info.SHA, parent)
		if err != nil {
			if isConflict(err) {
				return nil, &RebaseConflictError{Diagnostic: err.Error()}
			}
			return nil, err
		}
		if i == len(infos)-1 {
			lastTree = tree
		}

		msg, err := buildMessage(i, i == len(infos)-1, info.Message)
		if err != nil {
			return nil, err
		}
		newSHA, err := w.commitTree(ctx, tree, parent, info, msg)
		if err != nil {
			return nil, err
		}
		newShas = append(newShas, newSHA)
		parent = newSHA
	}

	targetTree, err := w.treeOf(ctx, targetSHA)
	if err == nil && targetTree == lastTree {
		return nil, &EmptyDiffError{}
	}

	if _, err := w.run(ctx, "update-ref", "refs/heads/"+branchName(sourceRef), parent); err != nil {
		return nil, fmt.Errorf("updating ref for %s: %w", sourceRef, err)
	}

	return &RebaseResult{NewTip: parent, Commits: newShas}, nil
}

// MergeOnto produces a single merge commit for projects configured to
// use merge commits instead of rebasing).
func (w *Worktree) MergeOnto(ctx context.Context, target, sourceRef string, tipMessage func(original string) string) (*RebaseResult, error) {
	if _, err := w.run(ctx, "checkout", "-B", "__marge_merge", target); err != nil {
		return nil, fmt.Errorf("checking out %s: %w", target, err)
	}

	msg := fmt.Sprintf("Merge branch '%s' into '%s'", branchName(sourceRef), target)
	out, err := w.run(ctx, "merge", "--no-ff", "-m", msg, sourceRef)
	if err != nil {
		if isConflict(err) {
			return nil, &RebaseConflictError{Diagnostic: string(out)}
		}
		return nil, fmt.Errorf("merging %s into %s: %w", sourceRef, target, err)
	}

	sha, err := w.revParse(ctx, "__marge_merge")
	if err != nil {
		return nil, err
	}
	if _, err := w.run(ctx, "update-ref", "refs/heads/"+branchName(sourceRef), sha); err != nil {
		return nil, fmt.Errorf("updating ref for %s: %w", sourceRef, err)
	}
	return &RebaseResult{NewTip: sha, Commits: []string{sha}}, nil
}

// Push force-with-lease pushes ref to the remote.
func (w *Worktree) Push(ctx context.Context, remote, ref string, forceWithLease bool) error {
	args := []string{"push"}
	if forceWithLease {
		args = append(args, "--force-with-lease")
	}
	args = append(args, remote, fmt.Sprintf("%s:%s", ref, ref))

	out, err := w.run(ctx, args...)
	if err == nil {
		return nil
	}

	text := strings.ToLower(string(out) + err.Error())
	switch {
	case strings.Contains(text, "protected branch"):
		return &RejectedError{Reason: RejectProtected, Output: string(out)}
	case strings.Contains(text, "stale info") || strings.Contains(text, "fetch first") || strings.Contains(text, "non-fast-forward"):
		return &RejectedError{Reason: RejectStale, Output: string(out)}
	case strings.Contains(text, "hook declined"):
		return &RejectedError{Reason: RejectHook, Output: string(out)}
	case strings.Contains(text, "could not resolve host") || strings.Contains(text, "connection") || strings.Contains(text, "timed out"):
		return &NetworkError{Err: fmt.Errorf("%s", out)}
	default:
		return &RejectedError{Reason: RejectUnknown, Output: string(out)}
	}
}

// Reset discards any local branch state and re-fetches, so the
// working clone never retains stale local branches across iterations.
func (w *Worktree) Reset(ctx context.Context, remote string, branches ...string) error {
	if err := w.Fetch(ctx, remote); err != nil {
		return err
	}
	for _, b := range branches {
		if _, err := w.run(ctx, "branch", "-D", b); err != nil {
			w.logger.Debug("no local branch to drop", "branch", b)
		}
		if _, err := w.run(ctx, "branch", b, fmt.Sprintf("%s/%s", remote, b)); err != nil {
			return fmt.Errorf("resetting local branch %s: %w", b, err)
		}
	}
	return nil
}

func (w *Worktree) revParse(ctx context.Context, ref string) (string, error) {
	out, err := w.run(ctx, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", ref, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (w *Worktree) treeOf(ctx context.Context, sha string) (string, error) {
	out, err := w.run(ctx, "rev-parse", sha+"^{tree}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// treeAfterRebase computes the tree a cherry-pick of commit onto
// parent would produce. It checks out parent as a detached HEAD in the
// worktree, cherry-picks without committing, writes the index as a
// tree, and then hard-resets back to parent.
func (w *Worktree) treeAfterRebase(ctx context.Context, commit, parent string) (string, error) {
	if _, err := w.run(ctx, "checkout", "--detach", parent); err != nil {
		return "", fmt.Errorf("detaching to %s: %w", parent, err)
	}
	out, err := w.run(ctx, "cherry-pick", "--no-commit", commit)
	if err != nil {
		_, _ = w.run(ctx, "cherry-pick", "--abort")
		return "", fmt.Errorf("%w: %s", err, out)
	}
	tree, err := w.run(ctx, "write-tree")
	if err != nil {
		return "", fmt.Errorf("writing tree: %w", err)
	}
	_, _ = w.run(ctx, "reset", "--hard", parent)
	return strings.TrimSpace(string(tree)), nil
}

func (w *Worktree) commitTree(ctx context.Context, tree, parent string, info commitInfo, message string) (string, error) {
	dateFields := strings.Fields(info.AuthorDate)
	authorDate := info.AuthorDate
	if len(dateFields) == 2 {
		authorDate = dateFields[0] + " " + dateFields[1]
	}

	cmd := git.NewCommand("commit-tree", tree, "-p", parent, "-m", message).AddEnvs(
		w.sshCommandEnv(),
		"GIT_AUTHOR_NAME="+info.AuthorName,
		"GIT_AUTHOR_EMAIL="+info.AuthorMail,
		"GIT_AUTHOR_DATE="+authorDate,
		"GIT_COMMITTER_NAME="+w.Committer.Name,
		"GIT_COMMITTER_EMAIL="+w.Committer.Email,
	)
	out, err := cmd.RunInDir(w.Path)
	if err != nil {
		return "", fmt.Errorf("creating commit from %s: %w", info.SHA, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "conflict") || strings.Contains(s, "could not apply")
}

func branchName(ref string) string {
	return strings.TrimPrefix(ref, "refs/heads/")
}

// TrailerOptionsFromMessage is a small adapter so callers can turn a
// trailer.Options plus an approver list into the buildMessage closure
// RebaseOnto expects, without pkg/gitwt importing pkg/trailer's
// Commit type directly for every call site. Approver emails are
// validated eagerly, before any commit is rewritten; per-commit errors
// (e.g. an autosquash fixup! commit) surface through the closure's
// own error return and abort the rebase before any ref is updated.
func TrailerOptionsFromMessage(approvers []trailer.Approver, opts trailer.Options) (func(idx int, isTip bool, original string) (string, error), error) {
	if opts.AddReviewers {
		for _, a := range approvers {
			if a.Email == "" {
				return nil, &trailer.ErrMissingEmail{Username: a.Username}
			}
		}
	}

	return func(idx int, isTip bool, original string) (string, error) {
		out, err := trailer.Rewrite([]trailer.Commit{{Message: original, IsTip: isTip}}, approvers, opts)
		if err != nil {
			return "", err
		}
		if len(out) == 0 {
			return original, nil
		}
		return out[0], nil
	}, nil
}
