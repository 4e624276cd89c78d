package gitwt

import (
	"errors"
	"testing"

	"github.com/matryer/is"
	"github.com/smarkets/marge/pkg/trailer"
)

func TestBranchNameStripsRefsHeadsPrefix(t *testing.T) {
	is := is.New(t)
	is.Equal(branchName("refs/heads/feat/x"), "feat/x")
	is.Equal(branchName("main"), "main")
}

func TestIsConflictDetectsConflictMarkers(t *testing.T) {
	is := is.New(t)
	is.True(isConflict(errors.New("CONFLICT (content): Merge conflict in foo.go")))
	is.True(isConflict(errors.New("error: could not apply abc123")))
	is.True(!isConflict(nil))
	is.True(!isConflict(errors.New("fatal: not a git repository")))
}

func TestTrailerOptionsFromMessageAddsReviewedBy(t *testing.T) {
	is := is.New(t)
	build, err := TrailerOptionsFromMessage(
		[]trailer.Approver{{Username: "alice", Name: "Alice", Email: "alice@example.com"}},
		trailer.Options{AddReviewers: true},
	)
	is.NoErr(err)

	out, err := build(0, true, "Fix the thing")
	is.NoErr(err)
	is.Equal(out, "Fix the thing\n\nReviewed-by: Alice <alice@example.com>")
}

func TestTrailerOptionsFromMessageRejectsMissingEmail(t *testing.T) {
	is := is.New(t)
	_, err := TrailerOptionsFromMessage(
		[]trailer.Approver{{Username: "bob"}},
		trailer.Options{AddReviewers: true},
	)
	is.True(err != nil)
	var missing *trailer.ErrMissingEmail
	is.True(errors.As(err, &missing))
}

func TestRejectReasonString(t *testing.T) {
	is := is.New(t)
	is.Equal(RejectProtected.String(), "protected")
	is.Equal(RejectStale.String(), "stale")
	is.Equal(RejectHook.String(), "hook")
	is.Equal(RejectUnknown.String(), "unknown")
}
