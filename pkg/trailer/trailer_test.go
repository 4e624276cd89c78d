package trailer

import (
	"errors"
	"testing"

	"github.com/matryer/is"
)

func TestRewriteAddsReviewedBy(t *testing.T) {
	is := is.New(t)

	commits := []Commit{{SHA: "a1", Message: "Fix the thing", IsTip: true}}
	approvers := []Approver{
		{Username: "bob", Name: "Bob", Email: "bob@example.com"},
		{Username: "alice", Name: "Alice", Email: "alice@example.com"},
	}

	out, err := Rewrite(commits, approvers, Options{AddReviewers: true})
	is.NoErr(err)
	is.Equal(len(out), 1)
	is.Equal(out[0], "Fix the thing\n\nReviewed-by: Alice <alice@example.com>\nReviewed-by: Bob <bob@example.com>")
}

func TestRewriteIsIdempotent(t *testing.T) {
	is := is.New(t)

	approvers := []Approver{{Username: "alice", Name: "Alice", Email: "alice@example.com"}}
	opts := Options{AddReviewers: true, AddTested: true, BotName: "marge-bot", MRURL: "https://forge/mr/1"}

	first, err := Rewrite([]Commit{{Message: "Fix it", IsTip: true}}, approvers, opts)
	is.NoErr(err)

	second, err := Rewrite([]Commit{{Message: first[0], IsTip: true}}, approvers, opts)
	is.NoErr(err)

	is.Equal(first[0], second[0])
}

func TestRewriteRefusesAutosquashCommit(t *testing.T) {
	is := is.New(t)

	commits := []Commit{
		{SHA: "a1", Message: "Fix the thing", IsTip: false},
		{SHA: "a2", Message: "fixup! Fix the thing", IsTip: true},
	}
	approvers := []Approver{{Username: "alice", Name: "Alice", Email: "alice@example.com"}}

	_, err := Rewrite(commits, approvers, Options{AddReviewers: true})
	is.True(err != nil)

	var autosquashErr *ErrAutosquashCommit
	is.True(errors.As(err, &autosquashErr))
	is.Equal(autosquashErr.SHA, "a2")
}

func TestRewriteMissingEmailFails(t *testing.T) {
	is := is.New(t)

	approvers := []Approver{{Username: "bob", Name: "Bob"}}
	_, err := Rewrite([]Commit{{Message: "x"}}, approvers, Options{AddReviewers: true})
	is.True(err != nil)

	var missing *ErrMissingEmail
	is.True(errorsAs(err, &missing))
	is.Equal(missing.Username, "bob")
}

func TestRewriteTestedByOnlyOnTip(t *testing.T) {
	is := is.New(t)

	commits := []Commit{
		{Message: "first", IsTip: false},
		{Message: "second", IsTip: true},
	}
	out, err := Rewrite(commits, nil, Options{AddTested: true, BotName: "marge-bot", MRURL: "https://forge/mr/9"})
	is.NoErr(err)
	is.Equal(out[0], "first")
	is.Equal(out[1], "second\n\nTested-by: marge-bot <https://forge/mr/9>")
}

func TestRewriteStripsExistingTrailersFirst(t *testing.T) {
	is := is.New(t)

	msg := "Fix it\n\nReviewed-by: Old Person <old@example.com>"
	approvers := []Approver{{Username: "alice", Name: "Alice", Email: "alice@example.com"}}
	out, err := Rewrite([]Commit{{Message: msg, IsTip: true}}, approvers, Options{AddReviewers: true})
	is.NoErr(err)
	is.Equal(out[0], "Fix it\n\nReviewed-by: Alice <alice@example.com>")
}

func errorsAs(err error, target **ErrMissingEmail) bool {
	e, ok := err.(*ErrMissingEmail)
	if !ok {
		return false
	}
	*target = e
	return true
}
