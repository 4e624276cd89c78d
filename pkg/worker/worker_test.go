package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log/v2"
	"github.com/matryer/is"

	"github.com/smarkets/marge/pkg/batch"
	"github.com/smarkets/marge/pkg/clock"
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/mrview"
)

func newDiscardLogger() *log.Logger {
	return log.New(io.Discard)
}

type mockDoer struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockDoer) Do(req *http.Request) (*http.Response, error) { return m.doFunc(req) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewBufferString(body))}
}

func newTestWorker(t *testing.T, doFunc func(req *http.Request) (*http.Response, error)) (*Worker, *clock.Fake) {
	t.Helper()
	c, err := forge.NewClient("https://forge.example", "tok", &mockDoer{doFunc: doFunc}, nil)
	if err != nil {
		t.Fatalf("building forge client: %v", err)
	}
	fake := clock.NewFake(time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC))
	return &Worker{
		Forge:   c,
		Project: forge.Project{ID: 1, Path: "group/repo", MergeMethod: forge.MergeMethodRebaseMerge},
		Target:  "main",
		Bot:     forge.User{ID: 99, Username: "marge-bot"},
		Remote:  "origin",
		Planner: batch.Planner{},
		Clock:   fake,
		Logger:  newDiscardLogger(),
		Options: DefaultOptions(),
	}, fake
}

func testView() mrview.View {
	return mrview.New(forge.MergeRequest{
		ID: 1, IID: 7, ProjectID: 1, SourceBranch: "feature/x", TargetBranch: "main",
		SHA: "abc123", Author: forge.User{Username: "dev"}, State: forge.MergeRequestOpened,
	}, forge.Project{ID: 1, MergeMethod: forge.MergeMethodRebaseMerge})
}

func TestApproversExcludesAuthorAndTip(t *testing.T) {
	is := is.New(t)
	w, _ := newTestWorker(t, nil)

	v := mrview.New(forge.MergeRequest{
		Author: forge.User{Username: "dev"},
		Approvals: forge.Approvals{By: []forge.User{
			{Username: "dev"},
			{Username: "alice", Name: "Alice", Email: "alice@example.com"},
		}},
	}, forge.Project{})

	got := w.approvers(context.Background(), w.Logger, v)
	is.Equal(len(got), 1)
	is.Equal(got[0].Username, "alice")
}

func TestFinaliseOrRestartMergesOnSuccess(t *testing.T) {
	is := is.New(t)
	w, _ := newTestWorker(t, func(req *http.Request) (*http.Response, error) {
		is.Equal(req.Method, http.MethodPut)
		return jsonResponse(200, `{"state": "merged"}`), nil
	})

	out := w.finaliseOrRestart(context.Background(), w.Logger, testView(), "deadbeef")
	is.Equal(out, outcomeMerged)
}

func TestFinaliseOrRestartRestartsOnConflict(t *testing.T) {
	is := is.New(t)
	w, _ := newTestWorker(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(409, `{"message": "sha mismatch"}`), nil
	})

	out := w.finaliseOrRestart(context.Background(), w.Logger, testView(), "deadbeef")
	is.Equal(out, outcomeRestart)
}

func TestFinaliseOrRestartUnassignsOnUnprocessable(t *testing.T) {
	is := is.New(t)
	noted := false
	w, _ := newTestWorker(t, func(req *http.Request) (*http.Response, error) {
		if req.Method == http.MethodPost {
			noted = true
			return jsonResponse(200, `{}`), nil
		}
		if req.Method == http.MethodPut && req.URL.Path == "/api/v4/projects/1/merge_requests/7/merge" {
			return jsonResponse(422, `{"message": "branch conflicts with master"}`), nil
		}
		return jsonResponse(200, `{}`), nil
	})

	out := w.finaliseOrRestart(context.Background(), w.Logger, testView(), "deadbeef")
	is.Equal(out, outcomeNextCandidate)
	is.True(noted)
}

func TestAwaitCISucceedsOnGreenPipeline(t *testing.T) {
	is := is.New(t)
	w, _ := newTestWorker(t, func(req *http.Request) (*http.Response, error) {
		switch {
		case req.URL.Path == "/api/v4/version":
			return jsonResponse(200, `{"version": "15.0"}`), nil
		case strings.HasSuffix(req.URL.Path, "/pipelines"):
			return jsonResponse(200, `[{"sha": "abc123", "status": "success"}]`), nil
		case req.URL.Path == "/api/v4/projects/1/merge_requests/7":
			return jsonResponse(200, `{"iid": 7, "sha": "abc123", "state": "opened"}`), nil
		}
		return jsonResponse(200, `{}`), nil
	})
	w.Options.BusyPollEvery = time.Millisecond

	status, err := w.awaitCI(context.Background(), w.Logger, testView(), "abc123")
	is.NoErr(err)
	is.Equal(status, ciSuccess)
}

func TestLatestForSHAFindsMatch(t *testing.T) {
	is := is.New(t)
	pipelines := []forge.Pipeline{{SHA: "a"}, {SHA: "b", Status: forge.PipelineSuccess}}
	p := latestForSHA(pipelines, "b")
	is.True(p != nil)
	is.Equal(p.Status, forge.PipelineSuccess)
	is.True(latestForSHA(pipelines, "c") == nil)
}
