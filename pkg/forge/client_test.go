package forge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/matryer/is"
)

type mockHTTPClient struct {
	doFunc func(req *http.Request) (*http.Response, error)
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.doFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

func TestDetectVersionCachesCapabilities(t *testing.T) {
	is := is.New(t)

	calls := 0
	mock := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		calls++
		is.Equal(req.Header.Get("PRIVATE-TOKEN"), "tok")
		return jsonResponse(200, `{"version": "10.6.2-ee"}`), nil
	}}

	c, err := NewClient("https://forge.example", "tok", mock, nil)
	is.NoErr(err)

	caps, err := c.DetectVersion(context.Background())
	is.NoErr(err)
	is.True(caps.SupportsMRPipelinesEndpoint)

	_, err = c.Capabilities(context.Background())
	is.NoErr(err)
	is.Equal(calls, 1) // second call served from cache
}

func TestDetectVersionBelowThreshold(t *testing.T) {
	is := is.New(t)

	mock := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"version": "10.4.0"}`), nil
	}}

	c, err := NewClient("https://forge.example", "tok", mock, nil)
	is.NoErr(err)

	caps, err := c.DetectVersion(context.Background())
	is.NoErr(err)
	is.True(!caps.SupportsMRPipelinesEndpoint)
}

func TestGetMRNotFound(t *testing.T) {
	is := is.New(t)

	mock := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(404, `{"message": "404 not found"}`), nil
	}}

	c, err := NewClient("https://forge.example", "tok", mock, nil)
	is.NoErr(err)

	_, err = c.GetMR(context.Background(), 1, 42)
	is.True(err != nil)
	var nf *NotFoundError
	is.True(asNotFound(err, &nf))
}

func TestDoRetriesOn5xxThenSucceeds(t *testing.T) {
	is := is.New(t)

	attempts := 0
	mock := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return jsonResponse(503, "unavailable"), nil
		}
		return jsonResponse(200, `{"iid": 7, "state": "opened"}`), nil
	}}

	c, err := NewClient("https://forge.example", "tok", mock, nil)
	is.NoErr(err)

	mr, err := c.GetMR(context.Background(), 1, 7)
	is.NoErr(err)
	is.Equal(mr.IID, int64(7))
	is.Equal(attempts, 3)
}

func TestAcceptMRSendsSHA(t *testing.T) {
	is := is.New(t)

	var captured map[string]any
	mock := &mockHTTPClient{doFunc: func(req *http.Request) (*http.Response, error) {
		is.Equal(req.Method, http.MethodPut)
		body, _ := io.ReadAll(req.Body)
		is.True(bytes.Contains(body, []byte(`"sha":"deadbeef"`)))
		captured = map[string]any{"seen": true}
		return jsonResponse(200, `{"state": "merged"}`), nil
	}}

	c, err := NewClient("https://forge.example", "tok", mock, nil)
	is.NoErr(err)

	err = c.AcceptMR(context.Background(), 1, 7, AcceptMROptions{SHA: "deadbeef", MergeMethod: MergeMethodRebaseMerge})
	is.NoErr(err)
	is.True(captured["seen"] == true)
}

func asNotFound(err error, target **NotFoundError) bool {
	return errors.As(err, target)
}
