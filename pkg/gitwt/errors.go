package gitwt

import "fmt"

// RebaseConflictError carries the diagnostic text git printed when a
// rebase could not be completed cleanly.
type RebaseConflictError struct {
	Diagnostic string
}

func (e *RebaseConflictError) Error() string {
	return fmt.Sprintf("rebase conflict: %s", e.Diagnostic)
}

// EmptyDiffError is returned when no changes remain once a rebase has
// been computed — the MR's content is already present on the target
// branch.
type EmptyDiffError struct{}

func (e *EmptyDiffError) Error() string { return "rebase produced an empty diff" }

// HookRejectedError is returned when a local pre-commit/commit-msg
// hook refuses a rewritten commit.
type HookRejectedError struct {
	Output string
}

func (e *HookRejectedError) Error() string { return fmt.Sprintf("hook rejected commit: %s", e.Output) }

// RejectReason classifies why a push was rejected.
type RejectReason int

const (
	RejectUnknown RejectReason = iota
	RejectProtected
	RejectStale
	RejectHook
)

func (r RejectReason) String() string {
	switch r {
	case RejectProtected:
		return "protected"
	case RejectStale:
		return "stale"
	case RejectHook:
		return "hook"
	default:
		return "unknown"
	}
}

// RejectedError is returned by Push.
type RejectedError struct {
	Reason RejectReason
	Output string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("push rejected (%s): %s", e.Reason, e.Output)
}

// NetworkError wraps a transport-level failure from fetch or push.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("git network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }
