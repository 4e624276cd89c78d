// Package batch implements the merge-train plan that amortises CI
// cost across many MRs targeting the same branch.
package batch

import (
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/mrview"
)

// Plan is an ordered list of MR ids whose combined rebased tree is
// tested and merged as a unit. A plan of size 1 is always legal.
type Plan struct {
	Views []mrview.View
}

// IIDs returns the MR iids in plan order.
func (p Plan) IIDs() []int64 {
	out := make([]int64, len(p.Views))
	for i, v := range p.Views {
		out[i] = v.MR.IID
	}
	return out
}

// Planner builds Plans from an ordered candidate list.
type Planner struct {
	// Enabled mirrors the `batch` flag: when false, Plan always
	// returns single-MR plans.
	Enabled bool
	// MaxSize bounds how many MRs a single plan may combine.
	MaxSize int
}

// Plan produces a prefix of candidates to attempt atomically. When
// batching is disabled, or candidates is empty, it returns a plan of
// at most one MR.
func (p Planner) Plan(candidates []mrview.View) Plan {
	if len(candidates) == 0 {
		return Plan{}
	}
	if !p.Enabled {
		return Plan{Views: candidates[:1]}
	}

	max := p.MaxSize
	if max <= 0 {
		max = 1
	}
	if max > len(candidates) {
		max = len(candidates)
	}

	prefix := candidates[:max]
	prefix = shrinkForFFOnlyConflicts(prefix)
	if len(prefix) == 0 {
		prefix = candidates[:1]
	}
	return Plan{Views: prefix}
}

// Fallback returns the single-MR plans a caller should retry in order
// after a batch run fails.
func (p Plan) Fallback() []Plan {
	out := make([]Plan, len(p.Views))
	for i, v := range p.Views {
		out[i] = Plan{Views: []mrview.View{v}}
	}
	return out
}

// shrinkForFFOnlyConflicts drops MRs from the tail of prefix once a
// second ff-only MR would land in the same batch. A fast-forward-only
// merge wants to be the sole new tip of the branch; two ff-only MRs in
// one combined rebase are the conflicting case this guards against.
//
// This is a conservative, merge-method-based approximation: true
// conflict detection requires an actual rebase attempt, which belongs
// to the worker/gitwt, not the planner. The planner's job is only to
// avoid obviously-incompatible combinations up front.
func shrinkForFFOnlyConflicts(views []mrview.View) []mrview.View {
	out := make([]mrview.View, 0, len(views))
	sawFFOnly := false
	for _, v := range views {
		if v.Project.MergeMethod == forge.MergeMethodFastForward {
			if sawFFOnly {
				break
			}
			sawFFOnly = true
		}
		out = append(out, v)
	}
	return out
}
