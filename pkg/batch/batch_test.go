package batch

import (
	"testing"

	"github.com/matryer/is"
	"github.com/smarkets/marge/pkg/forge"
	"github.com/smarkets/marge/pkg/mrview"
)

func view(iid int64, method forge.MergeMethod) mrview.View {
	return mrview.View{
		MR:      forge.MergeRequest{IID: iid, TargetBranch: "main"},
		Project: forge.Project{MergeMethod: method},
	}
}

func TestDisabledPlannerAlwaysSizeOne(t *testing.T) {
	is := is.New(t)
	p := Planner{Enabled: false}
	plan := p.Plan([]mrview.View{view(1, forge.MergeMethodMerge), view(2, forge.MergeMethodMerge)})
	is.Equal(plan.IIDs(), []int64{1})
}

func TestEnabledPlannerBatchesUpToMax(t *testing.T) {
	is := is.New(t)
	p := Planner{Enabled: true, MaxSize: 2}
	plan := p.Plan([]mrview.View{view(1, forge.MergeMethodMerge), view(2, forge.MergeMethodMerge), view(3, forge.MergeMethodMerge)})
	is.Equal(plan.IIDs(), []int64{1, 2})
}

func TestPlannerShrinksOnSecondFFOnly(t *testing.T) {
	is := is.New(t)
	p := Planner{Enabled: true, MaxSize: 3}
	plan := p.Plan([]mrview.View{
		view(1, forge.MergeMethodFastForward),
		view(2, forge.MergeMethodFastForward),
		view(3, forge.MergeMethodMerge),
	})
	is.Equal(plan.IIDs(), []int64{1})
}

func TestFallbackProducesOrderedSinglePlans(t *testing.T) {
	is := is.New(t)
	plan := Plan{Views: []mrview.View{view(1, forge.MergeMethodMerge), view(2, forge.MergeMethodMerge)}}
	fallback := plan.Fallback()
	is.Equal(len(fallback), 2)
	is.Equal(fallback[0].IIDs(), []int64{1})
	is.Equal(fallback[1].IIDs(), []int64{2})
}

func TestEmptyCandidatesYieldEmptyPlan(t *testing.T) {
	is := is.New(t)
	p := Planner{Enabled: true, MaxSize: 5}
	plan := p.Plan(nil)
	is.Equal(len(plan.Views), 0)
}
