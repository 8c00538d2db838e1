package query

import (
	"context"
	"sort"

	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// planner orders conjunction members so the tightest narrowing runs
// first. Estimates are best effort: live tracker statistics when the
// variable has been queried before, stored coverage otherwise, and
// submission order when neither exists.
type planner struct {
	tracker *observability.SelectivityTracker
	store   *store.Store

	// coverage memoizes per-variable coverage fractions for one
	// evaluation; -1 marks a variable whose coverage is unavailable
	coverage map[string]float64
}

func newPlanner(tracker *observability.SelectivityTracker, st *store.Store) *planner {
	return &planner{
		tracker:  tracker,
		store:    st,
		coverage: make(map[string]float64),
	}
}

// member is one evaluable element of a group: a leaf predicate or a
// nested group, never both.
type member struct {
	pred  *compiledPredicate
	group *compiledGroup
}

func groupMembers(g *compiledGroup) []member {
	members := make([]member, 0, len(g.predicates)+len(g.groups))
	for _, cp := range g.predicates {
		members = append(members, member{pred: cp})
	}
	for _, cg := range g.groups {
		members = append(members, member{group: cg})
	}
	return members
}

// order returns g's members in evaluation order. Disjunctions keep
// submission order, every branch runs regardless. Conjunctions sort
// ascending by estimated match fraction, ties keeping submission order.
func (p *planner) order(ctx context.Context, g *compiledGroup) []member {
	members := groupMembers(g)
	if g.combinator != types.CombinatorAnd || len(members) < 2 {
		return members
	}

	estimates := make([]float64, len(members))
	for i := range members {
		estimates[i] = p.estimate(ctx, members[i])
	}
	idx := make([]int, len(members))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return estimates[idx[a]] < estimates[idx[b]]
	})

	ordered := make([]member, len(members))
	for i, j := range idx {
		ordered[i] = members[j]
	}
	return ordered
}

// estimate guesses the fraction of candidates a member keeps.
func (p *planner) estimate(ctx context.Context, m member) float64 {
	if m.group != nil {
		return p.estimateGroup(ctx, m.group)
	}
	return p.estimatePredicate(ctx, m.pred)
}

func (p *planner) estimatePredicate(ctx context.Context, cp *compiledPredicate) float64 {
	if sel, ok := p.tracker.Estimate(cp.def.Name); ok {
		return sel
	}
	if frac, ok := p.coverageFraction(ctx, cp.def.Name); ok {
		// a value predicate can keep at most the covered fraction,
		// missing keeps the complement
		if cp.src.Op == types.OpMissing {
			return 1 - frac
		}
		return frac
	}
	return 1
}

// estimateGroup folds member estimates: a conjunction keeps at most its
// tightest member, a disjunction at most the sum of its branches.
func (p *planner) estimateGroup(ctx context.Context, g *compiledGroup) float64 {
	if g.combinator == types.CombinatorOr {
		sum := 0.0
		for _, m := range groupMembers(g) {
			sum += p.estimate(ctx, m)
		}
		if sum > 1 {
			sum = 1
		}
		return sum
	}

	min := 1.0
	for _, m := range groupMembers(g) {
		if e := p.estimate(ctx, m); e < min {
			min = e
		}
	}
	return min
}

func (p *planner) coverageFraction(ctx context.Context, variable string) (float64, bool) {
	if frac, ok := p.coverage[variable]; ok {
		return frac, frac >= 0
	}
	withValue, total, err := p.store.Coverage(ctx, variable)
	if err != nil || total == 0 {
		p.coverage[variable] = -1
		return 0, false
	}
	frac := float64(withValue) / float64(total)
	p.coverage[variable] = frac
	return frac, true
}
