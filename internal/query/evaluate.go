package query

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// probeLimit is the running-set size above which a conjunction member
// scans its variable and intersects instead of probing per participant.
const probeLimit = 2048

// Evaluate compiles q against the current schema version and evaluates
// it inside one read snapshot. Every predicate and the explanation see
// the same data, so the explanation's participant set equals the match
// set exactly.
func (e *Engine) Evaluate(ctx context.Context, q *types.CohortQuery) (*Result, error) {
	start := time.Now()

	version, err := e.registry.Current(ctx)
	if err != nil {
		return nil, err
	}
	c, err := compile(q, version, e.opts.MaxPredicates)
	if err != nil {
		return nil, err
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	tx, err := e.store.ReadTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ev := &evaluation{
		engine:  e,
		tx:      tx,
		planner: newPlanner(e.tracker, e.store),
	}
	matched, err := ev.group(ctx, c.root, nil)
	if err != nil {
		return nil, err
	}
	if matched == nil {
		matched = []string{}
	}
	sort.Strings(matched)

	explanation, err := ev.explain(ctx, c, matched)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	observability.QueryDuration.Observe(elapsed.Seconds())
	e.logger.Debug("query evaluated",
		zap.Int64("schema_version", version.Version),
		zap.Int("predicates", len(c.leaves)),
		zap.Int("evaluated", ev.evaluated),
		zap.Int("count", len(matched)),
		zap.Duration("elapsed", elapsed),
	)

	return &Result{
		Count:        len(matched),
		Participants: matched,
		Explanation:  explanation,
		Stats: Stats{
			SchemaVersion: version.Version,
			Predicates:    len(c.leaves),
			Evaluated:     ev.evaluated,
			Probed:        ev.probed,
			ElapsedMS:     elapsed.Milliseconds(),
		},
	}, nil
}

// evaluation carries one query's snapshot state.
type evaluation struct {
	engine  *Engine
	tx      *sql.Tx
	planner *planner

	evaluated int
	probed    int

	total     int64
	haveTotal bool
}

// group evaluates one group among a candidate set. A nil among means
// unrestricted; an empty non-nil among is a real empty set.
func (ev *evaluation) group(ctx context.Context, g *compiledGroup, among []string) ([]string, error) {
	if g.combinator == types.CombinatorOr {
		return ev.disjunction(ctx, g, among)
	}
	return ev.conjunction(ctx, g, among)
}

// conjunction narrows the running set member by member in planned
// order. An empty running set short-circuits the rest of the chain.
func (ev *evaluation) conjunction(ctx context.Context, g *compiledGroup, among []string) ([]string, error) {
	running := among
	for _, m := range ev.planner.order(ctx, g) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if running != nil && len(running) == 0 {
			break
		}

		var (
			set []string
			err error
		)
		if m.pred != nil {
			set, err = ev.predicate(ctx, m.pred, running)
		} else {
			set, err = ev.group(ctx, m.group, running)
		}
		if err != nil {
			return nil, err
		}
		if set == nil {
			set = []string{}
		}
		running = set
	}
	return running, nil
}

// disjunction unions member sets, each evaluated against the same
// incoming candidate set.
func (ev *evaluation) disjunction(ctx context.Context, g *compiledGroup, among []string) ([]string, error) {
	seen := make(map[string]struct{})
	union := []string{}
	for _, m := range groupMembers(g) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			set []string
			err error
		)
		if m.pred != nil {
			set, err = ev.predicate(ctx, m.pred, among)
		} else {
			set, err = ev.group(ctx, m.group, among)
		}
		if err != nil {
			return nil, err
		}
		for _, id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return union, nil
}

// predicate evaluates one leaf among a candidate set and feeds the
// outcome to the selectivity tracker.
func (ev *evaluation) predicate(ctx context.Context, cp *compiledPredicate, among []string) ([]string, error) {
	ev.evaluated++
	observability.PredicateEvaluations.WithLabelValues(string(cp.src.Op)).Inc()

	var (
		matched []string
		err     error
	)
	switch cp.src.Op {
	case types.OpMissing:
		matched, err = ev.missing(ctx, cp.def.Name, among)
	case types.OpPresent:
		matched, err = ev.filter(ctx, store.ValueFilter{Variable: cp.def.Name}, among)
	default:
		matched, err = ev.filter(ctx, *cp.filter, among)
	}
	if err != nil {
		return nil, err
	}

	candidates := int64(len(among))
	if among == nil {
		candidates = ev.totalParticipants(ctx)
	}
	ev.engine.tracker.Record(cp.def.Name, string(cp.src.Op), int64(len(matched)), candidates)
	return matched, nil
}

// filter matches the current-value index, probing the candidate set
// when it is small enough that per-participant lookups beat a scan.
func (ev *evaluation) filter(ctx context.Context, f store.ValueFilter, among []string) ([]string, error) {
	if among == nil {
		return ev.engine.store.FilterParticipants(ctx, ev.tx, f)
	}
	if len(among) <= probeLimit {
		ev.probed++
		return ev.engine.store.FilterParticipantsAmong(ctx, ev.tx, f, among)
	}
	all, err := ev.engine.store.FilterParticipants(ctx, ev.tx, f)
	if err != nil {
		return nil, err
	}
	return intersect(all, among), nil
}

// missing subtracts the present set from the candidate universe.
func (ev *evaluation) missing(ctx context.Context, variable string, among []string) ([]string, error) {
	present, err := ev.filter(ctx, store.ValueFilter{Variable: variable}, among)
	if err != nil {
		return nil, err
	}
	base := among
	if base == nil {
		base, err = ev.engine.store.AllParticipantIDs(ctx, ev.tx)
		if err != nil {
			return nil, err
		}
	}
	return subtract(base, present), nil
}

// totalParticipants counts the participant universe once per
// evaluation. Only selectivity accounting uses it; a count failure
// just drops that signal.
func (ev *evaluation) totalParticipants(ctx context.Context) int64 {
	if !ev.haveTotal {
		n, err := ev.engine.store.CountParticipants(ctx)
		if err != nil {
			return 0
		}
		ev.total, ev.haveTotal = n, true
	}
	return ev.total
}

// explain probes every leaf predicate for every matched participant,
// inside the evaluation snapshot, so a reviewer can see which
// conditions each participant met and on what values.
func (ev *evaluation) explain(ctx context.Context, c *compiled, matched []string) (*types.Explanation, error) {
	explanation := &types.Explanation{
		Participants: make([]types.ParticipantMatch, 0, len(matched)),
	}
	for _, pid := range matched {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pm := types.ParticipantMatch{
			ParticipantID: pid,
			Predicates:    make([]types.PredicateMatch, 0, len(c.leaves)),
		}
		for _, cp := range c.leaves {
			text, num, ok, err := ev.engine.store.CurrentValueFor(ctx, ev.tx, pid, cp.def.Name)
			if err != nil {
				return nil, err
			}
			pm.Predicates = append(pm.Predicates, types.PredicateMatch{
				Variable: cp.def.Name,
				Op:       cp.src.Op,
				Matched:  cp.matches(text, num, ok),
				HasValue: ok,
				Value:    text,
			})
		}
		explanation.Participants = append(explanation.Participants, pm)
	}
	return explanation, nil
}

func intersect(set, among []string) []string {
	keep := make(map[string]struct{}, len(among))
	for _, id := range among {
		keep[id] = struct{}{}
	}
	out := []string{}
	for _, id := range set {
		if _, ok := keep[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

func subtract(base, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, id := range remove {
		drop[id] = struct{}{}
	}
	out := []string{}
	for _, id := range base {
		if _, ok := drop[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}
