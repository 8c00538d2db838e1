package observability

import (
	"sort"
	"sync"
	"time"
)

// SelectivityTracker records observed predicate selectivity per variable.
// The query planner orders conjunctions most-selective-first using these
// estimates. State lives in memory; the maintenance job persists
// snapshots to the store and seeds the tracker back at startup.
type SelectivityTracker struct {
	mu        sync.RWMutex
	variables map[string]*VariableStats
	window    time.Duration
}

// VariableStats holds observed evaluation statistics for one variable.
type VariableStats struct {
	Variable    string
	Evaluations int64
	// Selectivity is the running mean fraction of candidates matched;
	// lower means the predicate discards more participants.
	Selectivity float64
	LastSeen    time.Time
	Operators   map[string]int64 // operation → count (e.g., "eq" → 5, "range" → 2)
}

// NewSelectivityTracker creates a new selectivity tracker.
// window: how long an unobserved variable's stats are retained.
func NewSelectivityTracker(window time.Duration) *SelectivityTracker {
	return &SelectivityTracker{
		variables: make(map[string]*VariableStats),
		window:    window,
	}
}

// Record folds one predicate evaluation into the running mean for a variable.
// matched is how many of the candidate participants passed the predicate;
// evaluations with zero candidates carry no signal and are ignored.
// This method is O(1) and thread-safe.
func (t *SelectivityTracker) Record(variable, op string, matched, candidates int64) {
	if candidates <= 0 {
		return
	}
	fraction := float64(matched) / float64(candidates)

	t.mu.Lock()
	defer t.mu.Unlock()

	stats, exists := t.variables[variable]
	if !exists {
		stats = &VariableStats{
			Variable:  variable,
			Operators: make(map[string]int64),
		}
		t.variables[variable] = stats
	}

	stats.Evaluations++
	stats.Selectivity += (fraction - stats.Selectivity) / float64(stats.Evaluations)
	stats.LastSeen = time.Now()
	stats.Operators[op]++
}

// Estimate returns the tracked selectivity for a variable. The second
// return is false when the variable has never been observed; callers
// fall back to a neutral estimate.
func (t *SelectivityTracker) Estimate(variable string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats, exists := t.variables[variable]
	if !exists {
		return 0, false
	}
	return stats.Selectivity, true
}

// Snapshot returns a copy of all tracked stats sorted by selectivity
// ascending, most selective first.
func (t *SelectivityTracker) Snapshot() []VariableStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stats := make([]VariableStats, 0, len(t.variables))
	for _, s := range t.variables {
		// Deep copy to prevent external modification
		statsCopy := VariableStats{
			Variable:    s.Variable,
			Evaluations: s.Evaluations,
			Selectivity: s.Selectivity,
			LastSeen:    s.LastSeen,
			Operators:   make(map[string]int64),
		}
		for op, count := range s.Operators {
			statsCopy.Operators[op] = count
		}
		stats = append(stats, statsCopy)
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Selectivity != stats[j].Selectivity {
			return stats[i].Selectivity < stats[j].Selectivity
		}
		return stats[i].Variable < stats[j].Variable
	})

	return stats
}

// Seed replaces tracked state with persisted stats, typically at startup.
// Subsequent Record calls continue the seeded running means.
func (t *SelectivityTracker) Seed(stats []VariableStats) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.variables = make(map[string]*VariableStats, len(stats))
	for _, s := range stats {
		seeded := VariableStats{
			Variable:    s.Variable,
			Evaluations: s.Evaluations,
			Selectivity: s.Selectivity,
			LastSeen:    s.LastSeen,
			Operators:   make(map[string]int64),
		}
		for op, count := range s.Operators {
			seeded.Operators[op] = count
		}
		t.variables[s.Variable] = &seeded
	}
}

// Prune removes entries where time.Since(LastSeen) > window.
// Called periodically by the maintenance scheduler.
func (t *SelectivityTracker) Prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	threshold := time.Now().Add(-t.window)
	for variable, stats := range t.variables {
		if stats.LastSeen.Before(threshold) {
			delete(t.variables, variable)
		}
	}
}
