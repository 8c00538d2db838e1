// Package maintain schedules background upkeep: it refreshes and
// persists planner selectivity statistics, keeps database planner
// statistics current, snapshots the identity blocking filter, and
// sweeps expired uploads out of the archive.
package maintain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/covarlab/covar/internal/archive"
	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/identity"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

const (
	// jobTimeout bounds a single scheduled run. Stats refresh scans one
	// coverage count per variable and the sweep lists the archive; both
	// finish well inside this on realistic stores.
	jobTimeout = 5 * time.Minute

	// statsWorkers caps concurrent coverage scans during a stats refresh.
	statsWorkers = 4
)

// Config holds the maintenance schedules.
type Config struct {
	// StatsSchedule is the cron schedule for selectivity stats refresh.
	StatsSchedule string

	// RetentionSchedule is the cron schedule for archive retention sweeps.
	RetentionSchedule string

	// RetentionDays is how long archived uploads are kept; 0 disables
	// the sweep entirely.
	RetentionDays int
}

// Service runs the maintenance jobs on their schedules. Jobs also run
// once at startup so a fresh process does not plan cold until the first
// scheduled tick.
type Service struct {
	cfg      Config
	store    *store.Store
	registry *schema.Registry
	resolver *identity.Resolver
	tracker  *observability.SelectivityTracker
	uploads  *archive.Uploads // nil when archiving is disabled
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	kicked  chan struct{}
	running bool
}

// NewService creates the maintenance service. uploads may be nil when
// no archive is configured; the retention sweep is then never
// scheduled.
func NewService(cfg Config, st *store.Store, registry *schema.Registry, resolver *identity.Resolver, tracker *observability.SelectivityTracker, uploads *archive.Uploads, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:      cfg,
		store:    st,
		registry: registry,
		resolver: resolver,
		tracker:  tracker,
		uploads:  uploads,
		logger:   logger,
	}
}

// Start seeds the selectivity tracker from persisted stats, registers
// the scheduled jobs, and kicks off an immediate stats refresh.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("maintain: service is already running")
	}

	s.seedTracker(ctx)

	c := cron.New()
	if _, err := c.AddFunc(s.cfg.StatsSchedule, s.statsJob); err != nil {
		return fmt.Errorf("maintain: invalid stats schedule %q: %w", s.cfg.StatsSchedule, err)
	}
	sweeping := s.cfg.RetentionDays > 0 && s.uploads != nil
	if sweeping {
		if _, err := c.AddFunc(s.cfg.RetentionSchedule, s.sweepJob); err != nil {
			return fmt.Errorf("maintain: invalid retention schedule %q: %w", s.cfg.RetentionSchedule, err)
		}
	}
	c.Start()

	s.cron = c
	s.kicked = make(chan struct{})
	go func() {
		defer close(s.kicked)
		s.statsJob()
	}()

	s.running = true
	s.logger.Info("maintenance service started",
		zap.String("stats_schedule", s.cfg.StatsSchedule),
		zap.Bool("retention_enabled", sweeping))
	return nil
}

// Stop halts the schedule and waits for any in-flight job to finish.
// Safe to call on a service that never started.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	<-s.kicked

	s.cron = nil
	s.running = false
	s.logger.Info("maintenance service stopped")
}

func (s *Service) statsJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	observability.MaintenanceRuns.WithLabelValues("stats").Inc()
	if err := s.RefreshStats(ctx); err != nil {
		s.logger.Warn("stats refresh failed", zap.Error(err))
	}
}

func (s *Service) sweepJob() {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	observability.MaintenanceRuns.WithLabelValues("retention").Inc()
	if err := s.SweepArchive(ctx); err != nil {
		s.logger.Warn("archive sweep failed", zap.Error(err))
	}
}

// RefreshStats brings planning inputs up to date: it expires stale
// selectivity entries, seeds coverage priors for variables the tracker
// has never observed, persists the tracker snapshot, refreshes the
// database planner statistics, and writes the identity filter
// snapshot. Exported so operators and tests can run a refresh outside
// the schedule.
func (s *Service) RefreshStats(ctx context.Context) error {
	s.tracker.Prune()

	version, err := s.registry.Current(ctx)
	if err != nil && !cerrors.IsCode(err, cerrors.CodeUnknownVersion) {
		return err
	}
	if version != nil {
		if err := s.seedCoveragePriors(ctx, version.Datasets); err != nil {
			return err
		}
	}

	if err := s.persistStats(ctx); err != nil {
		return err
	}
	if err := s.store.RunAnalyze(ctx); err != nil {
		return err
	}
	if err := s.resolver.PersistFilter(ctx); err != nil {
		return err
	}
	return nil
}

// seedCoveragePriors records a coverage-based selectivity estimate for
// every schema variable the tracker has no entry for. Observed stats
// are never overwritten; a pruned or brand-new variable picks up a
// fresh prior instead of planning with the neutral fallback.
func (s *Service) seedCoveragePriors(ctx context.Context, datasets []types.DatasetDefinition) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsWorkers)

	for _, ds := range datasets {
		for i := range ds.Variables {
			name := ds.Variables[i].Name
			if _, seen := s.tracker.Estimate(name); seen {
				continue
			}
			g.Go(func() error {
				withValue, total, err := s.store.Coverage(gctx, name)
				if err != nil {
					return fmt.Errorf("maintain: coverage for %s: %w", name, err)
				}
				s.tracker.Record(name, "coverage", withValue, total)
				return nil
			})
		}
	}
	return g.Wait()
}

// persistStats flushes the tracker snapshot to the store so planning
// survives a restart.
func (s *Service) persistStats(ctx context.Context) error {
	snapshot := s.tracker.Snapshot()
	records := make([]store.QueryStatRecord, 0, len(snapshot))
	for _, vs := range snapshot {
		ops, err := json.Marshal(vs.Operators)
		if err != nil {
			return fmt.Errorf("maintain: encode operator stats for %s: %w", vs.Variable, err)
		}
		records = append(records, store.QueryStatRecord{
			Variable:      vs.Variable,
			Evaluations:   vs.Evaluations,
			Selectivity:   vs.Selectivity,
			OperatorsJSON: string(ops),
			LastSeen:      vs.LastSeen,
		})
	}
	if err := s.store.SaveQueryStats(ctx, records); err != nil {
		return err
	}
	s.logger.Debug("selectivity stats persisted", zap.Int("variables", len(records)))
	return nil
}

// SweepArchive removes archived uploads older than the retention
// window. A nil archive or a zero retention makes this a no-op.
// Exported so operators and tests can sweep outside the schedule.
func (s *Service) SweepArchive(ctx context.Context) error {
	if s.uploads == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	removed, err := s.uploads.SweepOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.logger.Info("expired archived uploads removed",
			zap.Int("removed", removed),
			zap.Int("retention_days", s.cfg.RetentionDays))
	}
	return nil
}

// seedTracker restores persisted selectivity stats into the tracker.
// Losing the seed is harmless, so failures log and move on.
func (s *Service) seedTracker(ctx context.Context) {
	records, err := s.store.LoadQueryStats(ctx)
	if err != nil {
		s.logger.Warn("could not load persisted query stats", zap.Error(err))
		return
	}
	if len(records) == 0 {
		return
	}

	stats := make([]observability.VariableStats, 0, len(records))
	for _, r := range records {
		ops := make(map[string]int64)
		if r.OperatorsJSON != "" {
			if err := json.Unmarshal([]byte(r.OperatorsJSON), &ops); err != nil {
				s.logger.Warn("skipping malformed operator stats",
					zap.String("variable", r.Variable), zap.Error(err))
				ops = make(map[string]int64)
			}
		}
		stats = append(stats, observability.VariableStats{
			Variable:    r.Variable,
			Evaluations: r.Evaluations,
			Selectivity: r.Selectivity,
			LastSeen:    r.LastSeen,
			Operators:   ops,
		})
	}
	s.tracker.Seed(stats)
	s.logger.Info("selectivity tracker seeded", zap.Int("variables", len(stats)))
}
