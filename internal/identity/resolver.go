package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// filterMetaKey is where the blocking-key filter snapshot lives in the
// store meta table.
const filterMetaKey = "identity/blocking_filter"

// filterFPR is the target false positive rate for the blocking-key
// filter. A false positive only costs one extra SQL probe.
const filterFPR = 0.01

// Config is the complete matching configuration. Resolution decisions
// are a pure function of the incoming attributes, the candidate
// snapshot, and this struct; nothing else feeds the decision, so runs
// are reproducible given the same configuration.
type Config struct {
	// BlockingAttrs are the canonical attributes hashed into the
	// blocking key, in hash order.
	BlockingAttrs []string

	// CompareAttrs are the canonical attributes scored for similarity.
	CompareAttrs []string

	// Threshold is the minimum average similarity for an automatic
	// attach, in (0, 1].
	Threshold float64

	// Aliases maps canonical attribute names to the source column
	// headers that may carry them.
	Aliases map[string][]string
}

// ResolveRequest carries one incoming record into the resolver.
// Attributes are raw cell values; normalization happens inside.
type ResolveRequest struct {
	SourceSystem string
	LocalKey     string
	Attributes   map[string]string
	BatchID      string
}

// Outcome is a resolver decision plus the identity writes it implies.
// Nothing is persisted by Resolve itself; the caller applies the
// outcome atomically with whatever else the row produced.
type Outcome struct {
	// Resolution is the audit-log entry for this call.
	Resolution types.Resolution

	// NewParticipant is set when the decision creates an identity.
	NewParticipant *types.Participant

	// Identifier is set when the decision attaches a source identifier.
	Identifier *types.SourceIdentifier

	// Attributes are the normalized canonical attributes to upsert for
	// the resolved participant.
	Attributes map[string]string

	// BlockingKey registers the participant in the blocking index.
	BlockingKey *int64
}

// Resolved reports whether the outcome names a participant rows can
// merge into.
func (o *Outcome) Resolved() bool {
	return o.Resolution.ParticipantID != ""
}

// Resolver maps (source system, local key) pairs to Participants.
//
// The decision ladder, in order:
//
//  1. The identifier is already attached: exact match, score 1.
//  2. Candidates sharing the blocking key are scored; exactly one at or
//     above the threshold attaches the identifier to it.
//  3. Candidates exist but zero or several clear the threshold:
//     ambiguous. No merge, no new identity; an operator override is the
//     only way forward.
//  4. No candidates, including when blocking attributes are absent: a
//     new Participant.
type Resolver struct {
	store  *store.Store
	cfg    Config
	ulids  *types.ULIDGenerator
	logger *zap.Logger

	mu          sync.RWMutex
	filter      *KeyFilter
	filterReady bool
}

// NewResolver creates a resolver. Until WarmFilter runs, the
// blocking-key filter cannot answer definitively and every key probes
// the index; warming is an optimization, never a correctness gate.
func NewResolver(st *store.Store, cfg Config, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  st,
		cfg:    cfg,
		ulids:  types.NewULIDGenerator(),
		filter: NewKeyFilter(1000, filterFPR),
		logger: logger,
	}
}

// mayContainKey reports whether the blocking index may hold the key.
// An unwarmed filter fails open so the lookup still runs.
func (r *Resolver) mayContainKey(key int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.filterReady {
		return true
	}
	return r.filter.MightContain(key)
}

func (r *Resolver) addKey(key int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.filter.Add(key)
}

// Resolve decides the identity for one incoming record. The returned
// outcome carries every write the decision implies; the caller persists
// it atomically. Resolve itself only reads.
func (r *Resolver) Resolve(ctx context.Context, req ResolveRequest) (*Outcome, error) {
	if req.SourceSystem == "" || req.LocalKey == "" {
		return nil, fmt.Errorf("identity: source system and local key are required")
	}

	now := time.Now().UTC()
	attrs := NormalizeAttributes(req.Attributes)
	out := &Outcome{
		Resolution: types.Resolution{
			SourceSystem: req.SourceSystem,
			LocalKey:     req.LocalKey,
			BatchID:      req.BatchID,
			RecordedAt:   now,
		},
	}
	id, err := r.ulids.Generate()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate resolution id: %w", err)
	}
	out.Resolution.ID = id

	key, hasKey := BlockingKey(attrs, r.cfg.BlockingAttrs)

	// Step 1: the identifier may already be attached.
	ident, err := r.store.GetIdentifier(ctx, req.SourceSystem, req.LocalKey)
	if err != nil {
		return nil, err
	}
	if ident != nil {
		out.Resolution.Method = types.ResolutionExact
		out.Resolution.ParticipantID = ident.ParticipantID
		out.Resolution.Score = 1
		out.Resolution.CandidateCount = 1
		// Refreshing attributes and the blocking registration on exact
		// matches keeps future comparisons against this identity
		// current, and is how an overridden identity becomes a
		// candidate at all.
		out.Attributes = attrs
		if hasKey {
			out.BlockingKey = &key
			r.addKey(key)
		}
		observability.Resolutions.WithLabelValues(string(types.ResolutionExact)).Inc()
		return out, nil
	}

	// Steps 2-4: block, score, decide.
	var candidates []store.Candidate
	if hasKey && r.mayContainKey(key) {
		candidates, err = r.store.CandidatesByBlockingKey(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	if len(candidates) == 0 {
		r.decideNew(out, now)
		out.Attributes = attrs
		if hasKey {
			out.BlockingKey = &key
			r.addKey(key)
		}
		observability.Resolutions.WithLabelValues(string(types.ResolutionNew)).Inc()
		return out, nil
	}

	best, above := r.scoreCandidates(attrs, candidates)
	out.Resolution.Score = best
	out.Resolution.CandidateCount = len(above)

	if len(above) == 1 {
		out.Resolution.Method = types.ResolutionSimilarity
		out.Resolution.ParticipantID = above[0].ParticipantID
		out.Identifier = &types.SourceIdentifier{
			SourceSystem:  req.SourceSystem,
			LocalKey:      req.LocalKey,
			ParticipantID: above[0].ParticipantID,
			CreatedAt:     now,
		}
		out.Attributes = attrs
		out.BlockingKey = &key
		observability.Resolutions.WithLabelValues(string(types.ResolutionSimilarity)).Inc()
		r.logger.Debug("similarity attach",
			zap.String("source_system", req.SourceSystem),
			zap.Float64("score", best),
			zap.Int("candidates", len(candidates)))
		return out, nil
	}

	// Candidates exist but zero or several cleared the threshold.
	out.Resolution.Method = types.ResolutionAmbiguous
	observability.Resolutions.WithLabelValues(string(types.ResolutionAmbiguous)).Inc()
	r.logger.Info("ambiguous resolution",
		zap.String("source_system", req.SourceSystem),
		zap.String("local_key", req.LocalKey),
		zap.Float64("best_score", best),
		zap.Int("candidates", len(candidates)),
		zap.Int("above_threshold", len(above)))
	return out, nil
}

// decideNew fills the outcome for a brand-new identity.
func (r *Resolver) decideNew(out *Outcome, now time.Time) {
	pid := uuid.NewString()
	out.Resolution.Method = types.ResolutionNew
	out.Resolution.ParticipantID = pid
	out.NewParticipant = &types.Participant{ID: pid, CreatedAt: now}
	out.Identifier = &types.SourceIdentifier{
		SourceSystem:  out.Resolution.SourceSystem,
		LocalKey:      out.Resolution.LocalKey,
		ParticipantID: pid,
		CreatedAt:     now,
	}
}

// scoreCandidates scores every candidate and returns the best score and
// those at or above the threshold.
func (r *Resolver) scoreCandidates(attrs map[string]string, candidates []store.Candidate) (float64, []store.Candidate) {
	var best float64
	var above []store.Candidate
	for _, c := range candidates {
		s := Score(attrs, c.Attributes, r.cfg.CompareAttrs)
		if s > best {
			best = s
		}
		if s >= r.cfg.Threshold {
			above = append(above, c)
		}
	}
	return best, above
}

// Override attaches an identifier by explicit operator decision: to the
// named participant, or to a brand-new one when participantID is empty.
// This is the only path out of an ambiguous resolution. Fails with
// IdentifierAttached when the identifier already belongs to someone and
// NotFound when the named participant does not exist.
func (r *Resolver) Override(ctx context.Context, sourceSystem, localKey, participantID string) (*types.Resolution, error) {
	if sourceSystem == "" || localKey == "" {
		return nil, fmt.Errorf("identity: source system and local key are required")
	}

	now := time.Now().UTC()
	var newParticipant *types.Participant
	if participantID == "" {
		participantID = uuid.NewString()
		newParticipant = &types.Participant{ID: participantID, CreatedAt: now}
	} else {
		if _, err := r.store.GetParticipant(ctx, participantID); err != nil {
			return nil, err
		}
	}

	id, err := r.ulids.Generate()
	if err != nil {
		return nil, fmt.Errorf("identity: failed to generate resolution id: %w", err)
	}
	res := &types.Resolution{
		ID:            id,
		SourceSystem:  sourceSystem,
		LocalKey:      localKey,
		ParticipantID: participantID,
		Method:        types.ResolutionOverride,
		RecordedAt:    now,
	}
	if err := r.store.ApplyOverride(ctx, res, newParticipant); err != nil {
		return nil, err
	}

	observability.Resolutions.WithLabelValues(string(types.ResolutionOverride)).Inc()
	r.logger.Info("identity override",
		zap.String("source_system", sourceSystem),
		zap.String("local_key", localKey),
		zap.String("participant_id", participantID),
		zap.Bool("created", newParticipant != nil))
	return res, nil
}

// WarmFilter loads the blocking-key filter: from its persisted snapshot
// when that still covers the index, otherwise rebuilt from the blocking
// index itself. A filter behind the index would answer false negatives
// and skip candidate lookups that matter, so stale snapshots are
// discarded rather than patched.
func (r *Resolver) WarmFilter(ctx context.Context) error {
	keys, err := r.store.AllBlockingKeys(ctx)
	if err != nil {
		return err
	}

	if data, ok, err := r.store.GetMetaBytes(ctx, filterMetaKey); err != nil {
		return err
	} else if ok {
		if f, err := LoadSnapshot(data); err == nil && f.Count() >= uint64(len(keys)) {
			r.mu.Lock()
			r.filter = f
			r.filterReady = true
			r.mu.Unlock()
			r.logger.Info("loaded blocking filter snapshot",
				zap.Uint64("keys", f.Count()))
			return nil
		}
	}

	f := NewKeyFilter(max(len(keys)*2, 1000), filterFPR)
	for _, k := range keys {
		f.Add(k)
	}
	r.mu.Lock()
	r.filter = f
	r.filterReady = true
	r.mu.Unlock()
	r.logger.Info("rebuilt blocking filter", zap.Int("keys", len(keys)))
	return nil
}

// PersistFilter writes the current filter snapshot to the store meta
// table. Called by the maintenance service; losing a snapshot is safe,
// WarmFilter rebuilds from the index.
func (r *Resolver) PersistFilter(ctx context.Context) error {
	r.mu.RLock()
	snapshot := r.filter.Snapshot()
	count := r.filter.Count()
	r.mu.RUnlock()

	if err := r.store.PutMetaBytes(ctx, filterMetaKey, snapshot); err != nil {
		return err
	}
	r.logger.Debug("persisted blocking filter", zap.Uint64("keys", count))
	return nil
}

// AmbiguityError converts an ambiguous outcome into the structured
// error a row finding carries. Returns nil for any other method.
func AmbiguityError(out *Outcome) error {
	if out.Resolution.Method != types.ResolutionAmbiguous {
		return nil
	}
	return cerrors.NewIdentityAmbiguous(
		out.Resolution.SourceSystem,
		out.Resolution.LocalKey,
		out.Resolution.CandidateCount,
	)
}
