// Package ingest implements the upload pipeline: hash, parse, validate,
// resolve, merge, report. Progress is durable row by row; a crash mid
// batch loses at most the row in flight.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/covarlab/covar/internal/archive"
	cerrors "github.com/covarlab/covar/internal/errors"
	"github.com/covarlab/covar/internal/identity"
	"github.com/covarlab/covar/internal/observability"
	"github.com/covarlab/covar/internal/schema"
	"github.com/covarlab/covar/internal/store"
	"github.com/covarlab/covar/pkg/types"
)

// closeGrace bounds the detached close of a cancelled batch. The rows
// already applied are durable; only the outcome stamp remains.
const closeGrace = 5 * time.Second

// Options configures pipeline behavior.
type Options struct {
	// LockWait is how long one merge waits for its participant lock.
	LockWait time.Duration

	// LockRetries is how many times a timed-out acquisition is retried.
	LockRetries int

	// RetryBackoff is the base backoff between lock retries, doubled
	// per attempt.
	RetryBackoff time.Duration
}

// Request is one upload submission.
type Request struct {
	// Content is the raw file bytes
	Content []byte

	// Format is the file format; empty falls back to the dataset's
	// declared source kind, then csv
	Format types.SourceKind

	// SourceSystem is the contributing source; required
	SourceSystem string

	// Submitter identifies who submitted the file
	Submitter string

	// SchemaVersion pins the contract version; zero means current
	SchemaVersion int64

	// Dataset optionally names the dataset the file carries
	Dataset string

	// Filename is the submitted file name, kept for the archive path
	Filename string
}

// Pipeline turns raw upload files into merged variable values and a
// row-by-row validation report.
type Pipeline struct {
	store    *store.Store
	registry *schema.Registry
	resolver *identity.Resolver
	uploads  *archive.Uploads
	aliases  map[string][]string
	opts     Options
	ulids    *types.ULIDGenerator
	logger   *zap.Logger
}

// NewPipeline creates a pipeline. uploads may be nil to disable raw
// upload archival. aliases is the identity attribute-header
// configuration, shared with the resolver.
func NewPipeline(st *store.Store, registry *schema.Registry, resolver *identity.Resolver,
	uploads *archive.Uploads, aliases map[string][]string, opts Options, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		store:    st,
		registry: registry,
		resolver: resolver,
		uploads:  uploads,
		aliases:  aliases,
		opts:     opts,
		ulids:    types.NewULIDGenerator(),
		logger:   logger,
	}
}

// Ingest runs one upload through the pipeline and returns the closed
// batch with its report. Re-submitting identical content from the same
// source returns the prior batch without touching the store.
//
// Row-level defects never abort the batch; schema resolution failures
// and storage failures do. Cancellation between rows closes the batch
// over the rows actually processed.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*types.UploadBatch, *types.ValidationReport, error) {
	if req.SourceSystem == "" {
		return nil, nil, fmt.Errorf("ingest: source system is required")
	}
	if len(req.Content) == 0 {
		return nil, nil, cerrors.NewMalformedRow(0, "empty upload")
	}

	sum := sha256.Sum256(req.Content)
	hash := hex.EncodeToString(sum[:])

	// Unknown versions and datasets abort before any batch row exists.
	version, err := p.registry.Resolve(ctx, req.SchemaVersion)
	if err != nil {
		return nil, nil, err
	}
	var dataset *types.DatasetDefinition
	if req.Dataset != "" {
		ds, ok := version.Dataset(req.Dataset)
		if !ok {
			return nil, nil, cerrors.NewNotFound("dataset", req.Dataset)
		}
		dataset = ds
	}
	format, err := resolveFormat(req.Format, dataset)
	if err != nil {
		return nil, nil, err
	}

	batch := &types.UploadBatch{
		ID:            uuid.NewString(),
		SourceSystem:  req.SourceSystem,
		Submitter:     req.Submitter,
		SchemaVersion: version.Version,
		Dataset:       req.Dataset,
		Filename:      req.Filename,
		ContentHash:   hash,
		SubmittedAt:   time.Now().UTC(),
	}
	batchID, created, err := p.store.CreateBatch(ctx, batch, req.SourceSystem+":"+hash)
	if err != nil {
		return nil, nil, err
	}
	if !created {
		prior, err := p.store.GetBatch(ctx, batchID)
		if err != nil {
			return nil, nil, err
		}
		report, err := p.store.BatchReport(ctx, batchID)
		if err != nil {
			return nil, nil, err
		}
		p.logger.Info("duplicate upload",
			zap.String("batch_id", batchID),
			zap.String("source_system", req.SourceSystem),
			zap.String("content_hash", hash))
		return prior, report, nil
	}

	p.archiveUpload(ctx, batch.ID, req.Filename, req.Content)

	file, err := parseFile(req.Content, optionsFor(format, dataset))
	if err != nil {
		return p.rejectFile(ctx, batch, err)
	}

	validator := NewRowValidator(version, req.Dataset, p.aliases, file.Headers)
	cancelled := false
	for i := range file.Rows {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := p.processRow(ctx, batch, validator, &file.Rows[i]); err != nil {
			if ctx.Err() != nil {
				cancelled = true
				break
			}
			return nil, nil, err
		}
	}

	closeCtx := ctx
	if cancelled {
		// The request is gone but the applied rows are durable; stamp
		// the outcome under a detached deadline.
		var cancel context.CancelFunc
		closeCtx, cancel = context.WithTimeout(context.Background(), closeGrace)
		defer cancel()
		p.logger.Warn("batch cancelled mid-file", zap.String("batch_id", batch.ID))
	}
	return p.closeBatch(closeCtx, batch)
}

// resolveFormat picks the parse format: the explicit request format,
// else the hinted dataset's declared source kind, else csv.
func resolveFormat(format types.SourceKind, dataset *types.DatasetDefinition) (types.SourceKind, error) {
	if format == "" && dataset != nil {
		format = dataset.Source.Kind
	}
	if format == "" {
		format = types.SourceCSV
	}
	if format != types.SourceCSV && format != types.SourceXLSX {
		return "", cerrors.NewMalformedRow(0, fmt.Sprintf("unsupported upload format %q", format))
	}
	return format, nil
}

// archiveUpload snapshots the raw bytes to the archive. Failure is
// logged, never fatal: the batch is already reproducible from findings
// and the archive is an operational convenience.
func (p *Pipeline) archiveUpload(ctx context.Context, batchID, filename string, raw []byte) {
	if p.uploads == nil {
		return
	}
	key, err := p.uploads.Archive(ctx, batchID, filename, raw)
	if err != nil {
		p.logger.Warn("upload archive failed",
			zap.String("batch_id", batchID),
			zap.Error(err))
		return
	}
	observability.ArchiveBytes.Add(float64(len(raw)))
	p.logger.Debug("archived upload", zap.String("key", key))
}

// processRow validates, resolves, and merges one row, then persists its
// outcome. Row-level failures are findings, not errors; only storage
// and resolver infrastructure failures surface.
func (p *Pipeline) processRow(ctx context.Context, batch *types.UploadBatch, validator *RowValidator, row *Row) error {
	result := &types.RowResult{RowNumber: row.Number, ParticipantKey: row.Key}

	if row.Malformed != "" {
		result.Status = types.RowRejected
		result.Findings = []types.RowFinding{finding(cerrors.NewMalformedRow(row.Number, row.Malformed))}
		return p.applyRow(ctx, batch.ID, result, nil)
	}

	values, findings := validator.ValidateRow(row)
	if len(findings) > 0 {
		// Fail-closed: a row with any finding merges nothing, and its
		// identity is not resolved (rejected rows must not create
		// participants).
		result.Status = types.RowRejected
		result.Findings = findings
		return p.applyRow(ctx, batch.ID, result, nil)
	}

	outcome, err := p.resolver.Resolve(ctx, identity.ResolveRequest{
		SourceSystem: batch.SourceSystem,
		LocalKey:     row.Key,
		Attributes:   identity.ExtractAttributes(row.Cells, p.aliases),
		BatchID:      batch.ID,
	})
	if err != nil {
		return err
	}

	merge := &store.MergeParams{
		Resolution:     &outcome.Resolution,
		NewParticipant: outcome.NewParticipant,
		Identifier:     outcome.Identifier,
		Attributes:     outcome.Attributes,
		BlockingKey:    outcome.BlockingKey,
	}

	if !outcome.Resolved() {
		result.Status = types.RowAmbiguous
		result.Findings = []types.RowFinding{finding(identity.AmbiguityError(outcome))}
		return p.applyRow(ctx, batch.ID, result, merge)
	}

	result.Status = types.RowAccepted
	result.ParticipantID = outcome.Resolution.ParticipantID
	now := time.Now().UTC()
	merge.Values = make([]types.VariableValue, 0, len(values))
	for _, v := range values {
		id, err := p.ulids.Generate()
		if err != nil {
			return fmt.Errorf("ingest: failed to generate value id: %w", err)
		}
		merge.Values = append(merge.Values, types.VariableValue{
			ID:            id,
			ParticipantID: result.ParticipantID,
			Variable:      v.Variable,
			Dataset:       v.Dataset,
			Text:          v.Text,
			Num:           v.Num,
			SchemaVersion: batch.SchemaVersion,
			BatchID:       batch.ID,
			RecordedAt:    now,
		})
	}

	if err := p.mergeUnderLock(ctx, batch.ID, result, merge); err != nil {
		if cerrors.IsCode(err, cerrors.CodeLockTimeout) {
			// Retry exhaustion fails the row, not the batch. None of
			// the row's writes happened, the resolution log included,
			// so a resubmission of the row re-resolves cleanly.
			result.Status = types.RowRejected
			result.ParticipantID = ""
			result.Findings = []types.RowFinding{finding(err)}
			return p.applyRow(ctx, batch.ID, result, nil)
		}
		return err
	}
	observability.RowsIngested.WithLabelValues(string(result.Status)).Inc()
	return nil
}

// mergeUnderLock serializes the row on its participant and applies it
// in one transaction, retrying timed-out acquisitions with doubling
// backoff.
func (p *Pipeline) mergeUnderLock(ctx context.Context, batchID string, result *types.RowResult, merge *store.MergeParams) error {
	key := merge.Resolution.ParticipantID
	var lastErr error
	for attempt := 0; attempt <= p.opts.LockRetries; attempt++ {
		if attempt > 0 {
			backoff := p.opts.RetryBackoff * time.Duration(1<<(attempt-1))
			p.logger.Debug("retrying participant lock",
				zap.String("participant_id", key),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		release, err := p.store.Locks().Acquire(ctx, key, p.opts.LockWait)
		if err != nil {
			if cerrors.IsRetryable(err) {
				observability.LockTimeouts.Inc()
				lastErr = err
				continue
			}
			return err
		}
		err = p.store.ApplyRow(ctx, batchID, result, merge)
		release()
		return err
	}
	return lastErr
}

// applyRow persists one row outcome and counts it.
func (p *Pipeline) applyRow(ctx context.Context, batchID string, result *types.RowResult, merge *store.MergeParams) error {
	if err := p.store.ApplyRow(ctx, batchID, result, merge); err != nil {
		return err
	}
	observability.RowsIngested.WithLabelValues(string(result.Status)).Inc()
	return nil
}

// rejectFile records a file-level defect as a header-level row result
// (row number zero) and closes the batch rejected.
func (p *Pipeline) rejectFile(ctx context.Context, batch *types.UploadBatch, cause error) (*types.UploadBatch, *types.ValidationReport, error) {
	result := &types.RowResult{
		RowNumber: 0,
		Status:    types.RowRejected,
		Findings:  []types.RowFinding{finding(cause)},
	}
	if err := p.applyRow(ctx, batch.ID, result, nil); err != nil {
		return nil, nil, err
	}
	return p.closeBatch(ctx, batch)
}

// closeBatch stamps the outcome and returns the final batch and report.
func (p *Pipeline) closeBatch(ctx context.Context, batch *types.UploadBatch) (*types.UploadBatch, *types.ValidationReport, error) {
	report, err := p.store.BatchReport(ctx, batch.ID)
	if err != nil {
		return nil, nil, err
	}
	accepted, rejected, ambiguous := report.Counts()
	outcome := outcomeFor(accepted, rejected, ambiguous)

	if err := p.store.CloseBatch(ctx, batch.ID, outcome, time.Now().UTC()); err != nil {
		return nil, nil, err
	}
	final, err := p.store.GetBatch(ctx, batch.ID)
	if err != nil {
		return nil, nil, err
	}

	observability.BatchesProcessed.WithLabelValues(string(outcome)).Inc()
	p.logger.Info("batch closed",
		zap.String("batch_id", batch.ID),
		zap.String("source_system", batch.SourceSystem),
		zap.String("outcome", string(outcome)),
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Int("ambiguous", ambiguous))
	return final, report, nil
}

// outcomeFor classifies a closed batch from its row tallies: accepted
// only when every row merged, rejected when none did. Ambiguous rows
// did not merge, so they block a clean accept.
func outcomeFor(accepted, rejected, ambiguous int) types.BatchOutcome {
	if accepted > 0 && rejected == 0 && ambiguous == 0 {
		return types.BatchAccepted
	}
	if accepted > 0 {
		return types.BatchPartiallyAccepted
	}
	return types.BatchRejected
}
