package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/covarlab/covar/pkg/types"
)

// TestSupersedeChainProperties checks the append-only chain invariants
// over random append sequences: history is the exact reverse of the
// appends, every entry links its predecessor, and the current pointer
// is always the last append.
func TestSupersedeChainProperties(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedBatch(t, s, "batch-prop")

	var seq int64

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("history mirrors appends in reverse", prop.ForAll(
		func(nums []float64) bool {
			if len(nums) == 0 {
				return true
			}
			participantID := fmt.Sprintf("p-prop-%d", atomic.AddInt64(&seq, 1))

			var appended []types.ULID
			for i, n := range nums {
				num := n
				id := mustULID(t)
				merge := &MergeParams{
					Values: []types.VariableValue{{
						ID:            id,
						ParticipantID: participantID,
						Variable:      "score",
						Dataset:       "assessments",
						Text:          fmt.Sprintf("%g", num),
						Num:           &num,
						SchemaVersion: 1,
						BatchID:       "batch-prop",
						RecordedAt:    time.Now(),
					}},
				}
				if i == 0 {
					now := time.Now()
					merge.Resolution = &types.Resolution{
						ID:            mustULID(t),
						SourceSystem:  "clinic-a",
						LocalKey:      participantID,
						ParticipantID: participantID,
						Method:        types.ResolutionNew,
						BatchID:       "batch-prop",
						RecordedAt:    now,
					}
					merge.NewParticipant = &types.Participant{ID: participantID, CreatedAt: now}
				}
				err := s.ApplyRow(ctx, "batch-prop", &types.RowResult{
					RowNumber:      i + 1,
					ParticipantKey: participantID,
					ParticipantID:  participantID,
					Status:         types.RowAccepted,
				}, merge)
				if err != nil {
					t.Logf("apply failed: %v", err)
					return false
				}
				appended = append(appended, id)
			}

			history, err := s.History(ctx, participantID, "score", len(nums)+1, types.ULID{})
			if err != nil {
				t.Logf("history failed: %v", err)
				return false
			}
			if len(history) != len(appended) {
				return false
			}
			for i, v := range history {
				if v.ID != appended[len(appended)-1-i] {
					return false
				}
			}
			for i := 0; i < len(history)-1; i++ {
				if history[i].Supersedes == nil || *history[i].Supersedes != history[i+1].ID {
					return false
				}
			}
			if history[len(history)-1].Supersedes != nil {
				return false
			}

			current, err := s.CurrentValues(ctx, participantID)
			if err != nil {
				t.Logf("current failed: %v", err)
				return false
			}
			return len(current) == 1 && current[0].ID == appended[len(appended)-1]
		},
		gen.SliceOf(gen.Float64Range(-1e6, 1e6)),
	))

	properties.TestingRun(t)
}
