package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/stretchr/testify/require"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	fileStore := NewFileStore(filepath.Join(dir, "ledger"))
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "ledger.db"), DefaultSQLiteStoreOptions())
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"file":   fileStore,
		"sqlite": sqliteStore,
	}
}

func TestEffectIDDeterministic(t *testing.T) {
	a := EffectID("run_1", "draft", 0)
	b := EffectID("run_1", "draft", 0)
	require.Equal(t, a, b)
	require.NotEqual(t, a, EffectID("run_1", "draft", 1))
	require.NotEqual(t, a, EffectID("run_2", "draft", 0))
	require.NotEqual(t, a, EffectID("run_1", "review", 0))
}

func TestEffectClaimLifecycle(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			effect := &Effect{
				ID:       EffectID("run_abc", "draft", 0),
				RunID:    "run_abc",
				StepPath: "draft",
				Input:    map[string]any{"topic": "greetings"},
			}

			// first caller claims
			attempt, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.True(t, attempt.Claimed)
			require.Equal(t, EffectStatusPending, attempt.Effect.Status)
			require.Equal(t, 1, attempt.Effect.Attempts)

			// second caller sees the in-flight attempt and is refused
			again, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.False(t, again.Claimed)
			require.Equal(t, EffectStatusPending, again.Effect.Status)

			// recording a result completes the effect
			err = store.RecordResult(ctx, effect.ID, map[string]any{"text": "hello"})
			require.NoError(t, err)

			stored, err := store.GetEffect(ctx, effect.ID)
			require.NoError(t, err)
			require.Equal(t, EffectStatusSucceeded, stored.Status)
			require.Equal(t, "hello", stored.Result["text"])

			// replay: a succeeded effect is never re-claimed
			replay, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.False(t, replay.Claimed)
			require.Equal(t, EffectStatusSucceeded, replay.Effect.Status)

			// a second terminal result is fatal
			err = store.RecordResult(ctx, effect.ID, map[string]any{"text": "bye"})
			require.ErrorIs(t, err, ErrDuplicateResult)
		})
	}
}

func TestEffectRetryAfterFailure(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			effect := &Effect{
				ID:       EffectID("run_retry", "draft", 0),
				RunID:    "run_retry",
				StepPath: "draft",
				Input:    map[string]any{"attempt": "first"},
			}

			attempt, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.True(t, attempt.Claimed)

			err = store.RecordFailure(ctx, effect.ID, "agent timed out")
			require.NoError(t, err)

			stored, err := store.GetEffect(ctx, effect.ID)
			require.NoError(t, err)
			require.Equal(t, EffectStatusFailed, stored.Status)
			require.Equal(t, "agent timed out", stored.Failure)

			// recording an outcome with no attempt in flight is rejected
			err = store.RecordResult(ctx, effect.ID, map[string]any{"text": "hi"})
			require.ErrorIs(t, err, ErrNotClaimed)

			// a failed effect can be re-claimed, and the retry may carry a
			// mutated input (e.g. validation feedback)
			effect.Input = map[string]any{"attempt": "second"}
			retry, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.True(t, retry.Claimed)
			require.Equal(t, 2, retry.Effect.Attempts)
			require.Equal(t, "second", retry.Effect.Input["attempt"])

			err = store.RecordResult(ctx, effect.ID, map[string]any{"text": "hi"})
			require.NoError(t, err)
		})
	}
}

func TestEffectConcurrentClaim(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			effect := &Effect{
				ID:       EffectID("run_conc", "draft", 0),
				RunID:    "run_conc",
				StepPath: "draft",
			}

			const callers = 16
			var wg sync.WaitGroup
			claims := make(chan bool, callers)
			errs := make(chan error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					attempt, err := store.RecordAttempt(ctx, effect)
					if err != nil {
						errs <- err
						return
					}
					claims <- attempt.Claimed
				}()
			}
			wg.Wait()
			close(claims)
			close(errs)

			for err := range errs {
				require.NoError(t, err)
			}
			claimed := 0
			for c := range claims {
				if c {
					claimed++
				}
			}
			require.Equal(t, 1, claimed, "exactly one caller must win the claim")
		})
	}
}

func TestListEffectsOrdering(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			steps := []string{"draft", "review", "publish"}
			for _, step := range steps {
				effect := &Effect{
					ID:       EffectID("run_order", step, 0),
					RunID:    "run_order",
					StepPath: step,
				}
				_, err := store.RecordAttempt(ctx, effect)
				require.NoError(t, err)
				err = store.RecordResult(ctx, effect.ID, map[string]any{"step": step})
				require.NoError(t, err)
				time.Sleep(2 * time.Millisecond)
			}

			effects, err := store.ListEffects(ctx, "run_order")
			require.NoError(t, err)
			require.Len(t, effects, 3)
			var got []string
			for _, e := range effects {
				got = append(got, e.StepPath)
			}
			require.Equal(t, steps, got)
		})
	}
}

func TestDecisionLifecycle(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
			decision := &Decision{
				ID:              EffectID("run_dec", "approve", 0),
				RunID:           "run_dec",
				Process:         "release",
				Step:            "approve",
				Prompt:          "Ship it?",
				Snapshot:        map[string]any{"draft": "v1"},
				AllowedOutcomes: []string{"approved", "rejected"},
				ExpiresAt:       &expires,
				ExpiryPolicy:    "reject",
			}

			require.NoError(t, store.PutDecision(ctx, decision))

			// replaying the breakpoint re-puts the same decision; no-op
			require.NoError(t, store.PutDecision(ctx, decision))

			stored, err := store.GetDecision(ctx, decision.ID)
			require.NoError(t, err)
			require.Equal(t, DecisionStatusAwaiting, stored.Status)
			require.Equal(t, "Ship it?", stored.Prompt)

			resolution := &Resolution{
				Status:     DecisionStatusApproved,
				Note:       "looks good",
				ResolvedBy: "alice",
				ResolvedAt: time.Now(),
			}
			require.NoError(t, store.ResolveDecision(ctx, decision.ID, resolution))

			// resolution consumes the decision exactly once
			err = store.ResolveDecision(ctx, decision.ID, resolution)
			require.ErrorIs(t, err, ErrDecisionResolved)

			resolved, err := store.GetDecision(ctx, decision.ID)
			require.NoError(t, err)
			require.Equal(t, DecisionStatusApproved, resolved.Status)
			require.NotNil(t, resolved.Resolution)
			require.Equal(t, "alice", resolved.Resolution.ResolvedBy)
		})
	}
}

func TestDecisionFilters(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			past := time.Now().Add(-time.Hour)
			future := time.Now().Add(time.Hour)

			put := func(id, runID, process string, expiresAt *time.Time) {
				require.NoError(t, store.PutDecision(ctx, &Decision{
					ID: id, RunID: runID, Process: process,
					Step: "approve", ExpiresAt: expiresAt,
				}))
			}
			put("dec_1", "run_a", "release", &past)
			put("dec_2", "run_a", "release", &future)
			put("dec_3", "run_b", "hotfix", nil)

			all, err := store.ListDecisions(ctx, DecisionFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)

			byRun, err := store.ListDecisions(ctx, DecisionFilter{RunID: "run_a"})
			require.NoError(t, err)
			require.Len(t, byRun, 2)

			expired, err := store.ListDecisions(ctx, DecisionFilter{ExpiresBefore: time.Now()})
			require.NoError(t, err)
			require.Len(t, expired, 1)
			require.Equal(t, "dec_1", expired[0].ID)

			byGlob, err := store.ListDecisions(ctx, DecisionFilter{Process: "rel*"})
			require.NoError(t, err)
			require.Len(t, byGlob, 2)
		})
	}
}

func TestRunRecords(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			run := &RunRecord{
				ID:      "run_save",
				Process: "release",
				Version: 1,
				Status:  conductor.RunStatusRunning,
				Inputs:  map[string]any{"topic": "launch"},
			}
			require.NoError(t, store.SaveRun(ctx, run))

			stored, err := store.GetRun(ctx, "run_save")
			require.NoError(t, err)
			require.Equal(t, conductor.RunStatusRunning, stored.Status)
			require.Equal(t, "launch", stored.Inputs["topic"])

			run.Status = conductor.RunStatusCompleted
			run.Outputs = map[string]any{"url": "https://example.com"}
			require.NoError(t, store.SaveRun(ctx, run))

			updated, err := store.GetRun(ctx, "run_save")
			require.NoError(t, err)
			require.Equal(t, conductor.RunStatusCompleted, updated.Status)
			require.Equal(t, "https://example.com", updated.Outputs["url"])

			listed, err := store.ListRuns(ctx, RunFilter{Status: conductor.RunStatusCompleted})
			require.NoError(t, err)
			require.Len(t, listed, 1)

			_, err = store.GetRun(ctx, "run_missing")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteRunRemovesOwnedRecords(t *testing.T) {
	for name, store := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.SaveRun(ctx, &RunRecord{
				ID: "run_del", Process: "release", Status: conductor.RunStatusCompleted,
			}))
			effect := &Effect{ID: EffectID("run_del", "draft", 0), RunID: "run_del", StepPath: "draft"}
			_, err := store.RecordAttempt(ctx, effect)
			require.NoError(t, err)
			require.NoError(t, store.PutDecision(ctx, &Decision{
				ID: "dec_del", RunID: "run_del", Process: "release", Step: "approve",
			}))

			require.NoError(t, store.DeleteRun(ctx, "run_del"))

			_, err = store.GetRun(ctx, "run_del")
			require.ErrorIs(t, err, ErrNotFound)
			effects, err := store.ListEffects(ctx, "run_del")
			require.NoError(t, err)
			require.Empty(t, effects)
			decisions, err := store.ListDecisions(ctx, DecisionFilter{RunID: "run_del"})
			require.NoError(t, err)
			require.Empty(t, decisions)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewFileStore(dir)

	effect := &Effect{ID: EffectID("run_crash", "draft", 0), RunID: "run_crash", StepPath: "draft"}
	_, err := store.RecordAttempt(ctx, effect)
	require.NoError(t, err)
	require.NoError(t, store.RecordResult(ctx, effect.ID, map[string]any{"text": "done"}))
	require.NoError(t, store.PutDecision(ctx, &Decision{
		ID: "dec_crash", RunID: "run_crash", Process: "release", Step: "approve",
	}))
	require.NoError(t, store.SaveRun(ctx, &RunRecord{
		ID: "run_crash", Process: "release", Status: conductor.RunStatusAwaitingDecision,
	}))

	// a fresh store over the same directory sees everything
	reopened := NewFileStore(dir)

	stored, err := reopened.GetEffect(ctx, effect.ID)
	require.NoError(t, err)
	require.Equal(t, EffectStatusSucceeded, stored.Status)

	decision, err := reopened.GetDecision(ctx, "dec_crash")
	require.NoError(t, err)
	require.Equal(t, DecisionStatusAwaiting, decision.Status)

	run, err := reopened.GetRun(ctx, "run_crash")
	require.NoError(t, err)
	require.Equal(t, conductor.RunStatusAwaitingDecision, run.Status)
}
