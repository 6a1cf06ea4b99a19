package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/deepnoodle-ai/conductor"
)

// MemoryStore implements Store with in-process maps. It provides the same
// claim and duplicate-result guarantees as the durable stores and is
// intended for tests and ephemeral runs.
type MemoryStore struct {
	mutex     sync.Mutex
	effects   map[string]*Effect
	decisions map[string]*Decision
	runs      map[string]*RunRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		effects:   make(map[string]*Effect),
		decisions: make(map[string]*Decision),
		runs:      make(map[string]*RunRecord),
	}
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, effect *Effect) (*Attempt, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	existing, ok := s.effects[effect.ID]
	if !ok {
		stored := copyEffect(effect)
		stored.Status = EffectStatusPending
		stored.Attempts = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		s.effects[stored.ID] = stored
		return &Attempt{Claimed: true, Effect: copyEffect(stored)}, nil
	}
	switch existing.Status {
	case EffectStatusFailed:
		existing.Status = EffectStatusPending
		existing.Attempts++
		existing.Input = copyMap(effect.Input)
		existing.UpdatedAt = now
		return &Attempt{Claimed: true, Effect: copyEffect(existing)}, nil
	default:
		// pending (already in flight) or succeeded (replay)
		return &Attempt{Claimed: false, Effect: copyEffect(existing)}, nil
	}
}

func (s *MemoryStore) RecordResult(ctx context.Context, effectID string, result map[string]any) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	effect, ok := s.effects[effectID]
	if !ok {
		return ErrNotFound
	}
	switch effect.Status {
	case EffectStatusSucceeded:
		return ErrDuplicateResult
	case EffectStatusFailed:
		return ErrNotClaimed
	}
	effect.Status = EffectStatusSucceeded
	effect.Result = copyMap(result)
	effect.Failure = ""
	effect.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) RecordFailure(ctx context.Context, effectID string, cause string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	effect, ok := s.effects[effectID]
	if !ok {
		return ErrNotFound
	}
	switch effect.Status {
	case EffectStatusSucceeded:
		return ErrDuplicateResult
	case EffectStatusFailed:
		return ErrNotClaimed
	}
	effect.Status = EffectStatusFailed
	effect.Failure = cause
	effect.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetEffect(ctx context.Context, effectID string) (*Effect, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	effect, ok := s.effects[effectID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEffect(effect), nil
}

func (s *MemoryStore) ListEffects(ctx context.Context, runID string) ([]*Effect, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var effects []*Effect
	for _, effect := range s.effects {
		if effect.RunID == runID {
			effects = append(effects, copyEffect(effect))
		}
	}
	sortEffects(effects)
	return effects, nil
}

func (s *MemoryStore) PutDecision(ctx context.Context, decision *Decision) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.decisions[decision.ID]; ok {
		return nil
	}
	stored := copyDecision(decision)
	if stored.Status == "" {
		stored.Status = DecisionStatusAwaiting
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.decisions[stored.ID] = stored
	return nil
}

func (s *MemoryStore) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	decision, ok := s.decisions[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDecision(decision), nil
}

func (s *MemoryStore) ResolveDecision(ctx context.Context, decisionID string, resolution *Resolution) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	decision, ok := s.decisions[decisionID]
	if !ok {
		return ErrNotFound
	}
	if decision.Status.Terminal() {
		return ErrDecisionResolved
	}
	decision.Status = resolution.Status
	decision.Resolution = resolution
	return nil
}

func (s *MemoryStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var decisions []*Decision
	for _, decision := range s.decisions {
		match, err := filter.matches(decision)
		if err != nil {
			return nil, err
		}
		if match {
			decisions = append(decisions, copyDecision(decision))
		}
	}
	sortDecisions(decisions)
	return limitDecisions(decisions, filter.Limit), nil
}

func (s *MemoryStore) SaveRun(ctx context.Context, run *RunRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	stored := copyRun(run)
	stored.UpdatedAt = time.Now()
	if existing, ok := s.runs[run.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	s.runs[stored.ID] = stored
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var runs []*RunRecord
	for _, run := range s.runs {
		match, err := filter.matches(run)
		if err != nil {
			return nil, err
		}
		if match {
			runs = append(runs, copyRun(run))
		}
	}
	sortRuns(runs)
	return limitRuns(runs, filter.Limit), nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.runs, runID)
	for id, effect := range s.effects {
		if effect.RunID == runID {
			delete(s.effects, id)
		}
	}
	for id, decision := range s.decisions {
		if decision.RunID == runID {
			delete(s.decisions, id)
		}
	}
	return nil
}

func copyEffect(effect *Effect) *Effect {
	dup := *effect
	dup.Input = copyMap(effect.Input)
	dup.Result = copyMap(effect.Result)
	return &dup
}

func copyDecision(decision *Decision) *Decision {
	dup := *decision
	dup.Snapshot = copyMap(decision.Snapshot)
	dup.AllowedOutcomes = append([]string(nil), decision.AllowedOutcomes...)
	return &dup
}

func copyRun(run *RunRecord) *RunRecord {
	dup := *run
	dup.Inputs = copyMap(run.Inputs)
	dup.Outputs = copyMap(run.Outputs)
	dup.Artifacts = append([]conductor.Artifact(nil), run.Artifacts...)
	return &dup
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = v
	}
	return dup
}
