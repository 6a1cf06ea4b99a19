package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore implements Store using file system storage. Effect transitions
// are appended to a per-run journal (the append-only audit record) while
// the current state of every record is kept in an atomically-replaced JSON
// document addressable by its stable key. All state survives a process
// restart.
//
// Layout under basePath:
//
//	effects/<effectID>.json    current effect record
//	journals/<runID>.jsonl     append-only effect transition journal
//	decisions/<decisionID>.json
//	runs/<runID>.json
type FileStore struct {
	basePath string
	mutex    sync.RWMutex
}

// NewFileStore creates a file-backed store rooted at basePath.
func NewFileStore(basePath string) *FileStore {
	return &FileStore{basePath: basePath}
}

func (f *FileStore) RecordAttempt(ctx context.Context, effect *Effect) (*Attempt, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	now := time.Now()
	existing, err := f.readEffect(effect.ID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == ErrNotFound {
		stored := copyEffect(effect)
		stored.Status = EffectStatusPending
		stored.Attempts = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if err := f.writeEffect(stored); err != nil {
			return nil, err
		}
		return &Attempt{Claimed: true, Effect: stored}, nil
	}
	if existing.Status == EffectStatusFailed {
		existing.Status = EffectStatusPending
		existing.Attempts++
		existing.Input = copyMap(effect.Input)
		existing.UpdatedAt = now
		if err := f.writeEffect(existing); err != nil {
			return nil, err
		}
		return &Attempt{Claimed: true, Effect: existing}, nil
	}
	return &Attempt{Claimed: false, Effect: existing}, nil
}

func (f *FileStore) RecordResult(ctx context.Context, effectID string, result map[string]any) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	effect, err := f.readEffect(effectID)
	if err != nil {
		return err
	}
	switch effect.Status {
	case EffectStatusSucceeded:
		return ErrDuplicateResult
	case EffectStatusFailed:
		return ErrNotClaimed
	}
	effect.Status = EffectStatusSucceeded
	effect.Result = result
	effect.Failure = ""
	effect.UpdatedAt = time.Now()
	return f.writeEffect(effect)
}

func (f *FileStore) RecordFailure(ctx context.Context, effectID string, cause string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	effect, err := f.readEffect(effectID)
	if err != nil {
		return err
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
	return f.writeEffect(effect)
}

func (f *FileStore) GetEffect(ctx context.Context, effectID string) (*Effect, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.readEffect(effectID)
}

func (f *FileStore) ListEffects(ctx context.Context, runID string) ([]*Effect, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	journalFile := filepath.Join(f.basePath, "journals", runID+".jsonl")
	file, err := os.Open(journalFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	// The journal holds every transition; the last entry per effect id is
	// the current state.
	latest := make(map[string]*Effect)
	var order []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var effect Effect
		if err := json.Unmarshal(scanner.Bytes(), &effect); err != nil {
			return nil, fmt.Errorf("failed to decode journal entry: %w", err)
		}
		if _, seen := latest[effect.ID]; !seen {
			order = append(order, effect.ID)
		}
		latest[effect.ID] = &effect
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	effects := make([]*Effect, 0, len(order))
	for _, id := range order {
		effects = append(effects, latest[id])
	}
	return effects, nil
}

func (f *FileStore) PutDecision(ctx context.Context, decision *Decision) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	path := f.decisionPath(decision.ID)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	stored := copyDecision(decision)
	if stored.Status == "" {
		stored.Status = DecisionStatusAwaiting
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	return writeJSON(path, stored)
}

func (f *FileStore) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.readDecision(decisionID)
}

func (f *FileStore) ResolveDecision(ctx context.Context, decisionID string, resolution *Resolution) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	decision, err := f.readDecision(decisionID)
	if err != nil {
		return err
	}
	if decision.Status.Terminal() {
		return ErrDecisionResolved
	}
	decision.Status = resolution.Status
	decision.Resolution = resolution
	return writeJSON(f.decisionPath(decisionID), decision)
}

func (f *FileStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	dir := filepath.Join(f.basePath, "decisions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var decisions []*Decision
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var decision Decision
		if err := readJSON(filepath.Join(dir, entry.Name()), &decision); err != nil {
			return nil, err
		}
		match, err := filter.matches(&decision)
		if err != nil {
			return nil, err
		}
		if match {
			decisions = append(decisions, &decision)
		}
	}
	sortDecisions(decisions)
	return limitDecisions(decisions, filter.Limit), nil
}

func (f *FileStore) SaveRun(ctx context.Context, run *RunRecord) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	stored := copyRun(run)
	stored.UpdatedAt = time.Now()
	var existing RunRecord
	if err := readJSON(f.runPath(run.ID), &existing); err == nil {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	return writeJSON(f.runPath(run.ID), stored)
}

func (f *FileStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	var run RunRecord
	if err := readJSON(f.runPath(runID), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func (f *FileStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	dir := filepath.Join(f.basePath, "runs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var runs []*RunRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var run RunRecord
		if err := readJSON(filepath.Join(dir, entry.Name()), &run); err != nil {
			return nil, err
		}
		match, err := filter.matches(&run)
		if err != nil {
			return nil, err
		}
		if match {
			runs = append(runs, &run)
		}
	}
	sortRuns(runs)
	return limitRuns(runs, filter.Limit), nil
}

func (f *FileStore) DeleteRun(ctx context.Context, runID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	effects, err := f.listRunEffectsLocked(runID)
	if err != nil {
		return err
	}
	for _, effect := range effects {
		if err := removeIfExists(f.effectPath(effect.ID)); err != nil {
			return err
		}
	}
	decisions, err := f.listRunDecisionIDsLocked(runID)
	if err != nil {
		return err
	}
	for _, id := range decisions {
		if err := removeIfExists(f.decisionPath(id)); err != nil {
			return err
		}
	}
	if err := removeIfExists(filepath.Join(f.basePath, "journals", runID+".jsonl")); err != nil {
		return err
	}
	return removeIfExists(f.runPath(runID))
}

func (f *FileStore) listRunEffectsLocked(runID string) ([]*Effect, error) {
	journalFile := filepath.Join(f.basePath, "journals", runID+".jsonl")
	file, err := os.Open(journalFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	latest := make(map[string]*Effect)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var effect Effect
		if err := json.Unmarshal(scanner.Bytes(), &effect); err != nil {
			return nil, err
		}
		latest[effect.ID] = &effect
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	effects := make([]*Effect, 0, len(latest))
	for _, effect := range latest {
		effects = append(effects, effect)
	}
	return effects, nil
}

func (f *FileStore) listRunDecisionIDsLocked(runID string) ([]string, error) {
	dir := filepath.Join(f.basePath, "decisions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var decision Decision
		if err := readJSON(filepath.Join(dir, entry.Name()), &decision); err != nil {
			return nil, err
		}
		if decision.RunID == runID {
			ids = append(ids, decision.ID)
		}
	}
	return ids, nil
}

func (f *FileStore) readEffect(effectID string) (*Effect, error) {
	var effect Effect
	if err := readJSON(f.effectPath(effectID), &effect); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &effect, nil
}

// writeEffect replaces the effect's current-state document and appends the
// transition to the owning run's journal.
func (f *FileStore) writeEffect(effect *Effect) error {
	if err := writeJSON(f.effectPath(effect.ID), effect); err != nil {
		return err
	}
	journalDir := filepath.Join(f.basePath, "journals")
	if err := os.MkdirAll(journalDir, 0755); err != nil {
		return fmt.Errorf("failed to create journal directory: %w", err)
	}
	journalFile := filepath.Join(journalDir, effect.RunID+".jsonl")
	file, err := os.OpenFile(journalFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()
	if err := json.NewEncoder(file).Encode(effect); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return nil
}

func (f *FileStore) readDecision(decisionID string) (*Decision, error) {
	var decision Decision
	if err := readJSON(f.decisionPath(decisionID), &decision); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &decision, nil
}

func (f *FileStore) effectPath(effectID string) string {
	return filepath.Join(f.basePath, "effects", effectID+".json")
}

func (f *FileStore) decisionPath(decisionID string) string {
	return filepath.Join(f.basePath, "decisions", decisionID+".json")
}

func (f *FileStore) runPath(runID string) string {
	return filepath.Join(f.basePath, "runs", runID+".json")
}

// writeJSON writes a document via a temporary file and rename, so readers
// never observe a partial write.
func writeJSON(path string, value any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	return os.Rename(tempPath, path)
}

func readJSON(path string, value any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, value)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
