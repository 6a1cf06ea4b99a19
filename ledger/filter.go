package ledger

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"
)

// matchProcess matches a process name against an optional glob pattern.
func matchProcess(pattern, name string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid process pattern %q: %w", pattern, err)
	}
	return g.Match(name), nil
}

func (f RunFilter) matches(run *RunRecord) (bool, error) {
	if f.Status != "" && run.Status != f.Status {
		return false, nil
	}
	return matchProcess(f.Process, run.Process)
}

func (f DecisionFilter) matches(decision *Decision) (bool, error) {
	if f.RunID != "" && decision.RunID != f.RunID {
		return false, nil
	}
	if f.Status != "" && decision.Status != f.Status {
		return false, nil
	}
	if !f.ExpiresBefore.IsZero() {
		if decision.ExpiresAt == nil || decision.ExpiresAt.After(f.ExpiresBefore) {
			return false, nil
		}
	}
	return matchProcess(f.Process, decision.Process)
}

func sortRuns(runs []*RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID < runs[j].ID
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
}

func sortDecisions(decisions []*Decision) {
	sort.Slice(decisions, func(i, j int) bool {
		if decisions[i].CreatedAt.Equal(decisions[j].CreatedAt) {
			return decisions[i].ID < decisions[j].ID
		}
		return decisions[i].CreatedAt.Before(decisions[j].CreatedAt)
	})
}

func sortEffects(effects []*Effect) {
	sort.Slice(effects, func(i, j int) bool {
		if effects[i].CreatedAt.Equal(effects[j].CreatedAt) {
			return effects[i].ID < effects[j].ID
		}
		return effects[i].CreatedAt.Before(effects[j].CreatedAt)
	})
}

func limitRuns(runs []*RunRecord, limit int) []*RunRecord {
	if limit > 0 && len(runs) > limit {
		return runs[:limit]
	}
	return runs
}

func limitDecisions(decisions []*Decision, limit int) []*Decision {
	if limit > 0 && len(decisions) > limit {
		return decisions[:limit]
	}
	return decisions
}
