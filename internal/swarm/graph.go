package swarm

import (
	"errors"
	"fmt"
)

// ExecutionPlan is the wave layout a decomposition would get with an
// unbounded parallelism budget.
type ExecutionPlan struct {
	Tiers []ExecutionTier `json:"tiers"` // within a tier, subtasks run in parallel
}

// ExecutionTier is a group of subtask ids that can run together.
type ExecutionTier struct {
	SubTasks []string `json:"subtasks"`
}

// ValidateGraph checks that every dependency references another subtask of
// the same decomposition.
func ValidateGraph(subTasks []*SubTask) error {
	ids := make(map[string]bool, len(subTasks))
	for _, st := range subTasks {
		if ids[st.ID] {
			return fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		ids[st.ID] = true
	}
	for _, st := range subTasks {
		for _, dep := range st.Dependencies {
			if dep == st.ID {
				return fmt.Errorf("subtask %q depends on itself", st.ID)
			}
			if !ids[dep] {
				return fmt.Errorf("subtask %q references unknown dependency %q", st.ID, dep)
			}
		}
	}
	return nil
}

// BuildPlan groups subtasks into tiers by dependency depth.
// It returns an error if the graph is invalid or contains a cycle.
func BuildPlan(subTasks []*SubTask) (*ExecutionPlan, error) {
	if err := ValidateGraph(subTasks); err != nil {
		return nil, err
	}

	dependents := make(map[string][]string)
	inDegree := make(map[string]int, len(subTasks))
	for _, st := range subTasks {
		for _, dep := range st.Dependencies {
			dependents[dep] = append(dependents[dep], st.ID)
			inDegree[st.ID]++
		}
	}

	// Kahn's algorithm, grouping by depth. Seeding in array order keeps
	// tiers in declaration order.
	depth := make(map[string]int, len(subTasks))
	queue := make([]string, 0, len(subTasks))
	for _, st := range subTasks {
		if inDegree[st.ID] == 0 {
			queue = append(queue, st.ID)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range dependents[id] {
			inDegree[next]--
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(subTasks) {
		return nil, errors.New("dependency graph contains a cycle")
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	tiers := make([]ExecutionTier, maxDepth+1)
	for _, st := range subTasks {
		d := depth[st.ID]
		tiers[d].SubTasks = append(tiers[d].SubTasks, st.ID)
	}
	if len(subTasks) == 0 {
		tiers = nil
	}

	return &ExecutionPlan{Tiers: tiers}, nil
}

// classifyStrategy picks parallel when nothing depends on anything,
// sequential when every subtask after the first has a dependency, and mixed
// otherwise. A single subtask is always sequential.
func classifyStrategy(subTasks []*SubTask) Strategy {
	if len(subTasks) <= 1 {
		return StrategySequential
	}

	anyDeps := false
	allButFirst := true
	for i, st := range subTasks {
		has := len(st.Dependencies) > 0
		anyDeps = anyDeps || has
		if i > 0 && !has {
			allButFirst = false
		}
	}

	switch {
	case !anyDeps:
		return StrategyParallel
	case allButFirst:
		return StrategySequential
	default:
		return StrategyMixed
	}
}

// readySet returns pending subtasks, in array order, whose dependencies have
// all finished. Failed dependencies count as finished.
func readySet(subTasks []*SubTask, finished map[string]bool) []*SubTask {
	var ready []*SubTask
	for _, st := range subTasks {
		if st.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range st.Dependencies {
			if !finished[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}
