// Package capability implements the Capability Matcher: scoring worker
// agents against a task's required/preferred skills and languages.
package capability

import (
	"sort"

	"github.com/elemental-dev/orchestrator/pkg/types"
)

// Candidate is one worker agent under consideration for a task, carrying
// just enough state for matching: its capability set and how many tasks
// are currently assigned to it.
type Candidate struct {
	AgentID        string
	Capabilities   types.CapabilitySet
	AssignedCount  int
}

// Match scores task against candidates and returns the eligible ones in
// best-first order: highest score first, ties broken by fewer assigned
// tasks, then lexicographically by agent id.
//
// An agent is eligible only if it has capacity (AssignedCount < MaxConcurrentTasks)
// and its skill/language sets are a superset of the task's required ones.
// Score is the size of the intersection with the task's preferred
// skills and languages; an agent with an empty intersection is still
// eligible and sorts last among eligible agents absent other signal.
func Match(task types.TaskRequirements, candidates []Candidate) []Candidate {
	eligible := make([]Candidate, 0, len(candidates))
	scores := make(map[string]int, len(candidates))

	for _, c := range candidates {
		if c.AssignedCount >= c.Capabilities.MaxConcurrentTasks {
			continue
		}
		if !c.Capabilities.Qualifies(task) {
			continue
		}
		eligible = append(eligible, c)
		scores[c.AgentID] = c.Capabilities.Score(task)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if scores[a.AgentID] != scores[b.AgentID] {
			return scores[a.AgentID] > scores[b.AgentID]
		}
		if a.AssignedCount != b.AssignedCount {
			return a.AssignedCount < b.AssignedCount
		}
		return a.AgentID < b.AgentID
	})

	return eligible
}

// Best returns the top-ranked candidate for task, or false if none are
// eligible.
func Best(task types.TaskRequirements, candidates []Candidate) (Candidate, bool) {
	ranked := Match(task, candidates)
	if len(ranked) == 0 {
		return Candidate{}, false
	}
	return ranked[0], true
}
