package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemental-dev/orchestrator/pkg/types"
)

func capset(skills, langs []string, max int) types.CapabilitySet {
	return types.NewCapabilitySet(skills, langs, max)
}

func TestMatch_FiltersIneligibleAgents(t *testing.T) {
	task := types.TaskRequirements{
		RequiredSkills: []string{"go"},
	}

	candidates := []Candidate{
		{AgentID: "no-skill", Capabilities: capset([]string{"python"}, nil, 2)},
		{AgentID: "at-capacity", Capabilities: capset([]string{"go"}, nil, 1), AssignedCount: 1},
		{AgentID: "eligible", Capabilities: capset([]string{"go"}, nil, 2)},
	}

	ranked := Match(task, candidates)
	require.Len(t, ranked, 1)
	assert.Equal(t, "eligible", ranked[0].AgentID)
}

func TestMatch_ScoresByPreferredIntersection(t *testing.T) {
	task := types.TaskRequirements{
		RequiredSkills:  []string{"go"},
		PreferredSkills: []string{"testing", "grpc"},
	}

	candidates := []Candidate{
		{AgentID: "a", Capabilities: capset([]string{"go", "testing"}, nil, 3)},
		{AgentID: "b", Capabilities: capset([]string{"go", "testing", "grpc"}, nil, 3)},
		{AgentID: "c", Capabilities: capset([]string{"go"}, nil, 3)},
	}

	ranked := Match(task, candidates)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"b", "a", "c"}, ids(ranked))
}

func TestMatch_TieBreaksByAssignedCountThenAgentID(t *testing.T) {
	task := types.TaskRequirements{RequiredSkills: []string{"go"}}

	candidates := []Candidate{
		{AgentID: "zeta", Capabilities: capset([]string{"go"}, nil, 5), AssignedCount: 0},
		{AgentID: "alpha", Capabilities: capset([]string{"go"}, nil, 5), AssignedCount: 1},
		{AgentID: "beta", Capabilities: capset([]string{"go"}, nil, 5), AssignedCount: 0},
	}

	ranked := Match(task, candidates)
	assert.Equal(t, []string{"beta", "zeta", "alpha"}, ids(ranked))
}

func TestMatch_EmptyRequirementsMatchAnyAgent(t *testing.T) {
	candidates := []Candidate{
		{AgentID: "a", Capabilities: capset(nil, nil, 1)},
	}
	ranked := Match(types.TaskRequirements{}, candidates)
	require.Len(t, ranked, 1)
}

func TestMatch_NormalizesTokenCaseAndWhitespace(t *testing.T) {
	task := types.TaskRequirements{RequiredSkills: []string{" Go "}}
	candidates := []Candidate{
		{AgentID: "a", Capabilities: capset([]string{"go"}, nil, 1)},
	}
	ranked := Match(task, candidates)
	require.Len(t, ranked, 1)
}

func TestBest_ReturnsFalseWhenNoneEligible(t *testing.T) {
	task := types.TaskRequirements{RequiredSkills: []string{"rust"}}
	candidates := []Candidate{
		{AgentID: "a", Capabilities: capset([]string{"go"}, nil, 1)},
	}
	_, ok := Best(task, candidates)
	assert.False(t, ok)
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.AgentID
	}
	return out
}
