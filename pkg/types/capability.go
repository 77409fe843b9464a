package types

import "strings"

// CapabilitySet describes what an agent can work on and how much of it at
// once.
type CapabilitySet struct {
	Skills            map[string]struct{}
	Languages         map[string]struct{}
	MaxConcurrentTasks int
}

// NewCapabilitySet normalizes raw skill/language tokens (lowercase, trim)
// into a CapabilitySet.
func NewCapabilitySet(skills, languages []string, max int) CapabilitySet {
	return CapabilitySet{
		Skills:             normalizeSet(skills),
		Languages:          normalizeSet(languages),
		MaxConcurrentTasks: max,
	}
}

func normalizeSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		n := normalizeToken(t)
		if n == "" {
			continue
		}
		set[n] = struct{}{}
	}
	return set
}

func normalizeToken(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

// TaskRequirements describes the capability constraints a task places on
// a candidate agent.
type TaskRequirements struct {
	RequiredSkills    []string
	PreferredSkills   []string
	RequiredLanguages []string
	PreferredLanguages []string
}

func subsetOf(need []string, have map[string]struct{}) bool {
	for _, n := range need {
		if _, ok := have[normalizeToken(n)]; !ok {
			return false
		}
	}
	return true
}

func intersectionCount(pref []string, have map[string]struct{}) int {
	count := 0
	for _, p := range pref {
		if _, ok := have[normalizeToken(p)]; ok {
			count++
		}
	}
	return count
}

// Qualifies reports whether this set satisfies every required skill and
// language of req. Preferred fields place no constraint here; they only
// affect Score.
func (c CapabilitySet) Qualifies(req TaskRequirements) bool {
	return subsetOf(req.RequiredSkills, c.Skills) && subsetOf(req.RequiredLanguages, c.Languages)
}

// Score returns how well this set matches req's preferred skills and
// languages, as a simple intersection count. Higher is a better match;
// ties are broken by the caller (fewer assigned tasks, then agent id).
func (c CapabilitySet) Score(req TaskRequirements) int {
	return intersectionCount(req.PreferredSkills, c.Skills) + intersectionCount(req.PreferredLanguages, c.Languages)
}
