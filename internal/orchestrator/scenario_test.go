package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveScenario_KnownTag(t *testing.T) {
	s := resolveScenario("gamemaster")
	assert.Equal(t, "gamemaster", s.Tag)
	assert.Equal(t, []string{"narrator", "world_state", "adjudicator"}, s.Roles)
}

func TestResolveScenario_UnknownTagFallsBackToDefault(t *testing.T) {
	s := resolveScenario("not_a_real_scenario")
	assert.Equal(t, defaultScenarioTag, s.Tag)
}

func TestResolveScenario_EmptyTagFallsBackToDefault(t *testing.T) {
	s := resolveScenario("")
	assert.Equal(t, defaultScenarioTag, s.Tag)
}

func TestScenarios_AllHaveRolesAndPrompts(t *testing.T) {
	for tag, s := range scenarios {
		assert.NotEmpty(t, s.Roles, "scenario %s has no roles", tag)
		assert.NotEmpty(t, s.SystemPrompt, "scenario %s has no system prompt", tag)
	}
}
