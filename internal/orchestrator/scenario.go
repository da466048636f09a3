package orchestrator

// Scenario describes a multi-agent panel as data: a fixed ordered list of
// named roles, each contributing a pass over the conversation, and a
// bound on how many passes the panel runs before aggregation (scenarios
// are data, not per-scenario code).
type Scenario struct {
	Tag           string
	Roles         []string
	MaxIterations int
	SystemPrompt  string
}

// scenarios is the fixed panel registry. New scenarios are added as data
// here, never as new orchestrator code paths.
var scenarios = map[string]Scenario{
	"gamemaster": {
		Tag:           "gamemaster",
		Roles:         []string{"narrator", "world_state", "adjudicator"},
		MaxIterations: 3,
		SystemPrompt:  "You narrate a persistent game world and adjudicate player actions against world state.",
	},
	"research": {
		Tag:           "research",
		Roles:         []string{"researcher", "critic", "synthesizer"},
		MaxIterations: 3,
		SystemPrompt:  "You research a topic from multiple angles and synthesize a cited summary.",
	},
	"development_advisor": {
		Tag:           "development_advisor",
		Roles:         []string{"architect", "reviewer", "advisor"},
		MaxIterations: 3,
		SystemPrompt:  "You advise on software design tradeoffs from independent architectural perspectives.",
	},
}

// defaultScenarioTag is used when a request is routed to multi_agent by
// the complexity threshold rather than an explicit client tag.
const defaultScenarioTag = "research"

// resolveScenario returns the named scenario, falling back to the default
// when tag is empty or unrecognised.
func resolveScenario(tag string) Scenario {
	if tag != "" {
		if s, ok := scenarios[tag]; ok {
			return s
		}
	}
	return scenarios[defaultScenarioTag]
}
