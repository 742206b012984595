package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hupe1980/agentbus/registry"
)

// SystemPrompt is the instruction shared by the LLM-backed planners in the
// anthropic and openai subpackages. The model sees the routable capability
// surface and must answer with a JSON plan only.
const SystemPrompt = `You are a task planner for a multi-agent system.
Given a request and a list of available capabilities, decide which capabilities
to invoke and with what input. Respond with a JSON array only, no prose:
[{"capability": "<name>", "payload": <json input>}]
Use only listed capability names. Return [] when no delegation is needed.`

// BuildUserPrompt renders the request payload and the capability surface into
// the user turn for an LLM planner.
func BuildUserPrompt(payload json.RawMessage, capabilities []registry.CapabilitySummary) string {
	var b strings.Builder
	b.WriteString("Available capabilities:\n")
	for _, c := range capabilities {
		input, _ := json.Marshal(c.Input)
		fmt.Fprintf(&b, "- %s (agent %s, input schema %s)\n", c.Name, c.AgentType, input)
	}
	b.WriteString("\nRequest:\n")
	if len(payload) > 0 {
		b.Write(payload)
	} else {
		b.WriteString("null")
	}
	b.WriteString("\n\nPlan:")
	return b.String()
}

// ParseSteps extracts and validates a plan from an LLM completion. The text
// may wrap the JSON array in code fences or prose; the first top-level array
// is used. Steps naming capabilities outside the routable surface are
// rejected rather than silently dropped, so planner hallucinations surface as
// errors instead of missing work.
func ParseSteps(text string, capabilities []registry.CapabilitySummary) ([]Step, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no plan array in completion: %q", truncate(text, 120))
	}

	var steps []Step
	if err := json.Unmarshal([]byte(text[start:end+1]), &steps); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}

	known := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		known[c.Name] = struct{}{}
	}
	for _, s := range steps {
		if s.Capability == "" {
			return nil, fmt.Errorf("plan step without capability")
		}
		if _, ok := known[s.Capability]; !ok {
			return nil, fmt.Errorf("plan references unknown capability %s", s.Capability)
		}
	}
	return steps, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
