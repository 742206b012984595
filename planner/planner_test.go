package planner

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/registry"
)

func surface(names ...string) []registry.CapabilitySummary {
	out := make([]registry.CapabilitySummary, 0, len(names))
	for _, n := range names {
		out = append(out, registry.CapabilitySummary{
			Name:      n,
			AgentType: "agent",
			Input:     core.SchemaDescriptor{Kind: core.SchemaAny},
			Output:    core.SchemaDescriptor{Kind: core.SchemaAny},
		})
	}
	return out
}

func TestStatic_EmitsFixedStepsWithTaskPayload(t *testing.T) {
	task := core.NewTaskDelegation("ask", json.RawMessage(`{"q":"x"}`))
	steps, err := Static("a.run", "b.run").Plan(context.Background(), task, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Capability != "a.run" || steps[1].Capability != "b.run" {
		t.Fatalf("unexpected capabilities: %+v", steps)
	}
	if string(steps[0].Payload) != `{"q":"x"}` {
		t.Fatalf("payload not propagated: %s", steps[0].Payload)
	}
}

func TestFanOut_CoversWholeSurface(t *testing.T) {
	task := core.NewTaskDelegation("ask", nil)
	steps, err := FanOut().Plan(context.Background(), task, surface("a.run", "b.run", "c.run"))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(steps))
	}
}

func TestParseSteps_AcceptsFencedCompletion(t *testing.T) {
	text := "Here is the plan:\n```json\n[{\"capability\": \"a.run\", \"payload\": {\"q\": 1}}]\n```"
	steps, err := ParseSteps(text, surface("a.run"))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 1 || steps[0].Capability != "a.run" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
}

func TestParseSteps_EmptyPlan(t *testing.T) {
	steps, err := ParseSteps("[]", surface("a.run"))
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 0 {
		t.Fatalf("expected empty plan, got %+v", steps)
	}
}

func TestParseSteps_RejectsUnknownCapability(t *testing.T) {
	_, err := ParseSteps(`[{"capability": "made.up"}]`, surface("a.run"))
	if err == nil {
		t.Fatal("expected error for hallucinated capability")
	}
}

func TestParseSteps_RejectsProseWithoutArray(t *testing.T) {
	_, err := ParseSteps("I cannot plan this.", surface("a.run"))
	if err == nil {
		t.Fatal("expected error for completion without a plan array")
	}
}

func TestBuildUserPrompt_ListsCapabilities(t *testing.T) {
	prompt := BuildUserPrompt(json.RawMessage(`{"q":"x"}`), surface("a.run", "b.run"))
	for _, want := range []string{"a.run", "b.run", `{"q":"x"}`} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
