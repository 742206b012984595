// Package openai provides an LLM-backed planner using the OpenAI Chat
// Completions API. The model receives the routable capability surface and the
// request payload and answers with a JSON delegation plan.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/planner"
	"github.com/hupe1980/agentbus/registry"
)

// Options configure the OpenAI planner adapter. Fields mirror a subset of
// Chat Completion parameters intentionally kept minimal; extend via
// functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Planner derives delegation plans with the OpenAI Chat Completions API.
type Planner struct {
	client *openai.Client
	opts   Options
}

var _ planner.Planner = (*Planner)(nil)

// NewPlanner creates a new OpenAI planner using the official client.
func NewPlanner(optFns ...func(o *Options)) *Planner {
	client := openai.NewClient()
	return NewPlannerFromClient(&client, optFns...)
}

// NewPlannerFromClient creates a new OpenAI planner from an existing client.
func NewPlannerFromClient(client *openai.Client, optFns ...func(o *Options)) *Planner {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Planner{client: client, opts: opts}
}

// Plan implements planner.Planner.
func (p *Planner) Plan(ctx context.Context, task core.TaskDelegation, capabilities []registry.CapabilitySummary) ([]planner.Step, error) {
	if len(capabilities) == 0 {
		return nil, nil
	}

	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.opts.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(planner.SystemPrompt),
			openai.UserMessage(planner.BuildUserPrompt(task.Payload, capabilities)),
		},
		Temperature:         openai.Float(p.opts.Temperature),
		MaxCompletionTokens: openai.Int(p.opts.MaxCompletionTokens),
	})
	if err != nil {
		return nil, core.Transient(fmt.Errorf("openai api error: %w", err))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices returned")
	}
	return planner.ParseSteps(resp.Choices[0].Message.Content, capabilities)
}
