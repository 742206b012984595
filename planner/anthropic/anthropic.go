// Package anthropic provides an LLM-backed planner using the Anthropic
// Messages API. The model receives the routable capability surface and the
// request payload and answers with a JSON delegation plan.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hupe1980/agentbus/core"
	"github.com/hupe1980/agentbus/planner"
	"github.com/hupe1980/agentbus/registry"
)

// Options configures the Anthropic planner adapter (model id, temperature,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Planner derives delegation plans with the Anthropic Messages API.
type Planner struct {
	client *anthropic.Client
	opts   Options
}

var _ planner.Planner = (*Planner)(nil)

// NewPlanner creates a new Anthropic planner using the official client.
func NewPlanner(optFns ...func(o *Options)) *Planner {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Planner{client: &client, opts: opts}
}

// NewPlannerFromClient creates a new Anthropic planner from an existing client.
func NewPlannerFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Planner {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.2,
		MaxTokens:   1024,
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

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       p.opts.Model,
		MaxTokens:   p.opts.MaxTokens,
		Temperature: anthropic.Float(p.opts.Temperature),
		System: []anthropic.TextBlockParam{
			{Text: planner.SystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(planner.BuildUserPrompt(task.Payload, capabilities))),
		},
	})
	if err != nil {
		return nil, core.Transient(fmt.Errorf("anthropic api error: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return planner.ParseSteps(text.String(), capabilities)
}
