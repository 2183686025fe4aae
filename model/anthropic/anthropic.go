// Package anthropic adapts the Anthropic Messages API to the stream contract.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/model"
)

// Options configures the Anthropic adapter.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Adapter wraps the Anthropic Messages API behind model.Streamer.
type Adapter struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic adapter using the official client.
func New(optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)
	return &Adapter{client: &client, opts: opts}
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{client: client, opts: opts}
}

// Provider identifies the usage semantics of this adapter.
func (a *Adapter) Provider() core.Provider { return core.ProviderAnthropic }

// Stream runs one request and replays the response as stream events. Usage
// arrives in StreamDone before the channel closes, so the tracker caches
// normalized tokens before any tool executes.
func (a *Adapter) Stream(ctx context.Context, req model.Request) <-chan core.StreamEvent {
	out := make(chan core.StreamEvent, 32)

	go func() {
		defer close(out)

		params := anthropic.MessageNewParams{
			Model:       a.opts.Model,
			Messages:    buildMessages(req.Messages),
			MaxTokens:   a.opts.MaxTokens,
			Temperature: anthropic.Float(a.opts.Temperature),
		}
		if req.System != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.System}}
		}

		out <- core.StreamStart{Turn: req.Turn}

		resp, err := a.client.Messages.New(ctx, params)
		if err != nil {
			out <- core.StreamError{Err: fmt.Errorf("anthropic api error: %w", err)}
			return
		}

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text := block.AsText()
				if text.Text != "" {
					out <- core.TextDelta{Text: text.Text}
				}
			case "thinking":
				thinking := block.AsThinking()
				if thinking.Thinking != "" {
					out <- core.ThinkingDelta{Text: thinking.Thinking}
				}
			case "tool_use":
				tool := block.AsToolUse()
				args := ""
				if tool.Input != nil {
					if raw, err := json.Marshal(tool.Input); err == nil {
						args = string(raw)
					}
				}
				out <- core.ToolCallDelta{ID: tool.ID, Name: tool.Name, ArgumentsPart: args}
				out <- core.ToolCallEnd{ID: tool.ID}
			}
		}

		stopReason := "end_turn"
		if resp.StopReason != "" {
			stopReason = string(resp.StopReason)
		}
		usage := UsageFromSDK(resp.Usage)
		out <- core.StreamDone{StopReason: stopReason, Usage: &usage}
	}()

	return out
}

// UsageFromSDK maps the SDK's usage report into the neutral form. Anthropic
// reports input, cache reads, and cache creation as disjoint buckets.
func UsageFromSDK(u anthropic.Usage) core.Usage {
	return core.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func buildMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}
