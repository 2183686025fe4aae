// Package openai adapts the OpenAI Chat Completions API (streaming, with
// tool calling) to the stream contract.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"

	"github.com/grovekit/grove/core"
	"github.com/grovekit/grove/model"
)

// Options configures the OpenAI adapter.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Adapter wraps the OpenAI Chat Completions API behind model.Streamer.
type Adapter struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI adapter using the official client.
func New(optFns ...func(o *Options)) *Adapter {
	client := openai.NewClient()
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an adapter from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Adapter {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Adapter{client: client, opts: opts}
}

// Provider identifies the usage semantics of this adapter. OpenAI reports the
// full context window in prompt tokens (cumulative).
func (a *Adapter) Provider() core.Provider { return core.ProviderOpenAI }

// Stream runs one streaming completion, forwarding deltas as they arrive.
// The final usage report is requested via stream options so StreamDone can
// carry it.
func (a *Adapter) Stream(ctx context.Context, req model.Request) <-chan core.StreamEvent {
	out := make(chan core.StreamEvent, 32)

	go func() {
		defer close(out)

		params := openai.ChatCompletionNewParams{
			Messages:            buildMessages(req),
			Model:               a.opts.Model,
			Temperature:         openai.Float(a.opts.Temperature),
			MaxCompletionTokens: openai.Int(a.opts.MaxCompletionTokens),
			StreamOptions: openai.ChatCompletionStreamOptionsParam{
				IncludeUsage: openai.Bool(true),
			},
		}

		out <- core.StreamStart{Turn: req.Turn}

		stream := a.client.Chat.Completions.NewStreaming(ctx, params)
		var (
			stopReason string
			usage      core.Usage
			calls      = newCallRegistry()
		)
		for stream.Next() {
			chunk := stream.Current()
			if chunk.Usage.TotalTokens > 0 {
				usage = UsageFromSDK(chunk.Usage)
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					out <- core.TextDelta{Text: choice.Delta.Content}
				}
				for _, tc := range choice.Delta.ToolCalls {
					out <- core.ToolCallDelta{
						ID:            calls.register(tc.Index, tc.ID),
						Name:          tc.Function.Name,
						ArgumentsPart: tc.Function.Arguments,
					}
				}
				if choice.FinishReason != "" {
					stopReason = choice.FinishReason
					for _, id := range calls.order {
						out <- core.ToolCallEnd{ID: id}
					}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- core.StreamError{Err: fmt.Errorf("openai streaming error: %w", err)}
			return
		}

		out <- core.StreamDone{StopReason: stopReason, Usage: &usage}
	}()

	return out
}

// callRegistry tracks streamed tool call ids in arrival order. The first
// delta for a stream index carries the id; later deltas carry only the index,
// and ToolCallEnd events must go out in the order the calls appeared.
type callRegistry struct {
	byIndex map[int64]string
	order   []string
}

func newCallRegistry() *callRegistry {
	return &callRegistry{byIndex: map[int64]string{}}
}

// register records the id for a stream index (first delta only) and returns
// the id the index resolves to.
func (c *callRegistry) register(index int64, id string) string {
	if id != "" {
		if _, ok := c.byIndex[index]; !ok {
			c.order = append(c.order, id)
		}
		c.byIndex[index] = id
	}
	return c.byIndex[index]
}

// UsageFromSDK maps the SDK's usage report into the neutral form. Prompt
// tokens already cover the full context window; cached tokens are the subset
// served from cache.
func UsageFromSDK(u openai.CompletionUsage) core.Usage {
	return core.Usage{
		InputTokens:     u.PromptTokens,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: u.PromptTokensDetails.CachedTokens,
	}
}

func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}
