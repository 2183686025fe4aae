package core

import (
	"encoding/json"
	"fmt"
)

// Block represents a polymorphic segment of assistant output. Concrete block
// types implement the unexported isBlock marker enabling a closed set.
type Block interface{ isBlock() }

// TextBlock is a plain text segment of an assistant message.
type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) isBlock() {}

// ThinkingBlock is an extended-reasoning segment. Providers that do not emit
// thinking simply never produce one.
type ThinkingBlock struct {
	Thinking string `json:"thinking"`
}

func (ThinkingBlock) isBlock() {}

// ToolUseBlock records a tool invocation requested by the model. Arguments is
// the raw serialized argument payload as streamed by the provider.
// Interrupted marks an in-flight call that was cancelled before a result
// arrived; persisted history must never end mid-block, so interruption is
// recorded on the block itself.
type ToolUseBlock struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
}

func (ToolUseBlock) isBlock() {}

// blockEnvelope is the wire shape of a block: the concrete fields plus a
// discriminating "type" tag.
type blockEnvelope struct {
	Type        string          `json:"type"`
	Text        string          `json:"text,omitempty"`
	Thinking    string          `json:"thinking,omitempty"`
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Interrupted bool            `json:"interrupted,omitempty"`
}

// Blocks is an ordered list of content blocks with tagged-union JSON encoding.
type Blocks []Block

// MarshalJSON encodes each block with its discriminating type tag.
func (bs Blocks) MarshalJSON() ([]byte, error) {
	out := make([]blockEnvelope, 0, len(bs))
	for _, b := range bs {
		switch v := b.(type) {
		case TextBlock:
			out = append(out, blockEnvelope{Type: "text", Text: v.Text})
		case ThinkingBlock:
			out = append(out, blockEnvelope{Type: "thinking", Thinking: v.Thinking})
		case ToolUseBlock:
			out = append(out, blockEnvelope{
				Type:        "tool_use",
				ID:          v.ID,
				Name:        v.Name,
				Arguments:   v.Arguments,
				Interrupted: v.Interrupted,
			})
		default:
			return nil, fmt.Errorf("unknown block type %T", b)
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a tagged-union block array, rejecting unknown tags.
func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var envelopes []blockEnvelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return err
	}
	blocks := make(Blocks, 0, len(envelopes))
	for _, e := range envelopes {
		switch e.Type {
		case "text":
			blocks = append(blocks, TextBlock{Text: e.Text})
		case "thinking":
			blocks = append(blocks, ThinkingBlock{Thinking: e.Thinking})
		case "tool_use":
			blocks = append(blocks, ToolUseBlock{
				ID:          e.ID,
				Name:        e.Name,
				Arguments:   e.Arguments,
				Interrupted: e.Interrupted,
			})
		default:
			return fmt.Errorf("unknown block type %q", e.Type)
		}
	}
	*bs = blocks
	return nil
}

// ToolUses returns the tool_use blocks in order.
func (bs Blocks) ToolUses() []ToolUseBlock {
	var uses []ToolUseBlock
	for _, b := range bs {
		if tu, ok := b.(ToolUseBlock); ok {
			uses = append(uses, tu)
		}
	}
	return uses
}

// Text concatenates the plain text segments.
func (bs Blocks) Text() string {
	var out string
	for _, b := range bs {
		if t, ok := b.(TextBlock); ok {
			out += t.Text
		}
	}
	return out
}
