package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocksRoundTripPreservesOrder(t *testing.T) {
	in := Blocks{
		ThinkingBlock{Thinking: "reasoning"},
		TextBlock{Text: "answer"},
		ToolUseBlock{ID: "tc_1", Name: "bash", Arguments: json.RawMessage(`{"cmd":"ls"}`), Interrupted: true},
	}
	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var out Blocks
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out, 3)
	assert.Equal(t, ThinkingBlock{Thinking: "reasoning"}, out[0])
	assert.Equal(t, "answer", out.Text())

	uses := out.ToolUses()
	require.Len(t, uses, 1)
	assert.True(t, uses[0].Interrupted)
	assert.JSONEq(t, `{"cmd":"ls"}`, string(uses[0].Arguments))
}

func TestBlocksRejectUnknownTag(t *testing.T) {
	var out Blocks
	err := json.Unmarshal([]byte(`[{"type":"image","text":"x"}]`), &out)
	assert.Error(t, err)
}

func TestProviderCumulativeContext(t *testing.T) {
	assert.False(t, ProviderAnthropic.CumulativeContext())
	assert.True(t, ProviderOpenAI.CumulativeContext())
	assert.True(t, ProviderCodex.CumulativeContext())
	assert.True(t, ProviderGoogle.CumulativeContext())
}
