package core

// StreamEvent is one element of the provider-agnostic streaming feed. The set
// is closed: the turn engine switches exhaustively over these variants, so a
// new provider capability means a new variant here, not a side channel.
type StreamEvent interface{ isStreamEvent() }

// StreamStart opens a turn. Turn numbers are assigned by the caller and are
// strictly increasing within one agent run.
type StreamStart struct {
	Turn int
}

func (StreamStart) isStreamEvent() {}

// TextDelta carries an incremental piece of assistant text.
type TextDelta struct {
	Text string
}

func (TextDelta) isStreamEvent() {}

// ThinkingDelta carries an incremental piece of extended reasoning.
type ThinkingDelta struct {
	Text string
}

func (ThinkingDelta) isStreamEvent() {}

// ToolCallDelta carries an incremental fragment of a streamed tool call. The
// first delta for an ID establishes the call; later deltas append argument
// fragments.
type ToolCallDelta struct {
	ID            string
	Name          string
	ArgumentsPart string
}

func (ToolCallDelta) isStreamEvent() {}

// ToolCallEnd closes a streamed tool call; its arguments are complete.
type ToolCallEnd struct {
	ID string
}

func (ToolCallEnd) isStreamEvent() {}

// StreamDone closes the response. Usage is the provider's raw report for the
// whole response and arrives before any tool executes.
type StreamDone struct {
	StopReason string
	Usage      *Usage
}

func (StreamDone) isStreamEvent() {}

// StreamError reports a provider-side failure. The turn engine records it as
// an ordinary event; it is not a store-level error.
type StreamError struct {
	Err error
}

func (StreamError) isStreamEvent() {}
