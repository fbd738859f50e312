package conversation

import (
	"context"

	"github.com/wolfman30/arch2code/internal/chat"
)

// DefaultMaxTokens caps every generation.
const DefaultMaxTokens int32 = 4000

// InvokeRequest is one model call.
type InvokeRequest struct {
	ModelID   string
	System    string
	Messages  []chat.Message
	Inference chat.InferenceParameters
	MaxTokens int32
}

type TokenUsage struct {
	InputTokens  int32 `json:"input_tokens"`
	OutputTokens int32 `json:"output_tokens"`
	TotalTokens  int32 `json:"total_tokens"`
}

// Result is the outcome of a completed stream.
type Result struct {
	Text       string
	Usage      TokenUsage
	StopReason string
	// Attempts counts stream attempts including retries.
	Attempts int
	Provider string
}

// Sink receives the full text accumulated so far each time a delta arrives.
// Updates replace what was shown before; a retried call starts again from
// an empty accumulator.
type Sink interface {
	Update(text string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(text string)

func (f SinkFunc) Update(text string) { f(text) }

// Discard drops every update.
var Discard Sink = SinkFunc(func(string) {})

// Invoker streams a model response.
type Invoker interface {
	Stream(ctx context.Context, req InvokeRequest, sink Sink) (Result, error)
}

func sinkOrDiscard(s Sink) Sink {
	if s == nil {
		return Discard
	}
	return s
}
