// Package providers adapts heterogeneous LLM APIs behind one interface
// producing a canonical response type and a canonical stream event sum
// type. New providers are added by implementing ChatProvider, never by
// branching in the orchestrator.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openmates/core/pkg/models"
)

// ErrNoToolCall is returned by callers that required a tool call and
// received plain text instead.
var ErrNoToolCall = errors.New("provider returned no tool call")

const (
	// chatTimeout bounds one non-streaming provider call.
	chatTimeout = 120 * time.Second

	// streamTimeout bounds one whole provider stream.
	streamTimeout = 180 * time.Second
)

// ToolChoiceMode is the canonical tool_choice value; adapters map it into
// each provider's dialect.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceSpecific ToolChoiceMode = "specific"
)

// ToolChoice selects how the model may use the offered tools.
type ToolChoice struct {
	Mode ToolChoiceMode

	// Name pins a specific tool when Mode is ToolChoiceSpecific.
	Name string
}

// pin resolves the canonical "required" semantics: with exactly one tool
// offered the call is pinned to it; with multiple tools it is pinned to
// the first. Providers without a native "required" dialect call this to
// turn required into a specific pin.
func (tc ToolChoice) pin(tools []ToolDef) ToolChoice {
	if tc.Mode != ToolChoiceRequired || len(tools) == 0 {
		return tc
	}
	return ToolChoice{Mode: ToolChoiceSpecific, Name: tools[0].Name}
}

// ToolDef is one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool arguments.
	Parameters json.RawMessage
}

// Request is the provider-independent chat request.
type Request struct {
	ModelID     string
	System      string
	Messages    []models.Message
	Temperature float32
	MaxTokens   int
	Tools       []ToolDef
	ToolChoice  ToolChoice
}

// UnifiedResponse is the canonical non-streaming result.
type UnifiedResponse struct {
	Success   bool
	Error     *Error
	Text      string
	ToolCalls []models.ToolCall
	Usage     *models.Usage

	// Raw preserves the provider payload for debugging.
	Raw any
}

// StreamEvent is the canonical stream event sum type.
type StreamEvent interface{ streamEvent() }

// TextDelta carries one fragment of assistant text.
type TextDelta struct{ Text string }

// ToolCallDelta carries one fragment of a streamed tool call.
type ToolCallDelta struct {
	CallID       string
	Name         string
	ArgsFragment string
}

// ToolCallFinal carries a fully reassembled tool call. ArgumentsParsed is
// attempted exactly once at finalization.
type ToolCallFinal struct{ Call models.ToolCall }

// UsageInfo reports token counts, emitted at most once near stream end.
type UsageInfo struct{ Usage models.Usage }

// StreamEnd marks successful stream completion.
type StreamEnd struct{}

// StreamError is the terminal event of a failed stream.
type StreamError struct{ Err error }

func (TextDelta) streamEvent()     {}
func (ToolCallDelta) streamEvent() {}
func (ToolCallFinal) streamEvent() {}
func (UsageInfo) streamEvent()     {}
func (StreamEnd) streamEvent()     {}
func (StreamError) streamEvent()   {}

// ChatProvider is the uniform adapter over one LLM API.
//
// Implementations must be safe for concurrent use; each ChatStream call
// owns an independent goroutine and channel, closed when the stream ends.
type ChatProvider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Chat performs a non-streaming completion. Provider failures are
	// reported in UnifiedResponse.Error, not as a Go error; the error
	// return is reserved for invalid requests.
	Chat(ctx context.Context, req *Request) (*UnifiedResponse, error)

	// ChatStream opens a streaming completion. Transport errors after the
	// stream opens arrive as a terminal StreamError event.
	ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
