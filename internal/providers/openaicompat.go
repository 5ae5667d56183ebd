package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/openmates/core/internal/retry"
	"github.com/openmates/core/pkg/models"
)

// OpenAICompat implements ChatProvider for every API speaking the
// OpenAI chat-completions dialect. OpenAI itself, Mistral, and Groq all
// run through this adapter with different base URLs.
type OpenAICompat struct {
	name   string
	client *openai.Client
}

// Known base URLs for the OpenAI-compatible providers.
const (
	MistralBaseURL = "https://api.mistral.ai/v1"
	GroqBaseURL    = "https://api.groq.com/openai/v1"
)

// NewOpenAICompat creates an adapter for an OpenAI-compatible endpoint.
// An empty baseURL targets OpenAI's own API.
func NewOpenAICompat(name, apiKey, baseURL string) *OpenAICompat {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompat{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
	}
}

// Name returns the provider identifier used for routing and metrics.
func (p *OpenAICompat) Name() string { return p.name }

func (p *OpenAICompat) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.ModelID,
		Messages:    p.convertMessages(req),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		out.Tools = p.convertTools(req.Tools)
		out.ToolChoice = p.convertToolChoice(req.ToolChoice, req.Tools)
	}
	return out
}

func (p *OpenAICompat) convertMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		converted := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.ArgumentsRaw,
				},
			})
		}
		if msg.Role == models.RoleTool {
			converted.ToolCallID = msg.ToolCallID
		}
		out = append(out, converted)
	}
	return out
}

func (p *OpenAICompat) convertTools(tools []ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return out
}

// convertToolChoice maps the canonical tool_choice into the OpenAI
// dialect. "required" is resolved to a pinned tool so that providers with
// looser "any" semantics behave identically.
func (p *OpenAICompat) convertToolChoice(tc ToolChoice, tools []ToolDef) any {
	tc = tc.pin(tools)
	switch tc.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceSpecific:
		return openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: tc.Name},
		}
	default:
		return "auto"
	}
}

// Chat performs a non-streaming completion with transport retries.
func (p *OpenAICompat) Chat(ctx context.Context, req *Request) (*UnifiedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return p.wrapError(req.ModelID, err).Fault()
		}
		return nil
	})
	if result.Err != nil {
		return &UnifiedResponse{Success: false, Error: p.wrapError(req.ModelID, result.Err)}, nil
	}
	if len(resp.Choices) == 0 {
		return &UnifiedResponse{
			Success: false,
			Error: &Error{
				Reason: ReasonUnknown, Provider: p.name, Model: req.ModelID,
				Message: "response contained no choices",
			},
			Raw: resp,
		}, nil
	}

	choice := resp.Choices[0]
	unified := &UnifiedResponse{
		Success: true,
		Text:    choice.Message.Content,
		Usage: &models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Raw: resp,
	}
	for _, tc := range choice.Message.ToolCalls {
		call := models.ToolCall{
			ID:           tc.ID,
			Name:         tc.Function.Name,
			ArgumentsRaw: tc.Function.Arguments,
		}
		call.ParseArguments()
		unified.ToolCalls = append(unified.ToolCalls, call)
	}
	return unified, nil
}

// ChatStream opens a streaming completion. The connection itself is
// retried; once open, failures surface as a terminal StreamError event.
func (p *OpenAICompat) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)

	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	result := retry.Do(streamCtx, retry.DefaultConfig(), func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(streamCtx, chatReq)
		if err != nil {
			return p.wrapError(req.ModelID, err).Fault()
		}
		return nil
	})
	if result.Err != nil {
		cancel()
		return nil, p.wrapError(req.ModelID, result.Err).Fault()
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()
		defer stream.Close()
		p.processStream(streamCtx, stream, req.ModelID, events)
	}()
	return events, nil
}

// processStream converts the provider's delta stream into canonical
// events, reassembling tool calls across fragments. A tool call is
// finalized when a new call id starts at its index, when finish_reason
// reports tool_calls, or when text arrives while a buffer is open (the
// interruption case: partials are flushed best-effort before the text).
func (p *OpenAICompat) processStream(ctx context.Context, stream *openai.ChatCompletionStream, model string, events chan<- StreamEvent) {
	open := make(map[int]*models.ToolCall)
	var order []int
	var usage *models.Usage

	send := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	finalize := func(idx int) bool {
		call, ok := open[idx]
		if !ok {
			return true
		}
		delete(open, idx)
		for i, v := range order {
			if v == idx {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		call.ParseArguments()
		return send(ToolCallFinal{Call: *call})
	}

	finalizeAll := func() bool {
		pending := append([]int(nil), order...)
		sort.Ints(pending)
		for _, idx := range pending {
			if !finalize(idx) {
				return false
			}
		}
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !finalizeAll() {
					return
				}
				if usage != nil {
					if !send(UsageInfo{Usage: *usage}) {
						return
					}
				}
				send(StreamEnd{})
				return
			}
			send(StreamError{Err: p.wrapError(model, err).Fault()})
			return
		}

		if response.Usage != nil {
			usage = &models.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
				TotalTokens:  response.Usage.TotalTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			// Text while tool-call buffers are open counts as an
			// interruption: flush the partials, then the text.
			if len(open) > 0 && !finalizeAll() {
				return
			}
			if !send(TextDelta{Text: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if existing, ok := open[idx]; ok && tc.ID != "" && tc.ID != existing.ID {
				if !finalize(idx) {
					return
				}
			}
			call, ok := open[idx]
			if !ok {
				call = &models.ToolCall{}
				open[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.ArgumentsRaw += tc.Function.Arguments
			}
			if !send(ToolCallDelta{CallID: call.ID, Name: tc.Function.Name, ArgsFragment: tc.Function.Arguments}) {
				return
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !finalizeAll() {
				return
			}
		}
	}
}

func (p *OpenAICompat) wrapError(model string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := wrapErr(p.name, model, apiErr.HTTPStatusCode, err)
		e.Message = apiErr.Message
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		e := wrapErr(p.name, model, reqErr.HTTPStatusCode, err)
		e.Message = fmt.Sprintf("request failed: %v", reqErr.Err)
		return e
	}
	return wrapErr(p.name, model, 0, err)
}
