package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/openmates/core/internal/retry"
	"github.com/openmates/core/pkg/models"
)

// defaultAnthropicMaxTokens applies when the request does not set a cap;
// the Anthropic API requires an explicit max_tokens.
const defaultAnthropicMaxTokens = 4096

// Anthropic implements ChatProvider for the Anthropic Messages API.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic adapter.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Name returns the provider identifier.
func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.ModelID),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
		params.ToolChoice = p.convertToolChoice(req.ToolChoice, req.Tools)
	}
	return params, nil
}

// convertMessages maps the pipeline message shape onto Anthropic content
// blocks. Tool-role messages become tool_result blocks on the user side;
// assistant tool calls become tool_use blocks.
func (p *Anthropic) convertMessages(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			// System prompts travel in params.System.
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Role == models.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(
				msg.ToolCallID,
				msg.Content,
				strings.HasPrefix(msg.Content, `{"error"`),
			))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(call.ArgumentsRaw), &input); err != nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func (p *Anthropic) convertTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, &Error{
				Reason: ReasonInvalidRequest, Provider: p.Name(),
				Message: "invalid tool schema for " + tool.Name, Cause: err,
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, &Error{
				Reason: ReasonInvalidRequest, Provider: p.Name(),
				Message: "invalid tool definition for " + tool.Name,
			}
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *Anthropic) convertToolChoice(tc ToolChoice, tools []ToolDef) anthropic.ToolChoiceUnionParam {
	tc = tc.pin(tools)
	switch tc.Mode {
	case ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case ToolChoiceSpecific:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

// Chat performs a non-streaming completion.
func (p *Anthropic) Chat(ctx context.Context, req *Request) (*UnifiedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	var message *anthropic.Message
	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var callErr error
		message, callErr = p.client.Messages.New(ctx, params)
		if callErr != nil {
			return p.wrapError(req.ModelID, callErr).Fault()
		}
		return nil
	})
	if result.Err != nil {
		return &UnifiedResponse{Success: false, Error: p.wrapError(req.ModelID, result.Err)}, nil
	}

	unified := &UnifiedResponse{
		Success: true,
		Usage: &models.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
			TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
		Raw: message,
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			toolUse := block.AsToolUse()
			call := models.ToolCall{
				ID:           toolUse.ID,
				Name:         toolUse.Name,
				ArgumentsRaw: string(toolUse.Input),
			}
			call.ParseArguments()
			unified.ToolCalls = append(unified.ToolCalls, call)
		}
	}
	unified.Text = text.String()
	return unified, nil
}

// ChatStream opens a streaming completion against the Messages API.
func (p *Anthropic) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)

	params, err := p.buildParams(req)
	if err != nil {
		cancel()
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(streamCtx, params)
	events := make(chan StreamEvent)

	go func() {
		defer close(events)
		defer cancel()
		defer stream.Close()

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		}

		var currentCall *models.ToolCall
		var currentInput strings.Builder
		var usage models.Usage

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				start := event.AsMessageStart()
				usage.InputTokens = int(start.Message.Usage.InputTokens)

			case "content_block_start":
				blockStart := event.AsContentBlockStart()
				if blockStart.ContentBlock.Type == "tool_use" {
					toolUse := blockStart.ContentBlock.AsToolUse()
					currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
					currentInput.Reset()
					if !send(ToolCallDelta{CallID: toolUse.ID, Name: toolUse.Name}) {
						return
					}
				}

			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !send(TextDelta{Text: delta.Text}) {
						return
					}
				case "input_json_delta":
					if delta.PartialJSON != "" {
						currentInput.WriteString(delta.PartialJSON)
						if currentCall != nil && !send(ToolCallDelta{CallID: currentCall.ID, ArgsFragment: delta.PartialJSON}) {
							return
						}
					}
				}

			case "content_block_stop":
				if currentCall != nil {
					currentCall.ArgumentsRaw = currentInput.String()
					currentCall.ParseArguments()
					if !send(ToolCallFinal{Call: *currentCall}) {
						return
					}
					currentCall = nil
				}

			case "message_delta":
				msgDelta := event.AsMessageDelta()
				if msgDelta.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(msgDelta.Usage.OutputTokens)
				}

			case "message_stop":
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				if !send(UsageInfo{Usage: usage}) {
					return
				}
				send(StreamEnd{})
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(StreamError{Err: p.wrapError(req.ModelID, err).Fault()})
			return
		}
		// Stream ended without message_stop: still report usage and end.
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		if send(UsageInfo{Usage: usage}) {
			send(StreamEnd{})
		}
	}()

	return events, nil
}

func (p *Anthropic) wrapError(model string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		e := wrapErr(p.Name(), model, apiErr.StatusCode, err)
		return e
	}
	return wrapErr(p.Name(), model, 0, err)
}
