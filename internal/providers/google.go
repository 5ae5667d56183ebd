package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/openmates/core/internal/retry"
	"github.com/openmates/core/pkg/models"
)

// Google implements ChatProvider for the Gemini API.
type Google struct {
	client *genai.Client
}

// NewGoogle creates a Gemini adapter.
func NewGoogle(ctx context.Context, apiKey string) (*Google, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, wrapErr("google", "", 0, err).Fault()
	}
	return &Google{client: client}, nil
}

// Name returns the provider identifier.
func (p *Google) Name() string { return "google" }

func (p *Google) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := req.Temperature
		config.Temperature = &temp
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
		config.ToolConfig = p.convertToolChoice(req.ToolChoice, req.Tools)
	}
	return config
}

func (p *Google) convertTools(tools []ToolDef) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: schemaMap,
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertToolChoice maps the canonical tool_choice onto Gemini's
// function-calling config. Required resolves to a pinned allow-list.
func (p *Google) convertToolChoice(tc ToolChoice, tools []ToolDef) *genai.ToolConfig {
	tc = tc.pin(tools)
	switch tc.Mode {
	case ToolChoiceNone:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeNone,
		}}
	case ToolChoiceSpecific:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingConfigModeAny,
			AllowedFunctionNames: []string{tc.Name},
		}}
	default:
		return &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAuto,
		}}
	}
}

// convertMessages maps pipeline messages onto Gemini contents. Tool
// results become function_response parts on the user side.
func (p *Google) convertMessages(messages []models.Message) []*genai.Content {
	var result []*genai.Content
	callNames := make(map[string]string)
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if msg.Role == models.RoleTool {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     functionName(callNames, msg.ToolCallID),
					Response: map[string]any{"content": msg.Content},
				},
			})
			result = append(result, content)
			continue
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			callNames[call.ID] = call.Name
			args := call.ArgumentsParsed
			if args == nil {
				args = map[string]any{}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: call.Name, Args: args},
			})
		}
		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}

// functionName resolves a tool message to the function it answers.
// Gemini correlates responses by function name; the ids only exist
// locally (toolCallID). Unmatched synthesized ids fall back to parsing
// the call_<name>_<suffix> form.
func functionName(callNames map[string]string, callID string) string {
	if name, ok := callNames[callID]; ok {
		return name
	}
	trimmed := strings.TrimPrefix(callID, "call_")
	if trimmed != callID {
		if i := strings.LastIndex(trimmed, "_"); i > 0 {
			return trimmed[:i]
		}
	}
	return callID
}

// toolCallID synthesizes a stable id for Gemini function calls, which do
// not carry one on the wire.
func toolCallID(name string) string {
	return fmt.Sprintf("call_%s_%s", name, uuid.NewString()[:8])
}

// Chat performs a non-streaming completion.
func (p *Google) Chat(ctx context.Context, req *Request) (*UnifiedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	var resp *genai.GenerateContentResponse
	result := retry.Do(ctx, retry.DefaultConfig(), func() error {
		var err error
		resp, err = p.client.Models.GenerateContent(ctx, req.ModelID, contents, config)
		if err != nil {
			return p.wrapError(req.ModelID, err).Fault()
		}
		return nil
	})
	if result.Err != nil {
		return &UnifiedResponse{Success: false, Error: p.wrapError(req.ModelID, result.Err)}, nil
	}

	unified := &UnifiedResponse{Success: true, Raw: resp}
	if resp.UsageMetadata != nil {
		unified.Usage = &models.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	var text strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				argsJSON, err := json.Marshal(part.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				call := models.ToolCall{
					ID:           toolCallID(part.FunctionCall.Name),
					Name:         part.FunctionCall.Name,
					ArgumentsRaw: string(argsJSON),
				}
				call.ParseArguments()
				unified.ToolCalls = append(unified.ToolCalls, call)
			}
		}
	}
	unified.Text = text.String()
	return unified, nil
}

// ChatStream opens a streaming completion. Gemini delivers function
// calls whole, so ToolCallFinal events are emitted directly.
func (p *Google) ChatStream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	streamCtx, cancel := context.WithTimeout(ctx, streamTimeout)

	contents := p.convertMessages(req.Messages)
	config := p.buildConfig(req)

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		defer cancel()

		send := func(ev StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-streamCtx.Done():
				return false
			}
		}

		var usage *models.Usage
		for resp, err := range p.client.Models.GenerateContentStream(streamCtx, req.ModelID, contents, config) {
			if err != nil {
				send(StreamError{Err: p.wrapError(req.ModelID, err).Fault()})
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage = &models.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						if !send(TextDelta{Text: part.Text}) {
							return
						}
					}
					if part.FunctionCall != nil {
						argsJSON, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							argsJSON = []byte("{}")
						}
						call := models.ToolCall{
							ID:           toolCallID(part.FunctionCall.Name),
							Name:         part.FunctionCall.Name,
							ArgumentsRaw: string(argsJSON),
						}
						call.ParseArguments()
						if !send(ToolCallFinal{Call: call}) {
							return
						}
					}
				}
			}
		}
		if usage != nil {
			if !send(UsageInfo{Usage: *usage}) {
				return
			}
		}
		send(StreamEnd{})
	}()

	return events, nil
}

func (p *Google) wrapError(model string, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		e := wrapErr(p.Name(), model, apiErr.Code, err)
		e.Message = apiErr.Message
		return e
	}
	return wrapErr(p.Name(), model, 0, err)
}
