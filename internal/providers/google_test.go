package providers

import (
	"testing"

	"google.golang.org/genai"

	"github.com/openmates/core/pkg/models"
)

func TestGoogleConvertMessagesFunctionResponseName(t *testing.T) {
	call := models.ToolCall{ID: toolCallID("web-search"), Name: "web-search", ArgumentsRaw: `{"query":"go"}`}
	call.ParseArguments()

	p := &Google{}
	contents := p.convertMessages([]models.Message{
		{Role: models.RoleUser, Content: "search go"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
		{Role: models.RoleTool, ToolCallID: call.ID, Content: `{"results":[]}`},
	})

	if len(contents) != 3 {
		t.Fatalf("contents = %d", len(contents))
	}
	assistant := contents[1]
	if assistant.Role != genai.RoleModel || assistant.Parts[0].FunctionCall == nil {
		t.Fatalf("assistant turn = %+v", assistant)
	}
	if assistant.Parts[0].FunctionCall.Name != "web-search" {
		t.Errorf("function call name = %q", assistant.Parts[0].FunctionCall.Name)
	}

	resp := contents[2].Parts[0].FunctionResponse
	if resp == nil {
		t.Fatal("no function response part")
	}
	// The response must carry the function name, not the local call id.
	if resp.Name != "web-search" {
		t.Errorf("function response name = %q", resp.Name)
	}
}

func TestFunctionNameFallbackParsesSynthesizedID(t *testing.T) {
	tests := []struct {
		callID string
		want   string
	}{
		{"call_web-search_ab12cd34", "web-search"},
		{"call_analyze_request_ab12cd34", "analyze_request"},
		{"opaque-id", "opaque-id"},
	}
	for _, tt := range tests {
		if got := functionName(nil, tt.callID); got != tt.want {
			t.Errorf("functionName(%q) = %q, want %q", tt.callID, got, tt.want)
		}
	}
}
