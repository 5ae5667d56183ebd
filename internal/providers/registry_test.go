package providers

import (
	"context"
	"testing"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
)

// stubProvider satisfies ChatProvider for registry routing tests.
type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Chat(context.Context, *Request) (*UnifiedResponse, error) {
	return &UnifiedResponse{Success: true}, nil
}
func (s stubProvider) ChatStream(context.Context, *Request) (<-chan StreamEvent, error) {
	ch := make(chan StreamEvent)
	close(ch)
	return ch, nil
}

func newTestRegistry() *Registry {
	return NewRegistryFromClients(
		map[string]ChatProvider{
			"mistral": stubProvider{name: "mistral"},
			"groq":    stubProvider{name: "groq"},
		},
		map[string]config.ModelRef{
			TierPreprocess: {Provider: "mistral", ModelID: "mistral-small-latest"},
			TierBalanced:   {Provider: "mistral", ModelID: "mistral-large-latest"},
			TierFast:       {Provider: "groq", ModelID: "llama-3.3-70b"},
		},
	)
}

func TestForTier(t *testing.T) {
	reg := newTestRegistry()
	client, modelID, err := reg.ForTier(TierFast)
	if err != nil {
		t.Fatalf("ForTier: %v", err)
	}
	if client.Name() != "groq" || modelID != "llama-3.3-70b" {
		t.Errorf("got %s/%s", client.Name(), modelID)
	}
}

func TestForTierUnknownFallsBackToBalanced(t *testing.T) {
	reg := newTestRegistry()
	client, modelID, err := reg.ForTier("galaxy-brain")
	if err != nil {
		t.Fatalf("ForTier: %v", err)
	}
	if client.Name() != "mistral" || modelID != "mistral-large-latest" {
		t.Errorf("got %s/%s", client.Name(), modelID)
	}
}

func TestForTierNoBalancedFallback(t *testing.T) {
	reg := NewRegistryFromClients(map[string]ChatProvider{}, map[string]config.ModelRef{})
	_, _, err := reg.ForTier("fast")
	if !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
}

func TestGetUnknownProvider(t *testing.T) {
	reg := newTestRegistry()
	if _, err := reg.Get("anthropic"); !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
}

func TestToolChoicePin(t *testing.T) {
	tools := []ToolDef{{Name: "analyze_request"}, {Name: "other"}}

	pinned := ToolChoice{Mode: ToolChoiceRequired}.pin(tools)
	if pinned.Mode != ToolChoiceSpecific || pinned.Name != "analyze_request" {
		t.Errorf("pinned = %+v", pinned)
	}

	auto := ToolChoice{Mode: ToolChoiceAuto}.pin(tools)
	if auto.Mode != ToolChoiceAuto {
		t.Errorf("auto changed: %+v", auto)
	}

	empty := ToolChoice{Mode: ToolChoiceRequired}.pin(nil)
	if empty.Mode != ToolChoiceRequired {
		t.Errorf("pin with no tools changed mode: %+v", empty)
	}
}
