package skills

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/pkg/models"
)

// One metrics registration per test binary.
var testMetrics = observability.NewMetrics()

type fakeMeter struct {
	mu      sync.Mutex
	metered map[string]int64
	claimed []string
}

func newFakeMeter() *fakeMeter {
	return &fakeMeter{metered: make(map[string]int64)}
}

func (f *fakeMeter) MeterSkill(_ context.Context, m *Manifest, invocationID string, credits int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metered[m.Key()] += credits
	return nil
}

func (f *fakeMeter) ClaimCreatorShare(_ context.Context, invocationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed = append(f.claimed, invocationID)
	return nil
}

func echoManifest(t *testing.T) *Manifest {
	t.Helper()
	return &Manifest{
		AppID:         "web",
		SkillID:       "search",
		Description:   "Search the web.",
		ExecutionMode: ModeInline,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
		Pricing: Pricing{Base: 2},
	}
}

func newTestDispatcher(t *testing.T, manifests ...*Manifest) *Dispatcher {
	t.Helper()
	reg, err := NewRegistryFromManifests(manifests...)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.SkillsConfig{MaxConcurrency: 4, DefaultTimeout: time.Second}
	return NewDispatcher(reg, &Env{}, cfg, testMetrics, nil)
}

func toolCall(id, name, args string) models.ToolCall {
	call := models.ToolCall{ID: id, Name: name, ArgumentsRaw: args}
	call.ParseArguments()
	return call
}

func TestExecuteInline(t *testing.T) {
	d := newTestDispatcher(t, echoManifest(t))
	d.Register("web", "search", HandlerFunc(func(_ context.Context, inv *Invocation) (*Result, error) {
		query := inv.Call.ArgumentsParsed["query"].(string)
		return &Result{Content: "results for " + query}, nil
	}))

	meter := newFakeMeter()
	task := &models.Task{ID: "task-1", UserID: "user-1", ChatID: "chat-1"}
	results, credits := d.Execute(context.Background(), task, meter,
		[]models.ToolCall{toolCall("c1", "web-search", `{"query":"go generics"}`)})

	if len(results) != 1 || results[0].IsError {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Content != "results for go generics" {
		t.Errorf("content = %q", results[0].Content)
	}
	if credits != 2 || meter.metered["web.search"] != 2 {
		t.Errorf("credits = %d, metered = %v", credits, meter.metered)
	}
	if len(meter.claimed) != 0 {
		t.Errorf("claimed creator share without creator_id: %v", meter.claimed)
	}
}

func TestExecuteInvalidArgs(t *testing.T) {
	d := newTestDispatcher(t, echoManifest(t))
	meter := newFakeMeter()
	task := &models.Task{ID: "task-1"}

	results, credits := d.Execute(context.Background(), task, meter,
		[]models.ToolCall{toolCall("c1", "web-search", `{"count":3}`)})

	if !results[0].IsError || !strings.Contains(results[0].Content, "INVALID_ARGS") {
		t.Fatalf("result = %+v", results[0])
	}
	if credits != 0 || len(meter.metered) != 0 {
		t.Errorf("charged for invalid args: %d %v", credits, meter.metered)
	}
}

func TestExecuteMalformedArguments(t *testing.T) {
	d := newTestDispatcher(t, echoManifest(t))
	results, _ := d.Execute(context.Background(), &models.Task{ID: "t"}, nil,
		[]models.ToolCall{toolCall("c1", "web-search", `{"query": trailing`)})
	if !results[0].IsError || !strings.Contains(results[0].Content, "INVALID_ARGS") {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestExecuteUnknownSkill(t *testing.T) {
	d := newTestDispatcher(t, echoManifest(t))
	results, _ := d.Execute(context.Background(), &models.Task{ID: "t"}, nil,
		[]models.ToolCall{toolCall("c1", "web-nope", `{}`)})
	if !results[0].IsError || !strings.Contains(results[0].Content, "UNKNOWN_SKILL") {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestExecutePreservesCallOrder(t *testing.T) {
	slow := echoManifest(t)
	fast := &Manifest{
		AppID:         "code",
		SkillID:       "get_docs",
		Description:   "Docs.",
		ExecutionMode: ModeInline,
		ToolSchema:    map[string]any{"type": "object"},
		Pricing:       Pricing{Base: 1},
	}
	d := newTestDispatcher(t, slow, fast)
	d.Register("web", "search", HandlerFunc(func(ctx context.Context, _ *Invocation) (*Result, error) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &Result{Content: "slow"}, nil
	}))
	d.Register("code", "get_docs", HandlerFunc(func(_ context.Context, _ *Invocation) (*Result, error) {
		return &Result{Content: "fast"}, nil
	}))

	results, credits := d.Execute(context.Background(), &models.Task{ID: "t"}, newFakeMeter(),
		[]models.ToolCall{
			toolCall("c1", "web-search", `{"query":"x"}`),
			toolCall("c2", "code-get_docs", `{}`),
		})

	if results[0].ToolCallID != "c1" || results[0].Content != "slow" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].ToolCallID != "c2" || results[1].Content != "fast" {
		t.Errorf("results[1] = %+v", results[1])
	}
	if credits != 3 {
		t.Errorf("credits = %d, want 3", credits)
	}
}

func TestExecuteInlineTimeout(t *testing.T) {
	m := echoManifest(t)
	m.TimeoutSeconds = 0
	d := newTestDispatcher(t, m)
	d.cfg.DefaultTimeout = 50 * time.Millisecond
	d.Register("web", "search", HandlerFunc(func(ctx context.Context, _ *Invocation) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	results, credits := d.Execute(context.Background(), &models.Task{ID: "t"}, newFakeMeter(),
		[]models.ToolCall{toolCall("c1", "web-search", `{"query":"x"}`)})

	if !results[0].IsError || !strings.Contains(results[0].Content, "TIMEOUT") {
		t.Fatalf("result = %+v", results[0])
	}
	if credits != 0 {
		t.Errorf("charged for timed-out skill: %d", credits)
	}
}

func TestErrorContentShape(t *testing.T) {
	var decoded map[string]string
	if err := json.Unmarshal([]byte(errorContent("TIMEOUT", "deadline")), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["error"] != "TIMEOUT" || decoded["detail"] != "deadline" {
		t.Errorf("decoded = %v", decoded)
	}
}
