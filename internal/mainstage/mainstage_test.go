package mainstage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/providers"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/pkg/models"
)

var testMetrics = observability.NewMetrics()

// scriptedProvider replays one event script per ChatStream call.
type scriptedProvider struct {
	scripts  [][]providers.StreamEvent
	openErrs []error
	calls    int
	requests []*providers.Request
}

func (f *scriptedProvider) Name() string { return "fake" }

func (f *scriptedProvider) Chat(context.Context, *providers.Request) (*providers.UnifiedResponse, error) {
	panic("not used")
}

func (f *scriptedProvider) ChatStream(_ context.Context, req *providers.Request) (<-chan providers.StreamEvent, error) {
	call := f.calls
	f.calls++
	f.requests = append(f.requests, req)
	if call < len(f.openErrs) && f.openErrs[call] != nil {
		return nil, f.openErrs[call]
	}
	script := f.scripts[call]
	events := make(chan providers.StreamEvent)
	go func() {
		defer close(events)
		for _, ev := range script {
			events <- ev
		}
	}()
	return events, nil
}

func textEvents(text string) []providers.StreamEvent {
	return []providers.StreamEvent{
		providers.TextDelta{Text: text},
		providers.UsageInfo{Usage: models.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		providers.StreamEnd{},
	}
}

func searchManifest(t *testing.T) *skills.Manifest {
	t.Helper()
	return &skills.Manifest{
		AppID:         "web",
		SkillID:       "search",
		Description:   "Search the web.",
		ExecutionMode: skills.ModeInline,
		ToolSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
		Pricing: skills.Pricing{Base: 2},
	}
}

func newTestStage(t *testing.T, fake *scriptedProvider, manifests ...*skills.Manifest) (*Stage, *skills.Dispatcher) {
	t.Helper()
	registry := providers.NewRegistryFromClients(
		map[string]providers.ChatProvider{"fake": fake},
		map[string]config.ModelRef{
			providers.TierFast:     {Provider: "fake", ModelID: "fast-1"},
			providers.TierBalanced: {Provider: "fake", ModelID: "balanced-1"},
		},
	)
	reg, err := skills.NewRegistryFromManifests(manifests...)
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := skills.NewDispatcher(reg, &skills.Env{},
		config.SkillsConfig{MaxConcurrency: 4, DefaultTimeout: time.Second}, testMetrics, nil)
	return New(registry, dispatcher, 0, 0, testMetrics, nil), dispatcher
}

func collectBlocks(blocks *[]string) func(context.Context, string) error {
	return func(_ context.Context, text string) error {
		*blocks = append(*blocks, text)
		return nil
	}
}

func TestRunPlainAnswer(t *testing.T) {
	fake := &scriptedProvider{scripts: [][]providers.StreamEvent{
		textEvents("First paragraph.\n\nSecond paragraph."),
	}}
	stage, _ := newTestStage(t, fake)

	var blocks []string
	outcome, err := stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "hello"}},
		Tier:      providers.TierFast,
		EmitBlock: collectBlocks(&blocks),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(blocks) != 2 {
		t.Fatalf("blocks = %q", blocks)
	}
	if outcome.FinalText != "First paragraph.\n\nSecond paragraph." {
		t.Errorf("FinalText = %q", outcome.FinalText)
	}
	if outcome.Rounds != 1 || outcome.Usage.TotalTokens != 15 {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRunToolRoundThenAnswer(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "web-search", ArgumentsRaw: `{"query":"go"}`}
	call.ParseArguments()

	fake := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			providers.ToolCallFinal{Call: call},
			providers.UsageInfo{Usage: models.Usage{InputTokens: 20, OutputTokens: 8, TotalTokens: 28}},
			providers.StreamEnd{},
		},
		textEvents("Here is what I found."),
	}}
	stage, dispatcher := newTestStage(t, fake, searchManifest(t))
	dispatcher.Register("web", "search", skills.HandlerFunc(
		func(context.Context, *skills.Invocation) (*skills.Result, error) {
			return &skills.Result{Content: `{"results":[]}`}, nil
		}))

	var blocks []string
	outcome, err := stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "search go"}},
		Tier:      providers.TierBalanced,
		Tools:     []*skills.Manifest{searchManifest(t)},
		EmitBlock: collectBlocks(&blocks),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Rounds != 2 || outcome.SkillCredits != 2 {
		t.Errorf("outcome = %+v", outcome)
	}
	if outcome.Usage.TotalTokens != 43 {
		t.Errorf("usage = %+v", outcome.Usage)
	}

	// The second request must carry the assistant tool-call turn and the
	// ordered tool result.
	second := fake.requests[1]
	n := len(second.Messages)
	if second.Messages[n-2].Role != models.RoleAssistant || len(second.Messages[n-2].ToolCalls) != 1 {
		t.Errorf("assistant turn = %+v", second.Messages[n-2])
	}
	if second.Messages[n-1].Role != models.RoleTool || second.Messages[n-1].ToolCallID != "c1" {
		t.Errorf("tool turn = %+v", second.Messages[n-1])
	}
}

func TestRunRoundCapForcesFinalAnswer(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "web-search", ArgumentsRaw: `{"query":"again"}`}
	call.ParseArguments()
	toolRound := []providers.StreamEvent{
		providers.ToolCallFinal{Call: call},
		providers.StreamEnd{},
	}

	fake := &scriptedProvider{scripts: [][]providers.StreamEvent{
		toolRound, toolRound, toolRound, toolRound,
		textEvents("Final answer without tools."),
	}}
	stage, dispatcher := newTestStage(t, fake, searchManifest(t))
	dispatcher.Register("web", "search", skills.HandlerFunc(
		func(context.Context, *skills.Invocation) (*skills.Result, error) {
			return &skills.Result{Content: "ok"}, nil
		}))

	var blocks []string
	outcome, err := stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "loop"}},
		Tier:      providers.TierBalanced,
		Tools:     []*skills.Manifest{searchManifest(t)},
		EmitBlock: collectBlocks(&blocks),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if outcome.Rounds != MaxToolRounds+1 {
		t.Errorf("Rounds = %d, want %d", outcome.Rounds, MaxToolRounds+1)
	}
	if len(fake.requests[MaxToolRounds].Tools) != 0 {
		t.Error("final round still offered tools")
	}
	if outcome.FinalText != "Final answer without tools." {
		t.Errorf("FinalText = %q", outcome.FinalText)
	}
}

func TestRunRetriesTransientStreamFailure(t *testing.T) {
	fake := &scriptedProvider{
		openErrs: []error{fault.New(fault.KindTransient, "stream stalled")},
		scripts: [][]providers.StreamEvent{
			nil, // consumed by the failed open
			textEvents("Recovered answer."),
		},
	}
	stage, _ := newTestStage(t, fake)

	var blocks []string
	outcome, err := stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tier:      providers.TierFast,
		EmitBlock: collectBlocks(&blocks),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if fake.calls != 2 || outcome.FinalText != "Recovered answer." {
		t.Errorf("calls = %d, FinalText = %q", fake.calls, outcome.FinalText)
	}
}

// stalledProvider opens a stream that never emits and closes only when
// the caller's context dies, like a hung upstream connection.
type stalledProvider struct{}

func (stalledProvider) Name() string { return "fake" }

func (stalledProvider) Chat(context.Context, *providers.Request) (*providers.UnifiedResponse, error) {
	panic("not used")
}

func (stalledProvider) ChatStream(ctx context.Context, _ *providers.Request) (<-chan providers.StreamEvent, error) {
	events := make(chan providers.StreamEvent)
	go func() {
		defer close(events)
		<-ctx.Done()
	}()
	return events, nil
}

func TestRunStreamTimeoutBoundsStalledRound(t *testing.T) {
	registry := providers.NewRegistryFromClients(
		map[string]providers.ChatProvider{"fake": stalledProvider{}},
		map[string]config.ModelRef{
			providers.TierFast: {Provider: "fake", ModelID: "fast-1"},
		},
	)
	reg, err := skills.NewRegistryFromManifests()
	if err != nil {
		t.Fatal(err)
	}
	dispatcher := skills.NewDispatcher(reg, &skills.Env{},
		config.SkillsConfig{MaxConcurrency: 4, DefaultTimeout: time.Second}, testMetrics, nil)
	stage := New(registry, dispatcher, 0, 50*time.Millisecond, testMetrics, nil)

	start := time.Now()
	_, err = stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tier:      providers.TierFast,
		EmitBlock: collectBlocks(&[]string{}),
	})
	if err == nil {
		t.Fatal("expected error from stalled stream")
	}
	if !fault.IsKind(err, fault.KindCancelled) {
		t.Errorf("err kind = %v", fault.KindOf(err))
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("stalled round ran %v before timing out", time.Since(start))
	}
}

func TestRunDoesNotRetryAfterEmit(t *testing.T) {
	fake := &scriptedProvider{scripts: [][]providers.StreamEvent{
		{
			// The trailing text closes the paragraph so the first block
			// reaches the edge before the stream dies.
			providers.TextDelta{Text: "partial text\n\nmore"},
			providers.StreamError{Err: fault.New(fault.KindTransient, "mid-stream failure")},
		},
	}}
	stage, _ := newTestStage(t, fake)

	var blocks []string
	_, err := stage.Run(context.Background(), &Params{
		Task:      &models.Task{ID: "t1"},
		History:   []models.Message{{Role: models.RoleUser, Content: "hi"}},
		Tier:      providers.TierFast,
		EmitBlock: collectBlocks(&blocks),
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(blocks) != 1 || blocks[0] != "partial text\n\n" {
		t.Fatalf("blocks = %q", blocks)
	}
	if fake.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry after emitted text)", fake.calls)
	}
	if !strings.Contains(err.Error(), "mid-stream failure") {
		t.Errorf("err = %v", err)
	}
}
