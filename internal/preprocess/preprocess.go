// Package preprocess implements the routing stage: one forced-tool call
// against a small model that selects skills, picks the main-stage model
// tier, and summarizes the chat. The stage is mandatory; its failure
// aborts the task.
package preprocess

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/prompt"
	"github.com/openmates/core/internal/providers"
	"github.com/openmates/core/pkg/models"
)

// ErrFailed marks a preprocess failure; the orchestrator surfaces it as
// PREPROCESS_FAILED.
var ErrFailed = errors.New("preprocess failed")

// Decision is the routing outcome of the preprocess call.
type Decision struct {
	// Actions are the selected skills as "app_id.skill_id" values.
	Actions []string

	// ModelTier is the model_selector value: fast, balanced, or max.
	ModelTier string

	// Summary is the model's chat summary, at most 20 words.
	Summary string

	Tags []string

	Usage    *models.Usage
	Provider string
	ModelID  string
}

// Stage performs the preprocess call.
type Stage struct {
	registry *providers.Registry
	tool     *prompt.ToolFile
	timeout  time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New loads the analyze tool from toolPath and builds the stage.
func New(registry *providers.Registry, toolPath string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) (*Stage, error) {
	tool, err := prompt.LoadToolFile(toolPath)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Stage{
		registry: registry,
		tool:     tool,
		timeout:  timeout,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Run executes the forced-tool call over the transformed history.
// tctx resolves the tool description placeholders ({AVAILABLE_APPS},
// {AVAILABLE_MEMORIES}, and any dynamic keys).
func (s *Stage) Run(ctx context.Context, history []models.Message, tctx prompt.Context) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	client, modelID, err := s.registry.ForTier(providers.TierPreprocess)
	if err != nil {
		return nil, joinFailed(err)
	}

	req := &providers.Request{
		ModelID:    modelID,
		Messages:   history,
		Tools:      []providers.ToolDef{s.tool.Def(tctx)},
		ToolChoice: providers.ToolChoice{Mode: providers.ToolChoiceRequired},
	}

	start := time.Now()
	resp, err := client.Chat(ctx, req)
	s.observe(client.Name(), modelID, start, err == nil && resp != nil && resp.Success)
	if err != nil {
		return nil, joinFailed(err)
	}
	if !resp.Success {
		return nil, joinFailed(resp.Error.Fault())
	}
	if len(resp.ToolCalls) == 0 {
		return nil, fault.Wrap(ErrFailed, fault.KindProvider, "model returned no tool call")
	}

	call := resp.ToolCalls[0]
	if call.ParseError != "" {
		return nil, joinFailed(fault.New(fault.KindProvider, "tool arguments unparseable: %s", call.ParseError))
	}

	decision := s.parse(call.ArgumentsParsed)
	decision.Usage = resp.Usage
	decision.Provider = client.Name()
	decision.ModelID = modelID
	if resp.Usage != nil {
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "input").Add(float64(resp.Usage.InputTokens))
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "output").Add(float64(resp.Usage.OutputTokens))
	}

	s.logger.Info("preprocess decision",
		"tier", decision.ModelTier, "actions", decision.Actions, "tags", decision.Tags)
	return decision, nil
}

func joinFailed(err error) error {
	return errors.Join(ErrFailed, err)
}

// parse pulls the typed fields out of the tool arguments. Unknown tiers
// default to balanced downstream; malformed optional fields are dropped.
func (s *Stage) parse(args map[string]any) *Decision {
	decision := &Decision{ModelTier: providers.TierBalanced}
	if tier, ok := args["model_selector"].(string); ok && tier != "" {
		decision.ModelTier = tier
	}
	decision.Actions = stringSlice(args["action"])
	decision.Tags = stringSlice(args["tags"])
	if summary, ok := args["summary"].(string); ok {
		decision.Summary = clampWords(summary, 20)
	}
	return decision
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clampWords truncates s to at most n whitespace-separated words.
func clampWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) <= n {
		return strings.TrimSpace(s)
	}
	return strings.Join(words[:n], " ")
}

func (s *Stage) observe(provider, model string, start time.Time, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	s.metrics.ProviderRequestDuration.WithLabelValues(provider, model, "preprocess").Observe(time.Since(start).Seconds())
	s.metrics.ProviderRequestCounter.WithLabelValues(provider, model, "preprocess", status).Inc()
}
