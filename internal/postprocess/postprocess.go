// Package postprocess implements the suggestion stage that frames a
// finished reply: phase one proposes follow-ups, rates harm, and picks
// relevant settings-memory categories; phase two, only reached when
// phase one selected categories, produces concrete memory entries.
// Neither phase may fail the task.
package postprocess

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/prompt"
	"github.com/openmates/core/internal/providers"
	"github.com/openmates/core/pkg/models"
)

// Limits from the stage contract.
const (
	maxSuggestions     = 6
	maxSuggestionWords = 5
	maxApps            = 5
	maxSummaryWords    = 20
	maxCategories      = 3
	maxMemoryEntries   = 3
)

// Context is the shared input of both phases.
type Context struct {
	Task *models.Task

	// History is the trimmed conversation, ending with the latest
	// assistant reply.
	History []models.Message

	// TemplateCtx resolves the tool description placeholders.
	TemplateCtx prompt.Context
}

// Stage performs the two postprocess calls.
type Stage struct {
	registry   *providers.Registry
	phase1Tool *prompt.ToolFile
	phase2Tool *prompt.ToolFile
	categories *Categories
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New loads both stage tools and builds the stage.
func New(registry *providers.Registry, phase1Path, phase2Path string, categories *Categories, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) (*Stage, error) {
	phase1, err := prompt.LoadToolFile(phase1Path)
	if err != nil {
		return nil, err
	}
	phase2, err := prompt.LoadToolFile(phase2Path)
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
		registry:   registry,
		phase1Tool: phase1,
		phase2Tool: phase2,
		categories: categories,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
	}, nil
}

// Run executes both phases best-effort. A nil suggestions return means
// phase one failed; the caller ships the reply without suggestions. The
// usage sums every provider call that reported tokens, including failed
// ones, so the stage can be billed.
func (s *Stage) Run(ctx context.Context, pc *Context) (*models.Suggestions, *models.Usage) {
	total := &models.Usage{}
	suggestions, usage, err := s.phase1(ctx, pc)
	addUsage(total, usage)
	if err != nil {
		s.logger.Warn("postprocess phase 1 failed", "task_id", pc.Task.ID, "error", err)
		return nil, total
	}

	if len(suggestions.MemoryCategories) > 0 {
		entries, usage, err := s.phase2(ctx, pc, suggestions.MemoryCategories)
		addUsage(total, usage)
		if err != nil {
			s.logger.Warn("postprocess phase 2 failed", "task_id", pc.Task.ID, "error", err)
		} else {
			suggestions.SuggestedMemories = entries
		}
	}
	return suggestions, total
}

func addUsage(total, u *models.Usage) {
	if u == nil {
		return
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
}

// call runs one forced-tool call on the preprocess-tier model and
// returns the tool arguments plus any reported usage.
func (s *Stage) call(ctx context.Context, history []models.Message, tool providers.ToolDef) (map[string]any, *models.Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	client, modelID, err := s.registry.ForTier(providers.TierPreprocess)
	if err != nil {
		return nil, nil, err
	}

	start := time.Now()
	resp, err := client.Chat(ctx, &providers.Request{
		ModelID:    modelID,
		Messages:   history,
		Tools:      []providers.ToolDef{tool},
		ToolChoice: providers.ToolChoice{Mode: providers.ToolChoiceRequired},
	})
	success := err == nil && resp != nil && resp.Success && len(resp.ToolCalls) > 0
	s.observe(client.Name(), modelID, start, success)
	if err != nil {
		return nil, nil, err
	}
	usage := resp.Usage
	if usage != nil {
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "input").Add(float64(usage.InputTokens))
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "output").Add(float64(usage.OutputTokens))
	}
	if !resp.Success {
		return nil, usage, resp.Error.Fault()
	}
	if len(resp.ToolCalls) == 0 {
		return nil, usage, providers.ErrNoToolCall
	}
	call := resp.ToolCalls[0]
	if call.ParseError != "" {
		return nil, usage, fault.New(fault.KindProvider, "tool arguments unparseable: %s", call.ParseError)
	}
	return call.ArgumentsParsed, usage, nil
}

func (s *Stage) phase1(ctx context.Context, pc *Context) (*models.Suggestions, *models.Usage, error) {
	args, usage, err := s.call(ctx, pc.History, s.phase1Tool.Def(pc.TemplateCtx))
	if err != nil {
		return nil, usage, err
	}
	return filterPhase1(args, pc.Task), usage, nil
}

// filterPhase1 applies the stage's validation rules to the raw tool
// arguments. Violating entries are dropped, not repaired.
func filterPhase1(args map[string]any, task *models.Task) *models.Suggestions {
	out := &models.Suggestions{
		FollowUpRequests: shortStrings(args["follow_up_request_suggestions"], maxSuggestions, maxSuggestionWords),
		NewChatRequests:  shortStrings(args["new_chat_request_suggestions"], maxSuggestions, maxSuggestionWords),
	}

	if score, ok := args["harmful_response"].(float64); ok {
		out.HarmfulResponse = min(max(score, 0), 10)
	}
	if summary, ok := args["chat_summary"].(string); ok {
		out.ChatSummary = clampWords(summary, maxSummaryWords)
	}
	out.RecommendedApps = filterAllowed(
		stringSlice(args["top_recommended_apps_for_user"]), task.AvailableApps, maxApps)
	out.MemoryCategories = filterAllowed(
		stringSlice(args["relevant_settings_memory_categories"]), task.AvailableMemoryCategories, maxCategories)
	return out
}

func (s *Stage) phase2(ctx context.Context, pc *Context, selected []string) ([]models.SuggestedMemoryEntry, *models.Usage, error) {
	var schemas strings.Builder
	for _, id := range selected {
		cat, ok := s.categories.Get(id)
		if !ok {
			continue
		}
		schemas.WriteString(id)
		schemas.WriteString(": ")
		schemas.WriteString(cat.SchemaJSON())
		schemas.WriteString("\n")
	}

	tctx := prompt.Context{"CATEGORY_SCHEMAS": schemas.String()}
	for k, v := range pc.TemplateCtx {
		tctx[k] = v
	}
	args, usage, err := s.call(ctx, pc.History, s.phase2Tool.Def(tctx))
	if err != nil {
		return nil, usage, err
	}
	return filterPhase2(args, selected), usage, nil
}

// filterPhase2 keeps at most three entries whose category was selected
// in phase one and which carry a title and a non-empty value.
func filterPhase2(args map[string]any, selected []string) []models.SuggestedMemoryEntry {
	allowed := make(map[string]bool, len(selected))
	for _, id := range selected {
		allowed[id] = true
	}

	raw, _ := args["memories"].([]any)
	var out []models.SuggestedMemoryEntry
	for _, item := range raw {
		if len(out) == maxMemoryEntries {
			break
		}
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		appID, _ := entry["app_id"].(string)
		itemType, _ := entry["item_type"].(string)
		title, _ := entry["suggested_title"].(string)
		value, _ := entry["item_value"].(map[string]any)

		if !allowed[appID+"."+itemType] {
			continue
		}
		if title == "" || len(value) == 0 {
			continue
		}
		out = append(out, models.SuggestedMemoryEntry{
			AppID:          appID,
			ItemType:       itemType,
			SuggestedTitle: title,
			ItemValue:      value,
		})
	}
	return out
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

// shortStrings keeps at most limit strings of at most maxWords words.
func shortStrings(v any, limit, maxWords int) []string {
	var out []string
	for _, s := range stringSlice(v) {
		if len(out) == limit {
			break
		}
		if len(strings.Fields(s)) > maxWords {
			continue
		}
		out = append(out, s)
	}
	return out
}

// filterAllowed keeps at most limit values present in the allow list.
func filterAllowed(values, allowList []string, limit int) []string {
	allowed := make(map[string]bool, len(allowList))
	for _, a := range allowList {
		allowed[a] = true
	}
	var out []string
	for _, v := range values {
		if len(out) == limit {
			break
		}
		if allowed[v] {
			out = append(out, v)
		}
	}
	return out
}

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
	s.metrics.ProviderRequestDuration.WithLabelValues(provider, model, "postprocess").Observe(time.Since(start).Seconds())
	s.metrics.ProviderRequestCounter.WithLabelValues(provider, model, "postprocess", status).Inc()
}
