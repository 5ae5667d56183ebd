// Package mainstage drives the streaming assistant generation: it opens
// provider streams with the active tool set, re-segments the text
// through the aggregator, and interleaves skill rounds until the model
// stops calling tools or the round cap forces a final answer.
package mainstage

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/openmates/core/internal/aggregator"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/providers"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/pkg/models"
)

// MaxToolRounds caps the tool loop; the round after the cap runs with
// tools disabled so the task always ends in user-visible text.
const MaxToolRounds = 4

// Params carries one main-stage run.
type Params struct {
	Task   *models.Task
	Meter  skills.Meter
	System string

	// History is the transformed, truncated conversation including the
	// current user turn.
	History []models.Message

	// Tier is the model tier selected by preprocess.
	Tier string

	// Tools are the skills preprocess activated for this turn.
	Tools []*skills.Manifest

	// EmitBlock delivers one aggregated text block to the edge. It
	// blocks on edge backpressure; an error aborts the stage.
	EmitBlock func(ctx context.Context, text string) error
}

// Outcome summarizes a completed main stage.
type Outcome struct {
	// FinalText is the full assistant reply, the concatenation of every
	// emitted block.
	FinalText string

	// Usage is summed across all stream rounds.
	Usage models.Usage

	// SkillCredits is the total charged by dispatched skills.
	SkillCredits int64

	Rounds int
}

// Stage runs main-stage generations.
type Stage struct {
	registry      *providers.Registry
	dispatcher    *skills.Dispatcher
	maxToolRounds int
	streamTimeout time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// New creates the stage. maxToolRounds <= 0 selects the default cap;
// streamTimeout <= 0 leaves rounds bounded only by the task context.
func New(registry *providers.Registry, dispatcher *skills.Dispatcher, maxToolRounds int, streamTimeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Stage {
	if maxToolRounds <= 0 {
		maxToolRounds = MaxToolRounds
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{
		registry:      registry,
		dispatcher:    dispatcher,
		maxToolRounds: maxToolRounds,
		streamTimeout: streamTimeout,
		metrics:       metrics,
		logger:        logger,
	}
}

// roundResult is what one consumed stream yields.
type roundResult struct {
	text         string
	pendingCalls []models.ToolCall
	usage        *models.Usage
	emitted      bool
}

// Run executes the tool loop.
func (s *Stage) Run(ctx context.Context, p *Params) (*Outcome, error) {
	client, modelID, err := s.registry.ForTier(p.Tier)
	if err != nil {
		return nil, err
	}

	messages := append([]models.Message(nil), p.History...)
	outcome := &Outcome{}
	var finalText strings.Builder

	for round := 0; ; round++ {
		toolsActive := round < s.maxToolRounds && len(p.Tools) > 0
		req := &providers.Request{
			ModelID:  modelID,
			System:   p.System,
			Messages: messages,
		}
		if toolsActive {
			req.Tools = skills.ToolDefs(p.Tools)
			req.ToolChoice = providers.ToolChoice{Mode: providers.ToolChoiceAuto}
		}

		result, err := s.streamRound(ctx, client, modelID, req, p, &finalText)
		if err != nil {
			// One retry per round, only when nothing reached the edge yet
			// and the failure is transport-level.
			if !result.emitted && fault.KindOf(err).Retryable() {
				s.logger.Warn("main stream failed, retrying once",
					"task_id", p.Task.ID, "round", round, "error", err)
				result, err = s.streamRound(ctx, client, modelID, req, p, &finalText)
			}
			if err != nil {
				return nil, err
			}
		}

		if result.usage != nil {
			outcome.Usage.InputTokens += result.usage.InputTokens
			outcome.Usage.OutputTokens += result.usage.OutputTokens
			outcome.Usage.TotalTokens += result.usage.TotalTokens
		}
		outcome.Rounds = round + 1

		if len(result.pendingCalls) == 0 || !toolsActive {
			break
		}

		messages = append(messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   result.text,
			ToolCalls: result.pendingCalls,
		})

		toolResults, credits := s.dispatcher.Execute(ctx, p.Task, p.Meter, result.pendingCalls)
		if ctx.Err() != nil {
			return nil, fault.Wrap(ctx.Err(), fault.KindCancelled, "main stage cancelled during skills")
		}
		outcome.SkillCredits += credits
		for _, tr := range toolResults {
			messages = append(messages, models.Message{
				Role:       models.RoleTool,
				ToolCallID: tr.ToolCallID,
				Content:    tr.Content,
			})
		}
	}

	outcome.FinalText = finalText.String()
	return outcome, nil
}

// streamRound opens one stream and consumes it through the aggregator.
// Text blocks go to the edge as they complete; tool calls are collected
// for the dispatcher.
func (s *Stage) streamRound(ctx context.Context, client providers.ChatProvider, modelID string, req *providers.Request, p *Params, finalText *strings.Builder) (*roundResult, error) {
	result := &roundResult{}
	start := time.Now()

	// Each round gets its own budget; the tool loop as a whole stays
	// bounded by the task timeout.
	if s.streamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.streamTimeout)
		defer cancel()
	}

	events, err := client.ChatStream(ctx, req)
	if err != nil {
		s.observe(client.Name(), modelID, start, false)
		return result, err
	}

	segmenter := aggregator.NewSegmenter(s.logger)
	var roundText strings.Builder

	emit := func(block string) error {
		if err := p.EmitBlock(ctx, block); err != nil {
			return err
		}
		result.emitted = true
		finalText.WriteString(block)
		return nil
	}

	for event := range events {
		switch ev := event.(type) {
		case providers.TextDelta:
			roundText.WriteString(ev.Text)
			for _, block := range segmenter.Push(ev.Text) {
				if err := emit(block); err != nil {
					return result, err
				}
			}
		case providers.ToolCallFinal:
			result.pendingCalls = append(result.pendingCalls, ev.Call)
		case providers.UsageInfo:
			usage := ev.Usage
			result.usage = &usage
		case providers.StreamError:
			s.observe(client.Name(), modelID, start, false)
			return result, ev.Err
		case providers.StreamEnd:
			// Terminal; the channel closes right after.
		}
	}
	if ctx.Err() != nil {
		s.observe(client.Name(), modelID, start, false)
		return result, fault.Wrap(ctx.Err(), fault.KindCancelled, "main stream cancelled")
	}

	for _, block := range segmenter.Flush() {
		if err := emit(block); err != nil {
			return result, err
		}
	}
	result.text = roundText.String()

	s.observe(client.Name(), modelID, start, true)
	if result.usage != nil {
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "input").Add(float64(result.usage.InputTokens))
		s.metrics.ProviderTokens.WithLabelValues(client.Name(), modelID, "output").Add(float64(result.usage.OutputTokens))
	}
	return result, nil
}

func (s *Stage) observe(provider, model string, start time.Time, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	s.metrics.ProviderRequestDuration.WithLabelValues(provider, model, "main").Observe(time.Since(start).Seconds())
	s.metrics.ProviderRequestCounter.WithLabelValues(provider, model, "main", status).Inc()
}
