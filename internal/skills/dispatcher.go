package skills

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/queue"
	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/internal/vault"
	"github.com/openmates/core/pkg/models"
)

// Env carries the shared clients a skill may use.
type Env struct {
	Vault  *vault.Client
	Store  *store.Store
	Queue  *queue.Queue
	Logger *slog.Logger
}

// Invocation is one skill execution in flight.
type Invocation struct {
	ID       string
	Task     *models.Task
	Manifest *Manifest
	Call     models.ToolCall
	Env      *Env
}

// Result is what a skill returns on success.
type Result struct {
	// Content is the tool result text handed back to the model.
	Content string

	// Units are the metered quantities priced by the manifest.
	Units map[string]int

	// EmbedID references an artifact the skill produced, if any.
	EmbedID string
}

// Handler executes one inline skill.
type Handler interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) (*Result, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Meter records an invocation's usage and creator share. The
// orchestrator supplies a per-task implementation bound to the user's
// key material.
type Meter interface {
	MeterSkill(ctx context.Context, m *Manifest, invocationID string, credits int64) error
	ClaimCreatorShare(ctx context.Context, invocationID string) error
}

// Dispatcher resolves tool calls to skills and executes them, inline
// skills in parallel under the concurrency cap, queued skills through
// the worker queue.
type Dispatcher struct {
	registry *Registry
	handlers map[string]Handler
	env      *Env
	cfg      config.SkillsConfig
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. Inline handlers are registered
// afterwards, before the first Execute.
func NewDispatcher(registry *Registry, env *Env, cfg config.SkillsConfig, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		handlers: make(map[string]Handler),
		env:      env,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register binds the inline handler for a skill.
func (d *Dispatcher) Register(appID, skillID string, h Handler) {
	d.handlers[appID+"."+skillID] = h
}

// errorContent builds the structured tool-result error payload the
// model sees.
func errorContent(code, detail string) string {
	payload, _ := json.Marshal(map[string]string{"error": code, "detail": detail})
	return string(payload)
}

// Execute runs every tool call of one round and returns the results in
// the original call order plus the total credits charged. Individual
// failures become error tool results; the round itself only fails on
// context cancellation.
func (d *Dispatcher) Execute(ctx context.Context, task *models.Task, meter Meter, calls []models.ToolCall) ([]models.ToolResult, int64) {
	results := make([]models.ToolResult, len(calls))

	var mu sync.Mutex
	var totalCredits int64

	g, gctx := errgroup.WithContext(ctx)
	limit := d.cfg.MaxConcurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for i, call := range calls {
		g.Go(func() error {
			result, credits := d.executeOne(gctx, task, meter, call)
			results[i] = result
			if credits > 0 {
				mu.Lock()
				totalCredits += credits
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return results, totalCredits
}

func (d *Dispatcher) executeOne(ctx context.Context, task *models.Task, meter Meter, call models.ToolCall) (models.ToolResult, int64) {
	result := models.ToolResult{ToolCallID: call.ID, IsError: true}

	manifest, ok := d.registry.ByToolName(call.Name)
	if !ok {
		result.Content = errorContent("UNKNOWN_SKILL", fmt.Sprintf("no skill for tool %q", call.Name))
		return result, 0
	}

	if call.ParseError != "" {
		result.Content = errorContent("INVALID_ARGS", call.ParseError)
		d.countExecution(manifest, "error")
		return result, 0
	}
	if err := manifest.ValidateArgs(call.ArgumentsParsed); err != nil {
		result.Content = errorContent("INVALID_ARGS", err.Error())
		d.countExecution(manifest, "error")
		return result, 0
	}

	invocationID := uuid.NewString()
	start := time.Now()
	d.logger.Info("skill dispatch",
		"invocation_id", invocationID, "skill", manifest.Key(),
		"mode", manifest.ExecutionMode, "task_id", task.ID)

	var (
		res *Result
		err error
	)
	switch manifest.ExecutionMode {
	case ModeQueued:
		res, err = d.runQueued(ctx, task, manifest, invocationID, call)
	default:
		res, err = d.runInline(ctx, task, manifest, invocationID, call)
	}
	d.metrics.SkillExecutionDuration.
		WithLabelValues(manifest.AppID, manifest.SkillID).
		Observe(time.Since(start).Seconds())

	if err != nil {
		status := "error"
		code := "SKILL_ERROR"
		if errors.Is(err, queue.ErrJobTimeout) || errors.Is(err, context.DeadlineExceeded) {
			status, code = "timeout", "TIMEOUT"
		}
		if fault.IsKind(err, fault.KindCancelled) || errors.Is(err, context.Canceled) {
			status, code = "cancelled", "CANCELLED"
		}
		d.countExecution(manifest, status)
		d.logger.Warn("skill failed",
			"invocation_id", invocationID, "skill", manifest.Key(), "error", err)
		result.Content = errorContent(code, err.Error())
		return result, 0
	}

	credits := manifest.Pricing.Cost(res.Units)
	if meter != nil {
		if err := meter.MeterSkill(ctx, manifest, invocationID, credits); err != nil {
			d.logger.Error("skill metering failed",
				"invocation_id", invocationID, "skill", manifest.Key(), "error", err)
		} else if manifest.CreatorID != "" {
			if err := meter.ClaimCreatorShare(ctx, invocationID); err != nil {
				d.logger.Error("creator share claim failed",
					"invocation_id", invocationID, "error", err)
			}
		}
	}

	d.countExecution(manifest, "success")
	result.IsError = false
	result.Content = res.Content
	return result, credits
}

func (d *Dispatcher) countExecution(m *Manifest, status string) {
	d.metrics.SkillExecutionCounter.
		WithLabelValues(m.AppID, m.SkillID, m.ExecutionMode, status).Inc()
}

func (d *Dispatcher) runInline(ctx context.Context, task *models.Task, m *Manifest, invocationID string, call models.ToolCall) (*Result, error) {
	handler, ok := d.handlers[m.Key()]
	if !ok {
		return nil, fault.New(fault.KindConfig, "skill %s has no inline handler", m.Key())
	}

	timeout := m.Timeout(d.cfg.DefaultTimeout)
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return handler.Invoke(ctx, &Invocation{
		ID:       invocationID,
		Task:     task,
		Manifest: m,
		Call:     call,
		Env:      d.env,
	})
}

// runQueued hands the call to a worker. Skills that produce an embed
// get their embed row created here, in processing, so the edge can show
// a placeholder while the worker runs.
func (d *Dispatcher) runQueued(ctx context.Context, task *models.Task, m *Manifest, invocationID string, call models.ToolCall) (*Result, error) {
	var embedID string
	if m.ProducesEmbed != "" {
		embedID = uuid.NewString()
		embed := &models.Embed{
			ID:        embedID,
			Type:      m.ProducesEmbed,
			Status:    models.EmbedProcessing,
			CreatedAt: time.Now().Unix(),
		}
		if err := d.env.Store.Embeds.Create(ctx, embed); err != nil {
			return nil, err
		}
	}

	job := &queue.SkillJob{
		InvocationID: invocationID,
		AppID:        m.AppID,
		SkillID:      m.SkillID,
		TaskID:       task.ID,
		UserID:       task.UserID,
		ChatID:       task.ChatID,
		EmbedID:      embedID,
		Arguments:    json.RawMessage(call.ArgumentsRaw),
	}
	jobResult, err := d.env.Queue.RunJob(ctx, job, d.cfg.QueueDeadline)
	if err != nil {
		if embedID != "" {
			// Best effort: mark the placeholder failed so it is not stuck
			// in processing forever.
			if ferr := d.env.Store.Embeds.Finalize(context.WithoutCancel(ctx), embedID, models.EmbedError, ""); ferr != nil {
				d.logger.Warn("embed error finalize failed", "embed_id", embedID, "error", ferr)
			}
		}
		return nil, err
	}
	if jobResult.IsError {
		return nil, fault.New(fault.KindProvider, "skill %s: %s", m.Key(), jobResult.Content)
	}
	return &Result{
		Content: jobResult.Content,
		Units:   jobResult.Units,
		EmbedID: jobResult.EmbedID,
	}, nil
}
