// Package orchestrator drives one task through the full pipeline:
// history load, preprocess routing, credit reservation, the streaming
// main stage with its tool loop, persistence, settlement, and the
// best-effort postprocess. It owns the per-chat FIFO and emits exactly
// one terminal event per task.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/ledger"
	"github.com/openmates/core/internal/mainstage"
	"github.com/openmates/core/internal/observability"
	"github.com/openmates/core/internal/postprocess"
	"github.com/openmates/core/internal/preprocess"
	"github.com/openmates/core/internal/prompt"
	"github.com/openmates/core/internal/queue"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/internal/tokens"
	"github.com/openmates/core/pkg/models"
)

var tracer = otel.Tracer("openmates/orchestrator")

// ErrAlreadyProcessed is returned when a task id that already completed
// is submitted again.
var ErrAlreadyProcessed = errors.New("orchestrator: task already processed")

// errTaskActive marks a duplicate submission of a task still running;
// the duplicate is dropped silently.
var errTaskActive = errors.New("orchestrator: task already active")

const (
	// defaultTaskTimeout bounds a whole task when the config leaves it
	// unset.
	defaultTaskTimeout = 8 * time.Minute

	// mainReserveCredits is the head-room reserved on top of the
	// preprocess cost before the main stage is allowed to run. The
	// settlement refunds whatever stays unused.
	mainReserveCredits = 50
)

// modelCredits converts provider token usage to credits: one credit per
// started thousand tokens.
func modelCredits(u *models.Usage) int64 {
	if u == nil || u.TotalTokens <= 0 {
		return 0
	}
	return int64((u.TotalTokens + 999) / 1000)
}

// Crypter is the slice of the transit client the orchestrator needs.
type Crypter interface {
	EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error)
	DecryptWithUserKey(ctx context.Context, userKeyID, ciphertext string) (string, error)
}

// Locker acquires the cross-instance chat and credit locks. Nil
// disables distributed locking; the in-process mutexes still apply.
type Locker interface {
	AcquireChatLock(ctx context.Context, chatID string) (*queue.ChatLock, error)
	AcquireUserLock(ctx context.Context, userID string) (*queue.UserLock, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Store      *store.Store
	Crypter    Crypter
	Locks      Locker
	Preprocess *preprocess.Stage
	Main       *mainstage.Stage
	Post       *postprocess.Stage
	Skills     *skills.Registry
	Ledger     *ledger.Ledger
	Estimator  tokens.Estimator
	Config     config.PipelineConfig
	Metrics    *observability.Metrics
	Logger     *slog.Logger
}

// Orchestrator runs tasks. Safe for concurrent use.
type Orchestrator struct {
	store     *store.Store
	crypter   Crypter
	locks     Locker
	pre       *preprocess.Stage
	main      *mainstage.Stage
	post      *postprocess.Stage
	skills    *skills.Registry
	ledger    *ledger.Ledger
	estimator tokens.Estimator
	cfg       config.PipelineConfig
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu        sync.Mutex
	active    map[string]struct{}
	completed map[string]struct{}
	chatMu    map[string]*sync.Mutex
	userMu    map[string]*sync.Mutex
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Estimator == nil {
		d.Estimator = tokens.HeuristicEstimator{}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     d.Store,
		crypter:   d.Crypter,
		locks:     d.Locks,
		pre:       d.Preprocess,
		main:      d.Main,
		post:      d.Post,
		skills:    d.Skills,
		ledger:    d.Ledger,
		estimator: d.Estimator,
		cfg:       d.Config,
		metrics:   d.Metrics,
		logger:    d.Logger,
		active:    make(map[string]struct{}),
		completed: make(map[string]struct{}),
		chatMu:    make(map[string]*sync.Mutex),
		userMu:    make(map[string]*sync.Mutex),
	}
}

// Run processes one task and emits its events to sink. It returns after
// the terminal event; resubmitting a running task is a silent no-op,
// resubmitting a completed one returns ErrAlreadyProcessed.
func (o *Orchestrator) Run(ctx context.Context, task *models.Task, sink Sink) error {
	if err := o.begin(task.ID); err != nil {
		if errors.Is(err, errTaskActive) {
			return nil
		}
		return err
	}
	defer o.end(task.ID)

	timeout := o.cfg.TaskTimeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !task.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		ctx, cancelDeadline = context.WithDeadline(ctx, task.Deadline)
		defer cancelDeadline()
	}

	// Per-chat FIFO: one task at a time per chat, in arrival order on
	// this instance, with the distributed lock covering other instances.
	chatLock := o.lockFor(o.chatMu, task.ChatID)
	chatLock.Lock()
	defer chatLock.Unlock()
	if o.locks != nil {
		lock, err := o.locks.AcquireChatLock(ctx, task.ChatID)
		if err != nil {
			return o.finish(ctx, task, sink, time.Now(), err)
		}
		defer lock.Release(context.WithoutCancel(ctx), task.ChatID)
	}

	start := time.Now()
	return o.finish(ctx, task, sink, start, o.run(ctx, task, sink))
}

// run executes the pipeline; the caller translates its error into the
// terminal event.
func (o *Orchestrator) run(ctx context.Context, task *models.Task, sink Sink) (err error) {
	ctx, span := tracer.Start(ctx, "task.run", oteltrace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.Bool("task.incognito", task.Incognito),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	profile, err := o.store.Users.GetProfile(ctx, task.UserID)
	if err != nil {
		return fault.Wrap(err, fault.KindOf(err), "load profile")
	}

	history, err := o.loadHistory(ctx, task, profile)
	if err != nil {
		return fault.Wrap(err, fault.KindOf(err), "load history")
	}

	tctx := prompt.Context{
		"AVAILABLE_APPS":     strings.Join(task.AvailableApps, ", "),
		"AVAILABLE_MEMORIES": strings.Join(task.AvailableMemoryCategories, ", "),
	}

	preCtx, preSpan := tracer.Start(ctx, "pipeline.preprocess")
	decision, err := o.pre.Run(preCtx, history, tctx)
	preSpan.End()
	if err != nil {
		return err
	}
	preCredits := modelCredits(decision.Usage)
	o.recordModelUsage(ctx, task, profile, ledger.TypePreprocess, decision.Usage, preCredits, decision.ModelID)

	reserve, err := o.reserveCredits(ctx, task.UserID, preCredits)
	if err != nil {
		return err
	}

	meter := newTaskMeter(o.ledger, task, profile.VaultKeyID)
	assistantMsgID := uuid.NewString()

	mainCtx, mainSpan := tracer.Start(ctx, "pipeline.main",
		oteltrace.WithAttributes(attribute.String("model.tier", decision.ModelTier)))
	outcome, err := o.main.Run(mainCtx, &mainstage.Params{
		Task:    task,
		Meter:   meter,
		System:  buildSystem(profile, decision),
		History: history,
		Tier:    decision.ModelTier,
		Tools:   o.skills.Resolve(decision.Actions, o.logger),
		EmitBlock: func(ctx context.Context, text string) error {
			return sink.Emit(ctx, &models.StreamEvent{
				Type:      models.EventDelta,
				TaskID:    task.ID,
				ChatID:    task.ChatID,
				MessageID: assistantMsgID,
				Text:      text,
			})
		},
	})
	mainSpan.End()
	if err != nil {
		// Cancelled and failed tasks debit nothing; the whole
		// reservation is refunded. Nothing of the failed turn persists.
		o.settle(ctx, task.UserID, reserve, 0)
		return err
	}

	mainCredits := modelCredits(&outcome.Usage)
	o.recordModelUsage(ctx, task, profile, ledger.TypeMain, &outcome.Usage, mainCredits, decision.ModelTier)

	if !task.Incognito {
		if err := o.persistAssistant(ctx, task, profile, decision, assistantMsgID, outcome.FinalText); err != nil {
			o.logger.Error("assistant message not persisted",
				"task_id", task.ID, "chat_id", task.ChatID, "error", err)
			o.countError(err)
		}
	}

	var postCredits int64
	if !task.Incognito && o.post != nil {
		postHistory := append(append([]models.Message(nil), history...), models.Message{
			ID:      assistantMsgID,
			Role:    models.RoleAssistant,
			Content: outcome.FinalText,
		})
		postCtx, postSpan := tracer.Start(ctx, "pipeline.postprocess")
		suggestions, postUsage := o.post.Run(postCtx, &postprocess.Context{
			Task:        task,
			History:     postHistory,
			TemplateCtx: tctx,
		})
		postSpan.End()
		if postUsage != nil && postUsage.TotalTokens > 0 {
			postCredits = modelCredits(postUsage)
			o.recordModelUsage(ctx, task, profile, ledger.TypePostprocess, postUsage, postCredits, decision.ModelID)
		}
		if suggestions != nil {
			if err := sink.Emit(ctx, &models.StreamEvent{
				Type:        models.EventSuggestions,
				TaskID:      task.ID,
				ChatID:      task.ChatID,
				MessageID:   assistantMsgID,
				Suggestions: suggestions,
			}); err != nil {
				o.logger.Warn("suggestions not delivered", "task_id", task.ID, "error", err)
			}
		}
	}

	o.settle(ctx, task.UserID, reserve, preCredits+mainCredits+outcome.SkillCredits+postCredits)

	return nil
}

// finish emits the terminal event and records task metrics. Terminal
// events go out even when the task context is already dead.
func (o *Orchestrator) finish(ctx context.Context, task *models.Task, sink Sink, start time.Time, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	ev := &models.StreamEvent{TaskID: task.ID, ChatID: task.ChatID}
	outcome := "complete"

	switch {
	case runErr == nil:
		ev.Type = models.EventTaskComplete
	case fault.IsKind(runErr, fault.KindCancelled):
		ev.Type = models.EventTaskCancelled
		outcome = "cancelled"
	default:
		ev.Type = models.EventTaskFailed
		ev.Kind = failureKind(runErr)
		outcome = "failed"
		o.countError(runErr)
	}

	if err := sink.Emit(ctx, ev); err != nil {
		o.logger.Error("terminal event not delivered", "task_id", task.ID, "error", err)
	}
	o.metrics.TaskCounter.WithLabelValues(outcome).Inc()
	o.metrics.TaskDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if runErr != nil {
		o.logger.Error("task finished", "task_id", task.ID, "outcome", outcome, "error", runErr)
	} else {
		o.logger.Info("task finished", "task_id", task.ID, "outcome", outcome,
			"duration", time.Since(start))
	}
	return runErr
}

// failureKind maps a run error to the event's failure class.
func failureKind(err error) string {
	if errors.Is(err, preprocess.ErrFailed) {
		return "preprocess_failed"
	}
	return string(fault.KindOf(err))
}

// reserveCredits checks the balance and debits the reservation inside
// the per-user critical section. A rejected task debits nothing, the
// preprocess call included.
func (o *Orchestrator) reserveCredits(ctx context.Context, userID string, preCredits int64) (int64, error) {
	reserve := preCredits + mainReserveCredits

	userLock := o.lockFor(o.userMu, userID)
	userLock.Lock()
	defer userLock.Unlock()
	if o.locks != nil {
		lock, err := o.locks.AcquireUserLock(ctx, userID)
		if err != nil {
			return 0, fault.Wrap(err, fault.KindOf(err), "lock balance")
		}
		defer lock.Release(context.WithoutCancel(ctx))
	}

	balance, err := o.store.Users.AdjustCredits(ctx, userID, 0)
	if err != nil {
		return 0, fault.Wrap(err, fault.KindOf(err), "read balance")
	}
	if balance < reserve {
		return 0, fault.New(fault.KindInsufficientCredits,
			"balance %d below reservation %d", balance, reserve)
	}
	if _, err := o.store.Users.AdjustCredits(ctx, userID, -reserve); err != nil {
		return 0, fault.Wrap(err, fault.KindOf(err), "reserve credits")
	}
	return reserve, nil
}

// settle closes the reservation against the task's actual cost. The
// refund (or extra debit) applies even when the task context is dead.
func (o *Orchestrator) settle(ctx context.Context, userID string, reserve, total int64) {
	ctx = context.WithoutCancel(ctx)
	userLock := o.lockFor(o.userMu, userID)
	userLock.Lock()
	defer userLock.Unlock()
	if o.locks != nil {
		// The refund must land even if the lock cannot be taken.
		lock, err := o.locks.AcquireUserLock(ctx, userID)
		if err != nil {
			o.logger.Warn("settling without user lock", "user_id", userID, "error", err)
		} else {
			defer lock.Release(ctx)
		}
	}

	if _, err := o.store.Users.AdjustCredits(ctx, userID, reserve-total); err != nil {
		o.logger.Error("settlement failed", "user_id", userID,
			"reserve", reserve, "total", total, "error", err)
		o.countError(err)
		return
	}
	o.metrics.CreditsDebited.Add(float64(total))
}

// persistAssistant encrypts and appends the final reply, then bumps the
// chat's message version counter.
func (o *Orchestrator) persistAssistant(ctx context.Context, task *models.Task, profile *models.UserProfile, decision *preprocess.Decision, msgID, text string) error {
	ciphertext, err := o.crypter.EncryptWithUserKey(ctx, profile.VaultKeyID, text)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "encrypt reply")
	}
	now := time.Now()
	err = o.store.Messages.Append(ctx, &store.StoredMessage{
		ID:               msgID,
		ChatID:           task.ChatID,
		Role:             string(models.RoleAssistant),
		EncryptedContent: ciphertext,
		CreatedAt:        now.Unix(),
	})
	if err != nil {
		return err
	}

	count, err := o.store.Messages.CountByChat(ctx, task.ChatID)
	if err != nil {
		return err
	}
	meta, err := o.store.Chats.GetMetadata(ctx, task.ChatID)
	if errors.Is(err, store.ErrNotFound) {
		meta = &models.ChatMetadata{ChatID: task.ChatID}
	} else if err != nil {
		return err
	}
	meta.MessagesV = count
	if decision.Summary != "" {
		meta.Summary = decision.Summary
	}
	meta.UpdatedAt = now.Unix()
	return o.store.Chats.UpdateMetadata(ctx, meta)
}

// recordModelUsage appends a usage entry for one provider call. Ledger
// trouble never fails the task.
func (o *Orchestrator) recordModelUsage(ctx context.Context, task *models.Task, profile *models.UserProfile, entryType string, usage *models.Usage, credits int64, model string) {
	if usage == nil {
		return
	}
	err := o.ledger.Record(context.WithoutCancel(ctx), task, profile.VaultKeyID, ledger.Entry{
		Type:      entryType,
		AppID:     "ai",
		Credits:   credits,
		TokensIn:  usage.InputTokens,
		TokensOut: usage.OutputTokens,
		Model:     model,
	})
	if err != nil {
		o.logger.Error("usage entry not recorded", "task_id", task.ID, "type", entryType, "error", err)
		o.countError(err)
	}
}

// buildSystem composes the main-stage system prompt from the profile
// and the preprocess routing decision.
func buildSystem(profile *models.UserProfile, decision *preprocess.Decision) string {
	var sb strings.Builder
	sb.WriteString("You are an OpenMates digital team mate. Be direct, warm, and precise.")
	if profile.Language != "" {
		fmt.Fprintf(&sb, " Answer in %s unless asked otherwise.", profile.Language)
	}
	if decision.Summary != "" {
		fmt.Fprintf(&sb, "\n\nConversation so far: %s", decision.Summary)
	}
	if len(decision.Tags) > 0 {
		fmt.Fprintf(&sb, "\nTopics: %s", strings.Join(decision.Tags, ", "))
	}
	return sb.String()
}

func (o *Orchestrator) begin(taskID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.completed[taskID]; ok {
		return ErrAlreadyProcessed
	}
	if _, ok := o.active[taskID]; ok {
		return errTaskActive
	}
	o.active[taskID] = struct{}{}
	return nil
}

func (o *Orchestrator) end(taskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, taskID)
	o.completed[taskID] = struct{}{}
}

func (o *Orchestrator) lockFor(m map[string]*sync.Mutex, key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if lock, ok := m[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m[key] = lock
	return lock
}

func (o *Orchestrator) countError(err error) {
	o.metrics.ErrorCounter.WithLabelValues("orchestrator", string(fault.KindOf(err))).Inc()
}
