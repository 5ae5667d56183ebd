package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/openmates/core/internal/ledger"
	"github.com/openmates/core/internal/skills"
	"github.com/openmates/core/pkg/models"
)

// creatorSharePercent is the fraction of a skill's credits reserved for
// its creator.
const creatorSharePercent = 30

// taskMeter implements skills.Meter for one task: every metered skill
// lands as an encrypted usage entry under the task's user key, and
// creator-owned skills additionally reserve their share.
type taskMeter struct {
	ledger    *ledger.Ledger
	task      *models.Task
	userKeyID string
	credits   atomic.Int64
}

func newTaskMeter(l *ledger.Ledger, task *models.Task, userKeyID string) *taskMeter {
	return &taskMeter{ledger: l, task: task, userKeyID: userKeyID}
}

// MeterSkill records one successful invocation.
func (m *taskMeter) MeterSkill(ctx context.Context, manifest *skills.Manifest, invocationID string, credits int64) error {
	err := m.ledger.Record(ctx, m.task, m.userKeyID, ledger.Entry{
		Type:    ledger.TypeSkill,
		AppID:   manifest.AppID,
		SkillID: manifest.SkillID,
		Credits: credits,
	})
	if err != nil {
		return err
	}
	m.credits.Add(credits)

	if manifest.CreatorID == "" {
		return nil
	}
	share := credits * creatorSharePercent / 100
	if share == 0 {
		return nil
	}
	return m.ledger.ReserveCreatorShare(ctx, manifest.CreatorID, manifest.AppID, manifest.SkillID, share, invocationID)
}

// ClaimCreatorShare finalizes the invocation's reservation.
func (m *taskMeter) ClaimCreatorShare(ctx context.Context, invocationID string) error {
	return m.ledger.ClaimCreatorShare(ctx, invocationID)
}

// Credits returns the total metered so far.
func (m *taskMeter) Credits() int64 {
	return m.credits.Load()
}
