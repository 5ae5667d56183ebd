// Package ledger appends encrypted usage entries and creator-share
// records. Only hashes of user/chat/message ids reach the record store;
// every semantic field is ciphertext.
package ledger

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/pkg/models"
)

// creatorIncomeKey is the system transit key wrapping creator-share
// records.
const creatorIncomeKey = "creator_income"

// Usage entry types.
const (
	TypePreprocess  = "preprocess"
	TypeMain        = "main"
	TypePostprocess = "postprocess"
	TypeSkill       = "skill"
)

// Crypter is the slice of the transit client the ledger needs.
type Crypter interface {
	Encrypt(ctx context.Context, keyName, plaintext, keyContext string) (string, error)
	EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error)
}

// Entry is one metered event before encryption.
type Entry struct {
	Type    string
	AppID   string
	SkillID string
	Credits int64

	// Token counts and model apply to provider-call entries.
	TokensIn  int
	TokensOut int
	Model     string
}

// Ledger writes usage and creator-income rows.
type Ledger struct {
	crypter Crypter
	store   *store.Store
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a ledger.
func New(crypter Crypter, st *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{crypter: crypter, store: st, logger: logger, now: time.Now}
}

// Record appends one usage entry for the task's user. userKeyID is the
// user's transit key handle from the profile.
func (l *Ledger) Record(ctx context.Context, task *models.Task, userKeyID string, e Entry) error {
	enc := func(plaintext string) (string, error) {
		if plaintext == "" {
			return "", nil
		}
		return l.crypter.EncryptWithUserKey(ctx, userKeyID, plaintext)
	}

	entry := &models.UsageEntry{
		UserIDHash:    store.HashID(task.UserID),
		Type:          e.Type,
		ChatIDHash:    store.HashID(task.ChatID),
		MessageIDHash: store.HashID(task.MessageID),
		Timestamp:     l.now().Unix(),
	}

	var err error
	if entry.AppIDCT, err = enc(e.AppID); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt app_id")
	}
	if entry.SkillIDCT, err = enc(e.SkillID); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt skill_id")
	}
	if entry.CreditsCT, err = enc(strconv.FormatInt(e.Credits, 10)); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt credits")
	}
	if e.TokensIn > 0 {
		if entry.TokensInCT, err = enc(strconv.Itoa(e.TokensIn)); err != nil {
			return fault.Wrap(err, fault.KindInternal, "ledger: encrypt tokens_in")
		}
	}
	if e.TokensOut > 0 {
		if entry.TokensOutCT, err = enc(strconv.Itoa(e.TokensOut)); err != nil {
			return fault.Wrap(err, fault.KindInternal, "ledger: encrypt tokens_out")
		}
	}
	if entry.ModelCT, err = enc(e.Model); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt model")
	}

	if err := l.store.Usage.Append(ctx, entry); err != nil {
		return err
	}
	l.logger.Debug("usage recorded", "type", e.Type, "task_id", task.ID)
	return nil
}

// ReserveCreatorShare writes a reserved creator-income row for one
// skill invocation. Fields are wrapped with the creator system key, not
// the user key, so payout tooling can read them without user consent
// flows.
func (l *Ledger) ReserveCreatorShare(ctx context.Context, creatorID, appID, skillID string, credits int64, invocationID string) error {
	enc := func(plaintext string) (string, error) {
		return l.crypter.Encrypt(ctx, creatorIncomeKey, plaintext, "")
	}

	income := &models.CreatorIncome{
		ID:           uuid.NewString(),
		Status:       models.CreatorIncomeReserved,
		InvocationID: invocationID,
		Timestamp:    l.now().Unix(),
	}
	var err error
	if income.CreatorIDCT, err = enc(creatorID); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt creator_id")
	}
	if income.AppIDCT, err = enc(appID); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt app_id")
	}
	if income.SkillIDCT, err = enc(skillID); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt skill_id")
	}
	if income.CreditsCT, err = enc(strconv.FormatInt(credits, 10)); err != nil {
		return fault.Wrap(err, fault.KindInternal, "ledger: encrypt credits")
	}

	return l.store.CreatorIncome.Reserve(ctx, income)
}

// ClaimCreatorShare moves the invocation's reservation to claimed,
// called when the skill's final artifact lands.
func (l *Ledger) ClaimCreatorShare(ctx context.Context, invocationID string) error {
	return l.store.CreatorIncome.Claim(ctx, invocationID)
}
