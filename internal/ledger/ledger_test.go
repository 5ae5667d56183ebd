package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/openmates/core/internal/store"
	"github.com/openmates/core/pkg/models"
)

// fakeCrypter marks ciphertext with the wrapping key so tests can
// assert which key covered which field.
type fakeCrypter struct{}

func (fakeCrypter) Encrypt(_ context.Context, keyName, plaintext, _ string) (string, error) {
	return "vault:v1:" + keyName + ":" + plaintext, nil
}

func (fakeCrypter) EncryptWithUserKey(_ context.Context, userKeyID, plaintext string) (string, error) {
	return "vault:v1:" + userKeyID + ":" + plaintext, nil
}

func TestRecordEncryptsSemanticFields(t *testing.T) {
	mem := store.NewMemory()
	l := New(fakeCrypter{}, mem.Repos(), nil)
	task := &models.Task{ID: "t1", UserID: "user-1", ChatID: "chat-1", MessageID: "msg-1"}

	err := l.Record(context.Background(), task, "user-abc", Entry{
		Type:      TypeMain,
		AppID:     "ai",
		Credits:   12,
		TokensIn:  100,
		TokensOut: 40,
		Model:     "balanced-1",
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries := mem.UsageEntries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]

	if e.UserIDHash != store.HashID("user-1") || len(e.UserIDHash) != 64 {
		t.Errorf("UserIDHash = %q", e.UserIDHash)
	}
	if strings.Contains(e.UserIDHash, "user-1") {
		t.Error("user id leaked in hash field")
	}
	for name, ct := range map[string]string{
		"app_id": e.AppIDCT, "credits": e.CreditsCT,
		"tokens_in": e.TokensInCT, "tokens_out": e.TokensOutCT, "model": e.ModelCT,
	} {
		if !strings.HasPrefix(ct, "vault:v1:user-abc:") {
			t.Errorf("%s not wrapped with user key: %q", name, ct)
		}
	}
	if e.SkillIDCT != "" {
		t.Errorf("empty skill id produced ciphertext %q", e.SkillIDCT)
	}
	if e.Type != TypeMain || e.Timestamp == 0 {
		t.Errorf("entry = %+v", e)
	}
}

func TestCreatorShareLifecycle(t *testing.T) {
	mem := store.NewMemory()
	l := New(fakeCrypter{}, mem.Repos(), nil)
	ctx := context.Background()

	if err := l.ReserveCreatorShare(ctx, "creator-42", "images", "generate", 30, "inv-1"); err != nil {
		t.Fatalf("ReserveCreatorShare: %v", err)
	}
	row, ok := mem.IncomeByInvocation("inv-1")
	if !ok || row.Status != models.CreatorIncomeReserved {
		t.Fatalf("row = %+v ok=%v", row, ok)
	}
	if !strings.HasPrefix(row.CreatorIDCT, "vault:v1:creator_income:") {
		t.Errorf("creator id not wrapped with system key: %q", row.CreatorIDCT)
	}

	if err := l.ClaimCreatorShare(ctx, "inv-1"); err != nil {
		t.Fatalf("ClaimCreatorShare: %v", err)
	}
	row, _ = mem.IncomeByInvocation("inv-1")
	if row.Status != models.CreatorIncomeClaimed {
		t.Errorf("status = %q", row.Status)
	}
}
