package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openmates/core/internal/vault"
	"github.com/openmates/core/pkg/models"
)

// defaultHistoryBudget bounds the transformed history handed to the
// model stages, in estimated tokens.
const defaultHistoryBudget = 120_000

// loadHistory reads the chat's persisted messages, decrypts them with
// the user's transit key, and appends the current turn. Messages whose
// ciphertext uses the client-side scheme cannot be read here and are
// skipped; the current turn arrives in plaintext on the task.
func (o *Orchestrator) loadHistory(ctx context.Context, task *models.Task, profile *models.UserProfile) ([]models.Message, error) {
	stored, err := o.store.Messages.History(ctx, task.ChatID, 0)
	if err != nil {
		return nil, err
	}

	history := make([]models.Message, 0, len(stored)+1)
	for _, msg := range stored {
		plaintext, err := o.crypter.DecryptWithUserKey(ctx, profile.VaultKeyID, msg.EncryptedContent)
		if err != nil {
			if errors.Is(err, vault.ErrWrongScheme) {
				o.logger.Warn("skipping client-encrypted message",
					"chat_id", task.ChatID, "message_id", msg.ID)
				continue
			}
			return nil, err
		}
		history = append(history, models.Message{
			ID:      msg.ID,
			Role:    mapRole(msg.Role),
			Content: collapseRichText(plaintext),
		})
	}

	history = append(history, models.Message{
		ID:      task.MessageID,
		Role:    models.RoleUser,
		Content: collapseRichText(task.PlaintextTurn),
	})
	return truncateHistory(history, o.historyBudget(), o.estimator.Estimate), nil
}

func (o *Orchestrator) historyBudget() int {
	if o.cfg.HistoryTokenBudget > 0 {
		return o.cfg.HistoryTokenBudget
	}
	return defaultHistoryBudget
}

// mapRole converts a stored role string; unknown roles degrade to user
// so stray records never impersonate the assistant.
func mapRole(role string) models.Role {
	switch role {
	case string(models.RoleAssistant):
		return models.RoleAssistant
	case string(models.RoleSystem):
		return models.RoleSystem
	case string(models.RoleTool):
		return models.RoleTool
	default:
		return models.RoleUser
	}
}

// truncateHistory drops the oldest messages until the estimated token
// total fits the budget. The newest message always survives; order is
// preserved.
func truncateHistory(msgs []models.Message, budget int, estimate func(string) int) []models.Message {
	total := 0
	cut := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		total += estimate(msgs[i].Content)
		if total > budget && i < len(msgs)-1 {
			cut = i + 1
			break
		}
	}
	return msgs[cut:]
}

// richDoc is the subset of the editor's rich-text JSON we care about.
type richDoc struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []richDoc `json:"content,omitempty"`
}

// collapseRichText flattens the editor's rich-text JSON document into
// plain text for the model. Anything that is not a rich-text document
// passes through unchanged.
func collapseRichText(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "{") {
		return content
	}
	var doc richDoc
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil || doc.Type != "doc" {
		return content
	}
	var sb strings.Builder
	flattenRichText(&doc, &sb)
	return strings.TrimSpace(sb.String())
}

func flattenRichText(node *richDoc, sb *strings.Builder) {
	if node.Text != "" {
		sb.WriteString(node.Text)
	}
	for i := range node.Content {
		flattenRichText(&node.Content[i], sb)
	}
	// Block-level nodes separate their text with a newline.
	switch node.Type {
	case "paragraph", "heading", "codeBlock", "listItem":
		sb.WriteString("\n")
	}
}
