// Package models defines the shared data types that flow through the
// OpenMates core pipeline: tasks, messages, tool calls, embeds, usage
// entries, and the events emitted back to the edge.
package models

import "time"

// Task is one user turn handed to the orchestrator by the edge.
// It is immutable for the lifetime of the pipeline run and destroyed
// after the terminal event has been emitted.
type Task struct {
	// ID is the opaque task identifier assigned by the edge.
	ID string `json:"task_id"`

	// UserID identifies the requesting user.
	UserID string `json:"user_id"`

	// ChatID identifies the chat the turn belongs to.
	ChatID string `json:"chat_id"`

	// MessageID is the id of the user message that triggered the task.
	MessageID string `json:"message_id"`

	// PlaintextTurn is the decrypted content of the user turn.
	PlaintextTurn string `json:"plaintext_turn"`

	// HistoryHandle references the persisted message history for the chat.
	HistoryHandle string `json:"history_handle"`

	// Incognito suppresses postprocess suggestions and memory persistence.
	// Credit usage is still recorded for incognito tasks.
	Incognito bool `json:"is_incognito"`

	// AvailableApps lists the app ids the user has enabled.
	AvailableApps []string `json:"available_apps"`

	// AvailableMemoryCategories lists the memory category ids the user
	// has enabled for settings-memory suggestions.
	AvailableMemoryCategories []string `json:"available_memory_categories"`

	// Deadline is the absolute wall-clock deadline for the whole task.
	Deadline time.Time `json:"deadline,omitempty"`
}

// UserProfile is the per-user context loaded before a task runs.
type UserProfile struct {
	UserID        string `json:"user_id"`
	CreditBalance int64  `json:"credit_balance"`
	Language      string `json:"language,omitempty"`
	VaultKeyID    string `json:"vault_key_id"`
}

// ChatMetadata tracks per-chat version counters used for client sync.
type ChatMetadata struct {
	ChatID    string `json:"chat_id"`
	Title     string `json:"title,omitempty"`
	Summary   string `json:"summary,omitempty"`
	MessagesV int    `json:"messages_v"`
	UpdatedAt int64  `json:"updated_at"`
}
