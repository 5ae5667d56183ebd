package models

// EventType labels the stream events the orchestrator emits to the edge.
type EventType string

const (
	// EventDelta carries one aggregated block of assistant text.
	EventDelta EventType = "delta"

	// EventSuggestions carries postprocess follow-up suggestions.
	EventSuggestions EventType = "suggestions"

	// EventTaskComplete is the terminal event of a successful task.
	EventTaskComplete EventType = "task_complete"

	// EventTaskFailed is the terminal event of a failed task; Kind names
	// the failure class from the error taxonomy.
	EventTaskFailed EventType = "task_failed"

	// EventTaskCancelled is the terminal event of a cancelled task.
	EventTaskCancelled EventType = "task_cancelled"
)

// StreamEvent is one event delivered to the edge for a task. A task emits
// any number of delta events, at most one suggestions event, and exactly
// one terminal event.
type StreamEvent struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`

	// Text is the aggregated block for delta events.
	Text string `json:"text,omitempty"`

	// Kind is the failure class for task_failed events.
	Kind string `json:"kind,omitempty"`

	Suggestions *Suggestions `json:"suggestions,omitempty"`
}

// Suggestions is the postprocess output shipped to the edge after the
// main reply.
type Suggestions struct {
	FollowUpRequests  []string               `json:"follow_up_request_suggestions"`
	NewChatRequests   []string               `json:"new_chat_request_suggestions"`
	HarmfulResponse   float64                `json:"harmful_response"`
	RecommendedApps   []string               `json:"top_recommended_apps_for_user,omitempty"`
	ChatSummary       string                 `json:"chat_summary,omitempty"`
	MemoryCategories  []string               `json:"relevant_settings_memory_categories,omitempty"`
	SuggestedMemories []SuggestedMemoryEntry `json:"suggested_memories,omitempty"`
}

// SuggestedMemoryEntry is a concrete settings-memory proposal produced by
// postprocess phase two.
type SuggestedMemoryEntry struct {
	AppID          string         `json:"app_id"`
	ItemType       string         `json:"item_type"`
	SuggestedTitle string         `json:"suggested_title"`
	ItemValue      map[string]any `json:"item_value"`
}
