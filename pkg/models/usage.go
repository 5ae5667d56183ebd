package models

// UsageEntry is one append-only metered event. Only the user id is
// hashed; every semantic field is ciphertext under the user's key so the
// server can aggregate counts without reading what was used.
type UsageEntry struct {
	UserIDHash string `json:"user_id_hash"`

	// Ciphertext fields, encrypted with the user's transit key.
	AppIDCT    string `json:"app_id_ct"`
	SkillIDCT  string `json:"skill_id_ct"`
	CreditsCT  string `json:"credits_ct"`
	TokensInCT string `json:"tokens_in_ct,omitempty"`
	TokensOutCT string `json:"tokens_out_ct,omitempty"`
	ModelCT    string `json:"model_ct,omitempty"`

	// Type labels the metered event: "preprocess", "main", "postprocess",
	// or "skill".
	Type string `json:"type"`

	// Optional hashed correlation ids.
	ChatIDHash    string `json:"chat_id_hash,omitempty"`
	MessageIDHash string `json:"message_id_hash,omitempty"`

	// Timestamp in Unix seconds.
	Timestamp int64 `json:"timestamp"`
}

// CreatorIncomeStatus tracks the lifecycle of a creator-share reservation.
type CreatorIncomeStatus string

const (
	CreatorIncomeReserved CreatorIncomeStatus = "reserved"
	CreatorIncomeClaimed  CreatorIncomeStatus = "claimed"
)

// CreatorIncome is a creator-share record for a skill invocation.
// Semantic fields are encrypted with the system-level creator key.
// A row is written as reserved when the invocation is metered and moves
// to claimed when the skill delivers its final artifact.
type CreatorIncome struct {
	ID           string              `json:"id"`
	CreatorIDCT  string              `json:"creator_id_ct"`
	AppIDCT      string              `json:"app_id_ct"`
	SkillIDCT    string              `json:"skill_id_ct"`
	CreditsCT    string              `json:"credits_ct"`
	Status       CreatorIncomeStatus `json:"status"`
	InvocationID string              `json:"invocation_id"`
	Timestamp    int64               `json:"timestamp"`
}
