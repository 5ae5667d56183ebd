package models

// EmbedStatus is the lifecycle state of an embed artifact.
// An embed is created in processing and transitions exactly once to
// finished or error; it is never mutated afterwards.
type EmbedStatus string

const (
	EmbedProcessing EmbedStatus = "processing"
	EmbedFinished   EmbedStatus = "finished"
	EmbedError      EmbedStatus = "error"
)

// Embed is an auxiliary artifact produced by a skill, for example a
// generated image, a map tile, or a document. Content and type are stored
// encrypted under the embed's own content key.
type Embed struct {
	ID            string      `json:"embed_id"`
	ParentEmbedID string      `json:"parent_embed_id,omitempty"`
	Type          string      `json:"type"`
	Status        EmbedStatus `json:"status"`

	// EncryptedContent and EncryptedType are ciphertext under the embed
	// content key; the core never persists them in plaintext.
	EncryptedContent string `json:"encrypted_content,omitempty"`
	EncryptedType    string `json:"encrypted_type,omitempty"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// IsRoot reports whether the embed owns its keys. Child embeds inherit
// the wrapping path of their parent and carry no EmbedKeys of their own.
func (e *Embed) IsRoot() bool {
	return e.ParentEmbedID == ""
}

// EmbedKey wraps an embed's content key for one recipient scope: either
// the chat key or the user's master key. Every root embed must have at
// least one EmbedKey; child embeds must have none.
type EmbedKey struct {
	// HashedEmbedID is SHA-256 of the embed id; plaintext embed ids never
	// appear in the embed_keys collection.
	HashedEmbedID string `json:"hashed_embed_id"`

	// WrappedBy names the wrapping key scope: "chat_key" or "user_master_key".
	WrappedBy string `json:"wrapped_by"`

	// WrappedContentKey is the embed content key encrypted under the
	// wrapping key.
	WrappedContentKey string `json:"wrapped_content_key"`
}
