// Package store defines narrow repository interfaces per aggregate and
// ships two implementations: a Directus-style REST client for production
// and an in-memory store for tests. The record store's filter language
// never leaks past this package.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/openmates/core/pkg/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrEmbedFinal is returned when an embed that already left processing
// is updated again. Embeds transition exactly once.
var ErrEmbedFinal = errors.New("store: embed already finalized")

// ErrChildEmbedKey is returned when an EmbedKey is added for a child
// embed; children inherit their parent's wrapping path.
var ErrChildEmbedKey = errors.New("store: child embeds carry no keys")

// HashID is the hashing applied to user/chat/message/embed ids before
// they appear in cross-user collections.
func HashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// StoredMessage is the persisted message form: content is ciphertext
// under the owner's user key, or an opaque client-scheme blob the
// server cannot read.
type StoredMessage struct {
	ID               string `json:"id"`
	ChatID           string `json:"chat_id"`
	Role             string `json:"role"`
	EncryptedContent string `json:"encrypted_content"`
	CreatedAt        int64  `json:"created_at"`
}

// UserRepo reads user profiles and settles credit balances.
type UserRepo interface {
	GetProfile(ctx context.Context, userID string) (*models.UserProfile, error)

	// AdjustCredits atomically applies delta to the user's balance and
	// returns the new balance. Callers serialize per user; the repo only
	// guarantees the read-modify-write is not torn.
	AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error)
}

// ChatRepo reads and updates chat metadata.
type ChatRepo interface {
	GetMetadata(ctx context.Context, chatID string) (*models.ChatMetadata, error)
	UpdateMetadata(ctx context.Context, meta *models.ChatMetadata) error
}

// MessageRepo appends and lists persisted (encrypted) messages.
type MessageRepo interface {
	Append(ctx context.Context, msg *StoredMessage) error

	// History returns the chat's messages oldest first.
	History(ctx context.Context, chatID string, limit int) ([]StoredMessage, error)
	CountByChat(ctx context.Context, chatID string) (int, error)
}

// EmbedRepo manages embed artifacts and their wrapped keys.
type EmbedRepo interface {
	Create(ctx context.Context, embed *models.Embed) error
	Get(ctx context.Context, embedID string) (*models.Embed, error)

	// Finalize moves an embed out of processing exactly once.
	Finalize(ctx context.Context, embedID string, status models.EmbedStatus, encryptedContent string) error

	// AddKey attaches a wrapped content key to a root embed.
	AddKey(ctx context.Context, key *models.EmbedKey) error
	KeysFor(ctx context.Context, hashedEmbedID string) ([]models.EmbedKey, error)
}

// UsageRepo appends usage entries; they are never updated or deleted.
type UsageRepo interface {
	Append(ctx context.Context, entry *models.UsageEntry) error
}

// CreatorIncomeRepo manages creator-share reservations.
type CreatorIncomeRepo interface {
	Reserve(ctx context.Context, income *models.CreatorIncome) error

	// Claim transitions the invocation's reservation to claimed.
	Claim(ctx context.Context, invocationID string) error
}

// Store bundles the repositories the orchestrator needs.
type Store struct {
	Users         UserRepo
	Chats         ChatRepo
	Messages      MessageRepo
	Embeds        EmbedRepo
	Usage         UsageRepo
	CreatorIncome CreatorIncomeRepo
}
