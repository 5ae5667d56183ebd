package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openmates/core/pkg/models"
)

// Memory is an in-process Store used by tests. All repositories share
// one mutex; contention is irrelevant at test scale.
type Memory struct {
	mu sync.Mutex

	users         map[string]*models.UserProfile
	chats         map[string]*models.ChatMetadata
	messages      map[string][]StoredMessage
	embeds        map[string]*models.Embed
	embedKeys     map[string][]models.EmbedKey
	usage         []models.UsageEntry
	creatorIncome map[string]*models.CreatorIncome
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*models.UserProfile),
		chats:         make(map[string]*models.ChatMetadata),
		messages:      make(map[string][]StoredMessage),
		embeds:        make(map[string]*models.Embed),
		embedKeys:     make(map[string][]models.EmbedKey),
		creatorIncome: make(map[string]*models.CreatorIncome),
	}
}

// Repos returns the repository bundle backed by this store.
func (m *Memory) Repos() *Store {
	return &Store{
		Users:         (*memoryUsers)(m),
		Chats:         (*memoryChats)(m),
		Messages:      (*memoryMessages)(m),
		Embeds:        (*memoryEmbeds)(m),
		Usage:         (*memoryUsage)(m),
		CreatorIncome: (*memoryCreatorIncome)(m),
	}
}

// SeedUser inserts a user profile.
func (m *Memory) SeedUser(profile models.UserProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := profile
	m.users[profile.UserID] = &p
}

// SeedChat inserts chat metadata.
func (m *Memory) SeedChat(meta models.ChatMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := meta
	m.chats[meta.ChatID] = &c
}

// UsageEntries returns a copy of all appended usage entries.
func (m *Memory) UsageEntries() []models.UsageEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.UsageEntry(nil), m.usage...)
}

// IncomeByInvocation returns the creator-income row for an invocation.
func (m *Memory) IncomeByInvocation(invocationID string) (models.CreatorIncome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.creatorIncome {
		if row.InvocationID == invocationID {
			return *row, true
		}
	}
	return models.CreatorIncome{}, false
}

type memoryUsers Memory

func (m *memoryUsers) GetProfile(_ context.Context, userID string) (*models.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *profile
	return &copied, nil
}

func (m *memoryUsers) AdjustCredits(_ context.Context, userID string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	profile, ok := m.users[userID]
	if !ok {
		return 0, ErrNotFound
	}
	profile.CreditBalance += delta
	return profile.CreditBalance, nil
}

type memoryChats Memory

func (m *memoryChats) GetMetadata(_ context.Context, chatID string) (*models.ChatMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.chats[chatID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *meta
	return &copied, nil
}

func (m *memoryChats) UpdateMetadata(_ context.Context, meta *models.ChatMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chats[meta.ChatID]; !ok {
		return ErrNotFound
	}
	copied := *meta
	m.chats[meta.ChatID] = &copied
	return nil
}

type memoryMessages Memory

func (m *memoryMessages) Append(_ context.Context, msg *StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], *msg)
	return nil
}

func (m *memoryMessages) History(_ context.Context, chatID string, limit int) ([]StoredMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := append([]StoredMessage(nil), m.messages[chatID]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt < msgs[j].CreatedAt })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (m *memoryMessages) CountByChat(_ context.Context, chatID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[chatID]), nil
}

type memoryEmbeds Memory

func (m *memoryEmbeds) Create(_ context.Context, embed *models.Embed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *embed
	if copied.CreatedAt == 0 {
		copied.CreatedAt = time.Now().Unix()
	}
	m.embeds[embed.ID] = &copied
	return nil
}

func (m *memoryEmbeds) Get(_ context.Context, embedID string) (*models.Embed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	embed, ok := m.embeds[embedID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *embed
	return &copied, nil
}

func (m *memoryEmbeds) Finalize(_ context.Context, embedID string, status models.EmbedStatus, encryptedContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	embed, ok := m.embeds[embedID]
	if !ok {
		return ErrNotFound
	}
	if embed.Status != models.EmbedProcessing {
		return ErrEmbedFinal
	}
	embed.Status = status
	if encryptedContent != "" {
		embed.EncryptedContent = encryptedContent
	}
	embed.UpdatedAt = time.Now().Unix()
	return nil
}

func (m *memoryEmbeds) AddKey(_ context.Context, key *models.EmbedKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, embed := range m.embeds {
		if HashID(embed.ID) == key.HashedEmbedID && !embed.IsRoot() {
			return ErrChildEmbedKey
		}
	}
	m.embedKeys[key.HashedEmbedID] = append(m.embedKeys[key.HashedEmbedID], *key)
	return nil
}

func (m *memoryEmbeds) KeysFor(_ context.Context, hashedEmbedID string) ([]models.EmbedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.EmbedKey(nil), m.embedKeys[hashedEmbedID]...), nil
}

type memoryUsage Memory

func (m *memoryUsage) Append(_ context.Context, entry *models.UsageEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, *entry)
	return nil
}

type memoryCreatorIncome Memory

func (m *memoryCreatorIncome) Reserve(_ context.Context, income *models.CreatorIncome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *income
	m.creatorIncome[income.ID] = &copied
	return nil
}

func (m *memoryCreatorIncome) Claim(_ context.Context, invocationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.creatorIncome {
		if row.InvocationID == invocationID {
			row.Status = models.CreatorIncomeClaimed
			return nil
		}
	}
	return ErrNotFound
}
