package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/pkg/models"
)

// Collection names in the record store.
const (
	collUsers         = "users"
	collChats         = "chats"
	collMessages      = "messages"
	collEmbeds        = "embeds"
	collEmbedKeys     = "embed_keys"
	collUsage         = "usage"
	collCreatorIncome = "creator_income"
)

// Directus talks to the record store's /items REST API with a static
// admin token. One client backs every repository.
type Directus struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewDirectus creates a record-store client.
func NewDirectus(cfg config.StoreConfig, logger *slog.Logger) *Directus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directus{
		baseURL: cfg.URL,
		token:   cfg.AdminToken,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// Repos returns the repository bundle backed by this client.
func (d *Directus) Repos() *Store {
	return &Store{
		Users:         &directusUsers{d},
		Chats:         &directusChats{d},
		Messages:      &directusMessages{d},
		Embeds:        &directusEmbeds{d},
		Usage:         &directusUsage{d},
		CreatorIncome: &directusCreatorIncome{d},
	}
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// do runs one authenticated request against /items and decodes the data
// envelope into out when non-nil.
func (d *Directus) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := d.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "store: encode %s %s", method, path)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "store: build %s %s", method, path)
	}
	req.Header.Set("Authorization", "Bearer "+d.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fault.Wrap(err, fault.KindTransient, "store: %s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.Wrap(err, fault.KindTransient, "store: read %s %s", method, path)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fault.New(fault.KindAuth, "store: %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fault.New(fault.KindTransient, "store: %s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return fault.New(fault.KindInternal, "store: %s %s: status %d: %s", method, path, resp.StatusCode, truncate(raw, 256))
	}

	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fault.Wrap(err, fault.KindInternal, "store: decode %s %s", method, path)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fault.Wrap(err, fault.KindInternal, "store: decode %s %s", method, path)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// itemsPath builds /items/{collection}[/{id}].
func itemsPath(collection string, id ...string) string {
	p := "/items/" + collection
	for _, part := range id {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// eqFilter builds a filter[field][_eq]=value query.
func eqFilter(field, value string) url.Values {
	q := url.Values{}
	q.Set(fmt.Sprintf("filter[%s][_eq]", field), value)
	return q
}

type directusUsers struct{ c *Directus }

func (r *directusUsers) GetProfile(ctx context.Context, userID string) (*models.UserProfile, error) {
	var profile models.UserProfile
	err := r.c.do(ctx, http.MethodGet, itemsPath(collUsers, userID), nil, nil, &profile)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

func (r *directusUsers) AdjustCredits(ctx context.Context, userID string, delta int64) (int64, error) {
	profile, err := r.GetProfile(ctx, userID)
	if err != nil {
		return 0, err
	}
	balance := profile.CreditBalance + delta
	patch := map[string]any{"credit_balance": balance}
	if err := r.c.do(ctx, http.MethodPatch, itemsPath(collUsers, userID), nil, patch, nil); err != nil {
		return 0, err
	}
	return balance, nil
}

type directusChats struct{ c *Directus }

func (r *directusChats) GetMetadata(ctx context.Context, chatID string) (*models.ChatMetadata, error) {
	var meta models.ChatMetadata
	err := r.c.do(ctx, http.MethodGet, itemsPath(collChats, chatID), nil, nil, &meta)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *directusChats) UpdateMetadata(ctx context.Context, meta *models.ChatMetadata) error {
	patch := map[string]any{
		"title":      meta.Title,
		"summary":    meta.Summary,
		"messages_v": meta.MessagesV,
		"updated_at": meta.UpdatedAt,
	}
	return r.c.do(ctx, http.MethodPatch, itemsPath(collChats, meta.ChatID), nil, patch, nil)
}

type directusMessages struct{ c *Directus }

func (r *directusMessages) Append(ctx context.Context, msg *StoredMessage) error {
	return r.c.do(ctx, http.MethodPost, itemsPath(collMessages), nil, msg, nil)
}

func (r *directusMessages) History(ctx context.Context, chatID string, limit int) ([]StoredMessage, error) {
	q := eqFilter("chat_id", chatID)
	q.Set("sort", "created_at")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []StoredMessage
	if err := r.c.do(ctx, http.MethodGet, itemsPath(collMessages), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *directusMessages) CountByChat(ctx context.Context, chatID string) (int, error) {
	q := eqFilter("chat_id", chatID)
	q.Set("aggregate[count]", "id")
	var out []struct {
		Count struct {
			ID int `json:"id"`
		} `json:"count"`
	}
	if err := r.c.do(ctx, http.MethodGet, itemsPath(collMessages), q, nil, &out); err != nil {
		return 0, err
	}
	if len(out) == 0 {
		return 0, nil
	}
	return out[0].Count.ID, nil
}

type directusEmbeds struct{ c *Directus }

func (r *directusEmbeds) Create(ctx context.Context, embed *models.Embed) error {
	return r.c.do(ctx, http.MethodPost, itemsPath(collEmbeds), nil, embed, nil)
}

func (r *directusEmbeds) Get(ctx context.Context, embedID string) (*models.Embed, error) {
	var embed models.Embed
	err := r.c.do(ctx, http.MethodGet, itemsPath(collEmbeds, embedID), nil, nil, &embed)
	if err != nil {
		return nil, err
	}
	return &embed, nil
}

func (r *directusEmbeds) Finalize(ctx context.Context, embedID string, status models.EmbedStatus, encryptedContent string) error {
	current, err := r.Get(ctx, embedID)
	if err != nil {
		return err
	}
	if current.Status != models.EmbedProcessing {
		return ErrEmbedFinal
	}
	patch := map[string]any{
		"status":     status,
		"updated_at": time.Now().Unix(),
	}
	if encryptedContent != "" {
		patch["encrypted_content"] = encryptedContent
	}
	return r.c.do(ctx, http.MethodPatch, itemsPath(collEmbeds, embedID), nil, patch, nil)
}

func (r *directusEmbeds) AddKey(ctx context.Context, key *models.EmbedKey) error {
	return r.c.do(ctx, http.MethodPost, itemsPath(collEmbedKeys), nil, key, nil)
}

func (r *directusEmbeds) KeysFor(ctx context.Context, hashedEmbedID string) ([]models.EmbedKey, error) {
	q := eqFilter("hashed_embed_id", hashedEmbedID)
	var out []models.EmbedKey
	if err := r.c.do(ctx, http.MethodGet, itemsPath(collEmbedKeys), q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type directusUsage struct{ c *Directus }

func (r *directusUsage) Append(ctx context.Context, entry *models.UsageEntry) error {
	return r.c.do(ctx, http.MethodPost, itemsPath(collUsage), nil, entry, nil)
}

type directusCreatorIncome struct{ c *Directus }

func (r *directusCreatorIncome) Reserve(ctx context.Context, income *models.CreatorIncome) error {
	return r.c.do(ctx, http.MethodPost, itemsPath(collCreatorIncome), nil, income, nil)
}

func (r *directusCreatorIncome) Claim(ctx context.Context, invocationID string) error {
	q := eqFilter("invocation_id", invocationID)
	q.Set("fields", "id,status")
	var rows []models.CreatorIncome
	if err := r.c.do(ctx, http.MethodGet, itemsPath(collCreatorIncome), q, nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	patch := map[string]any{"status": models.CreatorIncomeClaimed}
	return r.c.do(ctx, http.MethodPatch, itemsPath(collCreatorIncome, rows[0].ID), nil, patch, nil)
}
