package store

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/pkg/models"
)

func newTestDirectus(t *testing.T, handler http.HandlerFunc) *Directus {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewDirectus(config.StoreConfig{URL: srv.URL, AdminToken: "admin-token"}, nil)
}

func TestDirectusGetProfile(t *testing.T) {
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer admin-token" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/items/users/user-1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": models.UserProfile{
			UserID: "user-1", CreditBalance: 500, VaultKeyID: "key-1",
		}})
	})

	profile, err := client.Repos().Users.GetProfile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if profile.CreditBalance != 500 {
		t.Errorf("CreditBalance = %d, want 500", profile.CreditBalance)
	}
}

func TestDirectusNotFound(t *testing.T) {
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := client.Repos().Users.GetProfile(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDirectusAdjustCredits(t *testing.T) {
	var patched map[string]any
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"data": models.UserProfile{
				UserID: "user-1", CreditBalance: 100,
			}})
		case http.MethodPatch:
			json.NewDecoder(r.Body).Decode(&patched)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"data":{}}`))
		}
	})

	balance, err := client.Repos().Users.AdjustCredits(context.Background(), "user-1", -30)
	if err != nil {
		t.Fatalf("AdjustCredits: %v", err)
	}
	if balance != 70 {
		t.Errorf("balance = %d, want 70", balance)
	}
	if got, ok := patched["credit_balance"].(float64); !ok || int64(got) != 70 {
		t.Errorf("patched credit_balance = %v, want 70", patched["credit_balance"])
	}
}

func TestDirectusHistoryQuery(t *testing.T) {
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("filter[chat_id][_eq]"); got != "chat-7" {
			t.Errorf("chat filter = %q", got)
		}
		if got := q.Get("sort"); got != "created_at" {
			t.Errorf("sort = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []StoredMessage{
			{ID: "m1", ChatID: "chat-7", Role: "user", EncryptedContent: "vault:v1:aaa"},
		}})
	})

	msgs, err := client.Repos().Messages.History(context.Background(), "chat-7", 50)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestDirectusUsageAppendCollection(t *testing.T) {
	var path string
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"data":{}}`))
	})

	err := client.Repos().Usage.Append(context.Background(), &models.UsageEntry{
		Type: "main", UserIDHash: "abc", CreditsCT: "vault:v1:x",
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if path != "/items/usage" {
		t.Errorf("path = %q, want /items/usage", path)
	}
}

func TestDirectusFinalizeTwice(t *testing.T) {
	status := models.EmbedProcessing
	client := newTestDirectus(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"data": models.Embed{
				ID: "embed-1", Status: status,
			}})
		case http.MethodPatch:
			status = models.EmbedFinished
			w.Write([]byte(`{"data":{}}`))
		}
	})

	repos := client.Repos()
	if err := repos.Embeds.Finalize(context.Background(), "embed-1", models.EmbedFinished, "ct"); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	err := repos.Embeds.Finalize(context.Background(), "embed-1", models.EmbedError, "")
	if !errors.Is(err, ErrEmbedFinal) {
		t.Fatalf("second Finalize err = %v, want ErrEmbedFinal", err)
	}
}
