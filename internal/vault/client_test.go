package vault

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/openmates/core/internal/fault"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, Token: "test-token"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// okLookup answers lookup-self for the token revalidation on first use.
func okLookup(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path == "/v1/auth/token/lookup-self" {
		w.WriteHeader(http.StatusOK)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestGetSecretCaches(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		if r.URL.Path != "/v1/kv/data/providers/brave" {
			t.Errorf("path = %s", r.URL.Path)
		}
		hits.Add(1)
		writeJSON(w, map[string]any{
			"data": map[string]any{"data": map[string]any{"api_key": "brave-key"}},
		})
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		value, err := c.GetSecret(ctx, "kv/data/providers/brave", "api_key")
		if err != nil {
			t.Fatalf("GetSecret: %v", err)
		}
		if value != "brave-key" {
			t.Errorf("value = %q", value)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("secret fetched %d times, want 1", hits.Load())
	}
}

func TestGetSecretMissingKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		writeJSON(w, map[string]any{
			"data": map[string]any{"data": map[string]any{"other": "x"}},
		})
	}))

	_, err := c.GetSecret(context.Background(), "kv/data/providers/brave", "api_key")
	if !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
}

func TestEncryptDecryptUserKey(t *testing.T) {
	keyCtx := base64.StdEncoding.EncodeToString([]byte("user-abc"))
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["context"] != keyCtx {
			t.Errorf("context = %q, want %q", body["context"], keyCtx)
		}
		switch r.URL.Path {
		case "/v1/transit/encrypt/user-abc":
			writeJSON(w, map[string]any{"data": map[string]any{"ciphertext": "vault:v1:opaque"}})
		case "/v1/transit/decrypt/user-abc":
			if body["ciphertext"] != "vault:v1:opaque" {
				t.Errorf("ciphertext = %q", body["ciphertext"])
			}
			writeJSON(w, map[string]any{"data": map[string]any{
				"plaintext": base64.StdEncoding.EncodeToString([]byte("hello")),
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	ct, err := c.EncryptWithUserKey(ctx, "user-abc", "hello")
	if err != nil {
		t.Fatalf("EncryptWithUserKey: %v", err)
	}
	if ct != "vault:v1:opaque" {
		t.Errorf("ciphertext = %q", ct)
	}
	pt, err := c.DecryptWithUserKey(ctx, "user-abc", ct)
	if err != nil {
		t.Fatalf("DecryptWithUserKey: %v", err)
	}
	if pt != "hello" {
		t.Errorf("plaintext = %q", pt)
	}
}

func TestDecryptWrongScheme(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		// Client-side ciphertext must never reach the transit service.
		t.Errorf("unexpected request %s", r.URL.Path)
	}))

	_, err := c.Decrypt(context.Background(), "user-abc", "e2e:client-blob", "")
	if !errors.Is(err, ErrWrongScheme) {
		t.Fatalf("err = %v, want ErrWrongScheme", err)
	}
}

func TestRetryAfterForbidden(t *testing.T) {
	var encrypts atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		if encrypts.Add(1) == 1 {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, map[string]any{"data": map[string]any{"ciphertext": "vault:v1:x"}})
	}))

	ct, err := c.Encrypt(context.Background(), "email-hmac-key", "a@b.c", "")
	if err != nil {
		t.Fatalf("Encrypt after retry: %v", err)
	}
	if ct != "vault:v1:x" || encrypts.Load() != 2 {
		t.Errorf("ct = %q, attempts = %d", ct, encrypts.Load())
	}
}

func TestTokenRefreshFromFile(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "api.token")
	if err := os.WriteFile(tokenPath, []byte("fresh-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var sawFresh atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Vault-Token")
		if r.URL.Path == "/v1/auth/token/lookup-self" {
			if token == "stale-token" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if token == "fresh-token" {
			sawFresh.Store(true)
		}
		writeJSON(w, map[string]any{"data": map[string]any{"hmac": "vault:v1:digest"}})
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Token: "stale-token", TokenFile: tokenPath}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	digest, err := c.HMAC(context.Background(), "email-hmac-key", "a@b.c")
	if err != nil {
		t.Fatalf("HMAC: %v", err)
	}
	if digest != "vault:v1:digest" || !sawFresh.Load() {
		t.Errorf("digest = %q, refreshed = %v", digest, sawFresh.Load())
	}
}

func TestAuthFailureSurfacesAuthFault(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "api.token")
	if err := os.WriteFile(tokenPath, []byte("also-bad"), 0o600); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{URL: srv.URL, Token: "bad", TokenFile: tokenPath}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Encrypt(context.Background(), "email-hmac-key", "x", "")
	if !fault.IsKind(err, fault.KindAuth) {
		t.Fatalf("err = %v, want auth fault", err)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		http.Error(w, "sealed", http.StatusInternalServerError)
	}))

	_, err := c.Encrypt(context.Background(), "email-hmac-key", "x", "")
	if !fault.IsKind(err, fault.KindTransient) {
		t.Fatalf("err = %v, want transient fault", err)
	}
}

func TestEnsureSystemKeys(t *testing.T) {
	created := make(map[string]bool)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/transit/keys/") {
			t.Errorf("path = %s", r.URL.Path)
		}
		created[strings.TrimPrefix(r.URL.Path, "/v1/transit/keys/")] = true
		w.WriteHeader(http.StatusNoContent)
	}))

	if err := c.EnsureSystemKeys(context.Background()); err != nil {
		t.Fatalf("EnsureSystemKeys: %v", err)
	}
	for _, name := range SystemKeys {
		if !created[name] {
			t.Errorf("system key %s not created", name)
		}
	}
}

func TestCreateUserKey(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if okLookup(w, r) {
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["derived"] != true || body["exportable"] != false {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	keyID, err := c.CreateUserKey(context.Background())
	if err != nil {
		t.Fatalf("CreateUserKey: %v", err)
	}
	if !strings.HasPrefix(keyID, "user-") {
		t.Errorf("keyID = %q", keyID)
	}
}
