// Package vault implements the transit keystore client used for envelope
// encryption, HMAC, per-user derived keys, and provider secret lookup.
// The server never sees raw user keys; all cryptography happens inside
// the transit service.
package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmates/core/internal/fault"
)

// ciphertextPrefix marks values encrypted by the transit service. Values
// without it belong to a client-side scheme and must be handed back to
// the caller untouched.
const ciphertextPrefix = "vault:v"

// ErrWrongScheme is returned by Decrypt when the input is not transit
// ciphertext, so the caller can fall back to a client-side scheme.
var ErrWrongScheme = errors.New("vault: ciphertext uses a different scheme")

// SystemKeys are created on boot; all derived-independent aes256-gcm96,
// non-exportable.
var SystemKeys = []string{
	"email-hmac-key",
	"shared-content-metadata",
	"creator_income",
	"newsletter_emails",
	"support_payments",
}

const (
	tokenCheckInterval = 5 * time.Minute
	secretCacheTTL     = 60 * time.Second
	defaultTokenFile   = "/vault-data/api.token"
	fallbackTokenFile  = "/tmp/vault-token"
	requestTimeout     = 15 * time.Second
)

// Config configures the transit client.
type Config struct {
	// URL is the base URL of the transit service.
	URL string

	// Token is the service token; when empty the token file chain is used.
	Token string

	// TokenFile overrides the default token file path.
	TokenFile string

	// HTTPClient overrides the default HTTP client (tests).
	HTTPClient *http.Client
}

// Client is a thread-safe transit keystore client. Concurrent users share
// one instance; the token and secret caches are guarded by mutexes.
type Client struct {
	baseURL   string
	tokenFile string
	http      *http.Client
	logger    *slog.Logger

	mu           sync.Mutex
	token        string
	tokenChecked time.Time

	secretMu sync.RWMutex
	secrets  map[string]cachedSecret
}

type cachedSecret struct {
	value   string
	expires time.Time
}

// New creates a transit client. The token is resolved from the config,
// then the VAULT_TOKEN environment variable, then the token file chain.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, fault.New(fault.KindConfig, "vault URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	c := &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		tokenFile: cfg.TokenFile,
		http:      httpClient,
		logger:    logger,
		secrets:   make(map[string]cachedSecret),
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		var err error
		token, err = c.readTokenFile()
		if err != nil {
			return nil, fault.Wrap(err, fault.KindConfig, "no vault token available")
		}
	}
	c.token = token
	return c, nil
}

func (c *Client) readTokenFile() (string, error) {
	paths := []string{c.tokenFile, defaultTokenFile, fallbackTokenFile}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return "", fmt.Errorf("no readable token file")
}

// currentToken returns the cached token, revalidating it against the
// transit service at most every five minutes.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.tokenChecked) < tokenCheckInterval && c.token != "" {
		return c.token, nil
	}

	if err := c.lookupSelf(ctx, c.token); err != nil {
		// Stale token: re-read the file once and retry the lookup.
		fresh, readErr := c.readTokenFile()
		if readErr != nil {
			return "", fault.Wrap(err, fault.KindAuth, "vault token invalid and no token file")
		}
		if err := c.lookupSelf(ctx, fresh); err != nil {
			return "", fault.Wrap(err, fault.KindAuth, "vault token invalid after refresh")
		}
		c.logger.Info("vault token refreshed from file")
		c.token = fresh
	}
	c.tokenChecked = time.Now()
	return c.token, nil
}

func (c *Client) lookupSelf(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/auth/token/lookup-self", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Vault-Token", token)
	resp, err := c.http.Do(req)
	if err != nil {
		return fault.Wrap(err, fault.KindTransient, "vault lookup-self")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lookup-self returned %d", resp.StatusCode)
	}
	return nil
}

// do performs one authenticated request and decodes the response JSON.
// 401/403 refreshes the token once; 5xx and transport errors surface as
// transient faults.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	attempted := false
	for {
		token, err := c.currentToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fault.Wrap(err, fault.KindInternal, "encode vault request")
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fault.Wrap(err, fault.KindInternal, "build vault request")
		}
		req.Header.Set("X-Vault-Token", token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return fault.Wrap(err, fault.KindTransient, "vault %s %s", method, path)
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fault.Wrap(readErr, fault.KindTransient, "read vault response")
		}

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
			if out != nil && len(data) > 0 {
				if err := json.Unmarshal(data, out); err != nil {
					return fault.Wrap(err, fault.KindInternal, "decode vault response")
				}
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			if attempted {
				return fault.New(fault.KindAuth, "vault auth failed for %s (status %d)", path, resp.StatusCode)
			}
			attempted = true
			c.mu.Lock()
			c.tokenChecked = time.Time{} // force revalidation
			c.mu.Unlock()
			continue
		case resp.StatusCode >= 500:
			return fault.New(fault.KindTransient, "vault %s returned %d: %s", path, resp.StatusCode, truncate(data, 200))
		default:
			return fault.New(fault.KindInternal, "vault %s returned %d: %s", path, resp.StatusCode, truncate(data, 200))
		}
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

type secretResponse struct {
	Data struct {
		Data map[string]any `json:"data"`
	} `json:"data"`
}

// GetSecret fetches one field of a KV secret, caching it for a short TTL.
func (c *Client) GetSecret(ctx context.Context, path, key string) (string, error) {
	cacheKey := path + "#" + key

	c.secretMu.RLock()
	if cached, ok := c.secrets[cacheKey]; ok && time.Now().Before(cached.expires) {
		c.secretMu.RUnlock()
		return cached.value, nil
	}
	c.secretMu.RUnlock()

	var resp secretResponse
	if err := c.do(ctx, http.MethodGet, "/v1/"+strings.TrimLeft(path, "/"), nil, &resp); err != nil {
		return "", err
	}

	raw, ok := resp.Data.Data[key]
	if !ok {
		return "", fault.New(fault.KindConfig, "secret %s has no key %q", path, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fault.New(fault.KindConfig, "secret %s key %q is not a string", path, key)
	}

	c.secretMu.Lock()
	c.secrets[cacheKey] = cachedSecret{value: value, expires: time.Now().Add(secretCacheTTL)}
	c.secretMu.Unlock()
	return value, nil
}

type transitResponse struct {
	Data struct {
		Ciphertext string `json:"ciphertext,omitempty"`
		Plaintext  string `json:"plaintext,omitempty"`
		HMAC       string `json:"hmac,omitempty"`
	} `json:"data"`
}

// Encrypt encrypts plaintext under the named transit key. The optional
// derivation context must already be base64-encoded.
func (c *Client) Encrypt(ctx context.Context, keyName, plaintext, keyContext string) (string, error) {
	body := map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	}
	if keyContext != "" {
		body["context"] = keyContext
	}
	var resp transitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transit/encrypt/"+keyName, body, &resp); err != nil {
		return "", err
	}
	return resp.Data.Ciphertext, nil
}

// Decrypt decrypts transit ciphertext under the named key. Input without
// the transit prefix returns ErrWrongScheme unchanged so the caller can
// try a client-side scheme.
func (c *Client) Decrypt(ctx context.Context, keyName, ciphertext, keyContext string) (string, error) {
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return "", ErrWrongScheme
	}
	body := map[string]string{"ciphertext": ciphertext}
	if keyContext != "" {
		body["context"] = keyContext
	}
	var resp transitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transit/decrypt/"+keyName, body, &resp); err != nil {
		return "", err
	}
	decoded, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return "", fault.Wrap(err, fault.KindInternal, "decode transit plaintext")
	}
	return string(decoded), nil
}

// HMAC computes a keyed digest of data under the named transit key.
func (c *Client) HMAC(ctx context.Context, keyName, data string) (string, error) {
	body := map[string]string{
		"input": base64.StdEncoding.EncodeToString([]byte(data)),
	}
	var resp transitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/transit/hmac/"+keyName, body, &resp); err != nil {
		return "", err
	}
	return resp.Data.HMAC, nil
}

// CreateUserKey creates a derived per-user transit key and returns its id.
func (c *Client) CreateUserKey(ctx context.Context) (string, error) {
	keyID := "user-" + uuid.NewString()
	body := map[string]any{
		"type":       "aes256-gcm96",
		"derived":    true,
		"exportable": false,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/transit/keys/"+keyID, body, nil); err != nil {
		return "", err
	}
	return keyID, nil
}

// userKeyContext binds derived-key operations to the key id.
func userKeyContext(userKeyID string) string {
	return base64.StdEncoding.EncodeToString([]byte(userKeyID))
}

// EncryptWithUserKey encrypts plaintext under the user's derived key.
func (c *Client) EncryptWithUserKey(ctx context.Context, userKeyID, plaintext string) (string, error) {
	return c.Encrypt(ctx, userKeyID, plaintext, userKeyContext(userKeyID))
}

// DecryptWithUserKey decrypts ciphertext under the user's derived key.
func (c *Client) DecryptWithUserKey(ctx context.Context, userKeyID, ciphertext string) (string, error) {
	return c.Decrypt(ctx, userKeyID, ciphertext, userKeyContext(userKeyID))
}

// EnsureSystemKeys creates the non-exportable system keys the platform
// requires. Creating an existing transit key is a no-op server-side, so
// this is safe to run on every boot.
func (c *Client) EnsureSystemKeys(ctx context.Context) error {
	for _, name := range SystemKeys {
		body := map[string]any{
			"type":       "aes256-gcm96",
			"exportable": false,
		}
		if err := c.do(ctx, http.MethodPost, "/v1/transit/keys/"+name, body, nil); err != nil {
			return fmt.Errorf("ensure system key %s: %w", name, err)
		}
	}
	return nil
}
