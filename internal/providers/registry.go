package providers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmates/core/internal/config"
	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/vault"
)

// Model tier names selected by the preprocess stage.
const (
	TierFast       = "fast"
	TierBalanced   = "balanced"
	TierMax        = "max"
	TierPreprocess = "preprocess"
)

// Registry owns the initialized provider clients and the model tier
// table. It is built once at boot and immutable afterwards; per-provider
// globals are deliberately absent.
type Registry struct {
	clients map[string]ChatProvider
	tiers   map[string]config.ModelRef
}

// NewRegistry constructs every configured provider, fetching API keys
// from the transit keystore. All providers take their credentials from
// the secrets manager; there is no environment fallback.
func NewRegistry(ctx context.Context, cfg config.ProvidersConfig, secrets *vault.Client, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		clients: make(map[string]ChatProvider, len(cfg.Clients)),
		tiers:   cfg.Tiers,
	}

	for name, pc := range cfg.Clients {
		apiKey, err := secrets.GetSecret(ctx, pc.SecretPath, pc.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}

		var client ChatProvider
		switch pc.Kind {
		case "openai":
			client = NewOpenAICompat(name, apiKey, pc.BaseURL)
		case "mistral":
			base := pc.BaseURL
			if base == "" {
				base = MistralBaseURL
			}
			client = NewOpenAICompat(name, apiKey, base)
		case "groq":
			base := pc.BaseURL
			if base == "" {
				base = GroqBaseURL
			}
			client = NewOpenAICompat(name, apiKey, base)
		case "anthropic":
			client = NewAnthropic(apiKey)
		case "google":
			client, err = NewGoogle(ctx, apiKey)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
		default:
			return nil, fault.New(fault.KindConfig, "provider %s: unknown kind %q", name, pc.Kind)
		}

		reg.clients[name] = client
		logger.Info("provider initialized", "provider", name, "kind", pc.Kind)
	}
	return reg, nil
}

// NewRegistryFromClients builds a registry from pre-built providers
// (tests and embedders).
func NewRegistryFromClients(clients map[string]ChatProvider, tiers map[string]config.ModelRef) *Registry {
	return &Registry{clients: clients, tiers: tiers}
}

// Get returns the named provider.
func (r *Registry) Get(name string) (ChatProvider, error) {
	client, ok := r.clients[name]
	if !ok {
		return nil, fault.New(fault.KindConfig, "unknown provider %q", name)
	}
	return client, nil
}

// ForTier resolves a model tier ("fast", "balanced", "max",
// "preprocess") to a provider client and concrete model id. Unknown
// tiers fall back to balanced so a sloppy model_selector value cannot
// abort a task.
func (r *Registry) ForTier(tier string) (ChatProvider, string, error) {
	ref, ok := r.tiers[tier]
	if !ok {
		ref, ok = r.tiers[TierBalanced]
		if !ok {
			return nil, "", fault.New(fault.KindConfig, "no model tier %q and no balanced fallback", tier)
		}
	}
	client, err := r.Get(ref.Provider)
	if err != nil {
		return nil, "", err
	}
	return client, ref.ModelID, nil
}
