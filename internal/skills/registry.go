package skills

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/providers"
)

// Registry holds every loaded skill manifest, keyed by identity and by
// wire tool name. Built at startup, immutable afterwards.
type Registry struct {
	byKey  map[string]*Manifest
	byTool map[string]*Manifest
}

// LoadRegistry walks root for apps/<app_id>/skills/*.yml manifests.
// "dev" stage skills are skipped outside development environments.
func LoadRegistry(root, environment string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reg := &Registry{
		byKey:  make(map[string]*Manifest),
		byTool: make(map[string]*Manifest),
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".yml") {
			return nil
		}
		// Only files under a skills/ directory are manifests; other YAML
		// in the apps tree (tool definitions for the pipeline stages) is
		// loaded by its consumer.
		if filepath.Base(filepath.Dir(path)) != "skills" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fault.Wrap(err, fault.KindConfig, "read manifest %s", path)
		}
		var m Manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fault.Wrap(err, fault.KindConfig, "parse manifest %s", path)
		}
		if err := m.validate(); err != nil {
			return err
		}
		if m.Stage == "dev" && environment != "development" {
			logger.Debug("skipping dev skill", "skill", m.Key())
			return nil
		}
		if err := m.compile(); err != nil {
			return err
		}
		if _, exists := reg.byKey[m.Key()]; exists {
			return fault.New(fault.KindConfig, "duplicate skill %s at %s", m.Key(), path)
		}
		reg.byKey[m.Key()] = &m
		reg.byTool[m.ToolName()] = &m
		logger.Info("skill loaded",
			"app_id", m.AppID, "skill_id", m.SkillID, "mode", m.ExecutionMode)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// NewRegistryFromManifests builds a registry from in-memory manifests
// (tests). Schemas are compiled here.
func NewRegistryFromManifests(manifests ...*Manifest) (*Registry, error) {
	reg := &Registry{
		byKey:  make(map[string]*Manifest),
		byTool: make(map[string]*Manifest),
	}
	for _, m := range manifests {
		if err := m.validate(); err != nil {
			return nil, err
		}
		if err := m.compile(); err != nil {
			return nil, err
		}
		reg.byKey[m.Key()] = m
		reg.byTool[m.ToolName()] = m
	}
	return reg, nil
}

// Get resolves a skill by (app_id, skill_id).
func (r *Registry) Get(appID, skillID string) (*Manifest, bool) {
	m, ok := r.byKey[appID+"."+skillID]
	return m, ok
}

// ByToolName resolves a skill from the wire tool name.
func (r *Registry) ByToolName(name string) (*Manifest, bool) {
	m, ok := r.byTool[name]
	return m, ok
}

// Resolve maps preprocess action values ("app_id.skill_id") to
// manifests, dropping unknown ones.
func (r *Registry) Resolve(actions []string, logger *slog.Logger) []*Manifest {
	var out []*Manifest
	for _, action := range actions {
		m, ok := r.byKey[action]
		if !ok {
			if logger != nil {
				logger.Warn("preprocess selected unknown skill", "action", action)
			}
			continue
		}
		out = append(out, m)
	}
	return out
}

// ToolDefs converts manifests into the provider tool set.
func ToolDefs(manifests []*Manifest) []providers.ToolDef {
	defs := make([]providers.ToolDef, 0, len(manifests))
	for _, m := range manifests {
		defs = append(defs, providers.ToolDef{
			Name:        m.ToolName(),
			Description: m.Description,
			Parameters:  m.SchemaJSON(),
		})
	}
	return defs
}

// Keys lists every loaded skill identity, sorted. Used by the
// preprocess tool's action enum and by the boot log.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// KeysForApps lists skill identities whose app is in apps.
func (r *Registry) KeysForApps(apps []string) []string {
	allowed := make(map[string]bool, len(apps))
	for _, a := range apps {
		allowed[a] = true
	}
	var keys []string
	for k, m := range r.byKey {
		if allowed[m.AppID] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
