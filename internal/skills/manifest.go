// Package skills loads skill manifests from the apps tree, validates
// tool arguments against their JSON schemas, and dispatches tool calls
// either inline or through the worker queue.
package skills

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openmates/core/internal/fault"
)

// Execution modes for a skill.
const (
	ModeInline = "inline"
	ModeQueued = "queued"
)

// UnitPrice prices one metered unit of a skill invocation, for example
// one generated image.
type UnitPrice struct {
	Unit    string `yaml:"unit" json:"unit"`
	Credits int64  `yaml:"credits" json:"credits"`
}

// Pricing is a skill's credit schedule: a base charge plus per-unit
// charges reported by the skill itself.
type Pricing struct {
	Base    int64       `yaml:"base" json:"base"`
	PerUnit []UnitPrice `yaml:"per_unit,omitempty" json:"per_unit,omitempty"`
}

// Cost computes the invocation charge for the reported units.
func (p Pricing) Cost(units map[string]int) int64 {
	total := p.Base
	for _, up := range p.PerUnit {
		if n, ok := units[up.Unit]; ok && n > 0 {
			total += up.Credits * int64(n)
		}
	}
	return total
}

// Manifest describes one skill as declared in
// apps/<app_id>/skills/<skill_id>.yml. Manifests are immutable after
// load.
type Manifest struct {
	AppID       string `yaml:"app_id"`
	SkillID     string `yaml:"skill_id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Stage gates visibility: "dev" skills are only offered in
	// development environments.
	Stage string `yaml:"stage"`

	// ExecutionMode is "inline" or "queued".
	ExecutionMode string `yaml:"execution_mode"`

	// ToolSchema is the JSON Schema for the skill's arguments, written
	// as YAML in the manifest.
	ToolSchema map[string]any `yaml:"tool_schema"`

	Pricing Pricing `yaml:"pricing"`

	// CreatorID, when set, earns this creator a share per invocation.
	CreatorID string `yaml:"creator_id,omitempty"`

	// TimeoutSeconds overrides the dispatcher's default inline timeout.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`

	// ProducesEmbed names the embed type a queued skill creates, for
	// example "image". Empty for skills without artifacts.
	ProducesEmbed string `yaml:"produces_embed,omitempty"`

	schemaJSON []byte
	schema     *jsonschema.Schema
}

// Key returns the canonical "app_id.skill_id" identity.
func (m *Manifest) Key() string { return m.AppID + "." + m.SkillID }

// ToolName returns the wire-safe tool name offered to providers. Dots
// are not universally accepted in function names, so the separator on
// the wire is a hyphen; app ids therefore must not contain hyphens.
func (m *Manifest) ToolName() string { return m.AppID + "-" + m.SkillID }

// SchemaJSON returns the tool schema as JSON for provider ToolDefs.
func (m *Manifest) SchemaJSON() json.RawMessage { return m.schemaJSON }

// Timeout returns the inline execution bound.
func (m *Manifest) Timeout(fallback time.Duration) time.Duration {
	if m.TimeoutSeconds > 0 {
		return time.Duration(m.TimeoutSeconds) * time.Second
	}
	return fallback
}

func (m *Manifest) validate() error {
	if m.AppID == "" || m.SkillID == "" {
		return fault.New(fault.KindConfig, "skill manifest missing app_id or skill_id")
	}
	if strings.Contains(m.AppID, "-") {
		return fault.New(fault.KindConfig, "skill %s: app_id must not contain hyphens", m.Key())
	}
	switch m.ExecutionMode {
	case ModeInline, ModeQueued:
	default:
		return fault.New(fault.KindConfig, "skill %s: unknown execution_mode %q", m.Key(), m.ExecutionMode)
	}
	if len(m.ToolSchema) == 0 {
		return fault.New(fault.KindConfig, "skill %s: missing tool_schema", m.Key())
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("skill.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// compile freezes the tool schema: YAML map to JSON, then a compiled
// validator.
func (m *Manifest) compile() error {
	encoded, err := json.Marshal(m.ToolSchema)
	if err != nil {
		return fault.Wrap(err, fault.KindConfig, "skill %s: encode tool_schema", m.Key())
	}
	schema, err := compileSchema(encoded)
	if err != nil {
		return fault.Wrap(err, fault.KindConfig, "skill %s: compile tool_schema", m.Key())
	}
	m.schemaJSON = encoded
	m.schema = schema
	return nil
}

// ValidateArgs checks parsed arguments against the tool schema.
// Failures are invalid_args faults, never retried.
func (m *Manifest) ValidateArgs(args map[string]any) error {
	var decoded any = args
	if args == nil {
		decoded = map[string]any{}
	}
	if err := m.schema.Validate(decoded); err != nil {
		return fault.Wrap(err, fault.KindInvalidArgs, "skill %s: arguments rejected", m.Key())
	}
	return nil
}

// ParseToolName splits a wire tool name back into (app_id, skill_id).
func ParseToolName(name string) (appID, skillID string, err error) {
	appID, skillID, ok := strings.Cut(name, "-")
	if !ok || appID == "" || skillID == "" {
		return "", "", fmt.Errorf("malformed tool name %q", name)
	}
	return appID, skillID, nil
}
