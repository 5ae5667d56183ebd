package prompt

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openmates/core/internal/fault"
	"github.com/openmates/core/internal/providers"
)

// ToolFile is a stage tool definition loaded from a YAML file
// (apps/system/*.yml). The description is a Template resolved per task;
// the parameter schema is fixed at load time.
type ToolFile struct {
	Name        string
	Description Template
	Parameters  json.RawMessage
}

type toolFileYAML struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// LoadToolFile reads and freezes one stage tool definition.
func LoadToolFile(path string) (*ToolFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "read tool file %s", path)
	}
	var decoded toolFileYAML
	if err := yaml.Unmarshal(raw, &decoded); err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "parse tool file %s", path)
	}
	if decoded.Name == "" || len(decoded.Parameters) == 0 {
		return nil, fault.New(fault.KindConfig, "tool file %s: missing name or parameters", path)
	}
	params, err := json.Marshal(decoded.Parameters)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindConfig, "encode parameters of %s", path)
	}
	return &ToolFile{
		Name:        decoded.Name,
		Description: Template(decoded.Description),
		Parameters:  params,
	}, nil
}

// Def renders the tool definition for one task.
func (t *ToolFile) Def(ctx Context) providers.ToolDef {
	return providers.ToolDef{
		Name:        t.Name,
		Description: t.Description.Resolve(ctx),
		Parameters:  t.Parameters,
	}
}
