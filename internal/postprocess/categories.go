package postprocess

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openmates/core/internal/fault"
)

// Category is one settings-memory category: a schema that suggested
// entries must conform to.
type Category struct {
	AppID    string         `yaml:"app_id"`
	ItemType string         `yaml:"item_type"`
	Name     string         `yaml:"name"`
	Schema   map[string]any `yaml:"schema"`

	schemaJSON []byte
}

// ID returns the "app_id.item_type" category identity.
func (c *Category) ID() string { return c.AppID + "." + c.ItemType }

// SchemaJSON returns the category schema as JSON, for embedding into
// the phase-2 tool description.
func (c *Category) SchemaJSON() string { return string(c.schemaJSON) }

// Categories is the loaded category set, immutable after boot.
type Categories struct {
	byID map[string]*Category
}

// LoadCategories walks root for apps/<app_id>/memories/*.yml category
// definitions.
func LoadCategories(root string, logger *slog.Logger) (*Categories, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cats := &Categories{byID: make(map[string]*Category)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".yml") {
			return nil
		}
		if filepath.Base(filepath.Dir(path)) != "memories" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fault.Wrap(err, fault.KindConfig, "read category %s", path)
		}
		var c Category
		if err := yaml.Unmarshal(raw, &c); err != nil {
			return fault.Wrap(err, fault.KindConfig, "parse category %s", path)
		}
		if c.AppID == "" || c.ItemType == "" || len(c.Schema) == 0 {
			return fault.New(fault.KindConfig, "category %s: missing app_id, item_type, or schema", path)
		}
		encoded, err := json.Marshal(c.Schema)
		if err != nil {
			return fault.Wrap(err, fault.KindConfig, "encode category schema %s", path)
		}
		c.schemaJSON = encoded
		cats.byID[c.ID()] = &c
		logger.Debug("memory category loaded", "category", c.ID())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cats, nil
}

// NewCategoriesFromList builds a category set in memory (tests).
func NewCategoriesFromList(list ...*Category) *Categories {
	cats := &Categories{byID: make(map[string]*Category)}
	for _, c := range list {
		c.schemaJSON, _ = json.Marshal(c.Schema)
		cats.byID[c.ID()] = c
	}
	return cats
}

// Get resolves a category id.
func (c *Categories) Get(id string) (*Category, bool) {
	cat, ok := c.byID[id]
	return cat, ok
}
