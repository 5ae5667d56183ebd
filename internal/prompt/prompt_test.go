package prompt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmates/core/internal/fault"
)

func TestResolve(t *testing.T) {
	tmpl := Template("Apps: {AVAILABLE_APPS}. Memories: {AVAILABLE_MEMORIES}.")
	got := tmpl.Resolve(Context{
		"AVAILABLE_APPS":     "web, code",
		"AVAILABLE_MEMORIES": "none",
	})
	if got != "Apps: web, code. Memories: none." {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolveLeavesUnknownPlaceholders(t *testing.T) {
	got := Template("known {A}, unknown {MISSING}").Resolve(Context{"A": "x"})
	if got != "known x, unknown {MISSING}" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolveOverlappingNames(t *testing.T) {
	// {APPS_EXTENDED} must not be clobbered by the shorter {APPS}.
	got := Template("{APPS} / {APPS_EXTENDED}").Resolve(Context{
		"APPS":          "short",
		"APPS_EXTENDED": "long",
	})
	if got != "short / long" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestResolveEmptyContext(t *testing.T) {
	if got := Template("{A}").Resolve(nil); got != "{A}" {
		t.Errorf("Resolve = %q", got)
	}
}

func writeToolFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadToolFile(t *testing.T) {
	path := writeToolFile(t, `
name: analyze_request
description: "Pick from: {AVAILABLE_APPS}"
parameters:
  type: object
  properties:
    model_tier:
      type: string
  required: [model_tier]
`)
	tf, err := LoadToolFile(path)
	if err != nil {
		t.Fatalf("LoadToolFile: %v", err)
	}
	if tf.Name != "analyze_request" {
		t.Errorf("name = %q", tf.Name)
	}

	def := tf.Def(Context{"AVAILABLE_APPS": "web"})
	if def.Description != "Pick from: web" {
		t.Errorf("description = %q", def.Description)
	}
	var schema map[string]any
	if err := json.Unmarshal(def.Parameters, &schema); err != nil {
		t.Fatalf("parameters not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Errorf("schema = %v", schema)
	}
}

func TestLoadToolFileMissingName(t *testing.T) {
	path := writeToolFile(t, "description: no name\nparameters:\n  type: object\n")
	_, err := LoadToolFile(path)
	if !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
}

func TestLoadToolFileUnreadable(t *testing.T) {
	_, err := LoadToolFile(filepath.Join(t.TempDir(), "absent.yml"))
	if !fault.IsKind(err, fault.KindConfig) {
		t.Fatalf("err = %v, want config fault", err)
	}
	if !strings.Contains(err.Error(), "absent.yml") {
		t.Errorf("err = %v, want path in message", err)
	}
}
