package workflow

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFeatureSetRejectsMissingFeatures(t *testing.T) {
	const payload = `
id: missing-features
features: []
`
	_, err := ParseFeatureSet([]byte(payload), FormatYAML)
	if err == nil {
		t.Fatalf("expected error when features are missing")
	}
	if !strings.Contains(err.Error(), "at least one feature is required") {
		t.Fatalf("unexpected error for missing features: %v", err)
	}
}

func TestParseFeatureSetRejectsDuplicateDependencies(t *testing.T) {
	const payload = `
id: dup-deps
features:
  - id: start
  - id: build
    depends_on: [start, start]
`
	_, err := ParseFeatureSet([]byte(payload), FormatYAML)
	if err == nil {
		t.Fatalf("expected duplicate dependency error")
	}
	if !strings.Contains(err.Error(), "duplicate dependency") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseFeatureSetRejectsDuplicateIDs(t *testing.T) {
	const payload = `{"id":"dups","features":[{"id":"a"},{"id":"a"}]}`
	_, err := ParseFeatureSet([]byte(payload), FormatJSON)
	if err == nil || !strings.Contains(err.Error(), "duplicate feature id a") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestParseFeatureSetLeavesUnknownDependenciesToResolver(t *testing.T) {
	const payload = `
id: unknown
features:
  - id: start
    depends_on: [missing]
`
	set, err := ParseFeatureSet([]byte(payload), FormatYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := set.Features[0].DependsOn; len(got) != 1 || got[0] != "missing" {
		t.Fatalf("dependencies = %v", got)
	}
}

func TestParseFeatureSetTOML(t *testing.T) {
	const payload = `
id = "toml-set"

[runtime]
sequential = true
max_retries = 3

[[features]]
id = "api"
capability = "backend-developer"

[features.payload]
task = "build the api"

[[features]]
id = "ui"
capability = "frontend-developer"
depends_on = ["api"]
`
	set, err := ParseFeatureSet([]byte(payload), FormatTOML)
	if err != nil {
		t.Fatalf("parse toml: %v", err)
	}
	if len(set.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(set.Features))
	}
	if !set.Runtime.Sequential || set.Runtime.MaxRetries == nil || *set.Runtime.MaxRetries != 3 {
		t.Fatalf("unexpected runtime: %+v", set.Runtime)
	}
	if set.Features[0].Payload["task"] != "build the api" {
		t.Fatalf("payload not decoded: %+v", set.Features[0].Payload)
	}
}

func TestLoadFeatureSetDefaultsIDFromFilename(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkout.yaml")
	if err := os.WriteFile(path, []byte("features:\n  - id: cart\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	set, err := LoadFeatureSet(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.ID != "checkout" {
		t.Fatalf("expected id from filename, got %q", set.ID)
	}
}

func TestFeatureCloneIsDeep(t *testing.T) {
	keep := true
	original := Feature{ID: "a", DependsOn: []string{"b"}, Payload: Payload{"k": "v"}, ContinueOnError: &keep}
	clone := original.Clone()
	clone.DependsOn[0] = "changed"
	clone.Payload["k"] = "changed"
	*clone.ContinueOnError = false
	if original.DependsOn[0] != "b" || original.Payload["k"] != "v" || !*original.ContinueOnError {
		t.Fatalf("clone mutated original: %+v", original)
	}
}
