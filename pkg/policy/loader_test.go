package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()

	policyFile := filepath.Join(t.TempDir(), "test-policy.rego")
	regoContent := `# Test policy for validation
package test.policy

import rego.v1

deny contains "no" if {
	input.config.principal == "root"
}`
	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "test-policy" {
		t.Errorf("Expected name 'test-policy', got '%s'", policy.Name)
	}
	if policy.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	tests := []struct {
		name          string
		content       string
		expectErr     bool
		expectName    string
		expectEnabled bool
	}{
		{
			name:          "enabled by default",
			content:       `{"name": "json-policy", "rego": "package x\n"}`,
			expectName:    "json-policy",
			expectEnabled: true,
		},
		{
			name:          "explicitly disabled",
			content:       `{"name": "off", "rego": "package x\n", "enabled": false}`,
			expectName:    "off",
			expectEnabled: false,
		},
		{
			name:          "name from file",
			content:       `{"rego": "package x\n"}`,
			expectName:    "policy-2",
			expectEnabled: true,
		},
		{
			name:      "missing rego",
			content:   `{"name": "empty"}`,
			expectErr: true,
		},
		{
			name:      "invalid json",
			content:   `{"name":`,
			expectErr: true,
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "policy-"+string(rune('0'+i))+".json")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to write test file: %v", err)
			}

			policy, err := loader.loadFromFile(path)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Failed to load policy: %v", err)
			}
			if policy.Name != tt.expectName {
				t.Errorf("Expected name %s, got %s", tt.expectName, policy.Name)
			}
			if policy.Enabled != tt.expectEnabled {
				t.Errorf("Expected enabled %v, got %v", tt.expectEnabled, policy.Enabled)
			}
		})
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := newTestLoader()

	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(dir, "a.rego"):      "package a\n",
		filepath.Join(nested, "b.rego"):   "package b\n",
		filepath.Join(dir, "notes.txt"):   "ignored",
		filepath.Join(nested, "bad.json"): "{",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
}

func TestLoadFromPath_NonExistent(t *testing.T) {
	loader := newTestLoader()

	_, err := loader.LoadFromPaths(context.Background(), []string{"/nonexistent/policy.rego"})
	if err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := newTestLoader()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("name: x"), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "multi-line comment",
			content:  "# First line\n# second line\npackage x\n",
			expected: "First line second line",
		},
		{
			name:     "no comment",
			content:  "package x\n# trailing\n",
			expected: "",
		},
		{
			name:     "blank lines before comment",
			content:  "\n\n# Only this\n\npackage x\n",
			expected: "Only this",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDescription(tt.content); got != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, got)
			}
		})
	}
}
