package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testInput() *Input {
	return &Input{
		Config: map[string]interface{}{
			"principal":  "alice",
			"profileDir": "/home/alice",
			"backup": map[string]interface{}{
				"root": "/mnt/backup",
			},
			"tempAccount": map[string]interface{}{
				"enabled":   true,
				"name":      "hostmove-admin",
				"secretRef": "env:HOSTMOVE_TEMP_PW",
			},
			"domainLeave": map[string]interface{}{
				"enabled": true,
			},
			"recoveryExport": map[string]interface{}{
				"enabled":   false,
				"directory": "",
			},
			"join": map[string]interface{}{
				"pollIntervalSeconds": 15,
				"timeoutSeconds":      900,
			},
		},
		Snapshot: map[string]interface{}{},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(context.Background(), logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func findingsFor(result *Result, policy string, level Level) []Finding {
	var out []Finding
	for _, f := range result.Findings {
		if f.Policy == policy && f.Level == level {
			out = append(out, f)
		}
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	expected := []string{
		"backup-root-placement",
		"join-window",
		"recovery-export-placement",
		"temp-account",
	}
	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("Expected policy %s at %d, got %s", expected[i], i, p.Name)
		}
	}
}

func TestEvaluate_CleanInput(t *testing.T) {
	eng := newTestEngine(t)

	result := eng.Evaluate(context.Background(), testInput())
	if len(result.Errors) != 0 {
		t.Fatalf("Unexpected evaluation errors: %v", result.Errors)
	}
	if len(result.Findings) != 0 {
		t.Errorf("Expected no findings, got %+v", result.Findings)
	}
	if len(result.Evaluated) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %d", len(result.Evaluated))
	}
}

func TestEvaluate_BackupRootPlacement(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name       string
		root       string
		expectDeny bool
		expectWarn bool
	}{
		{name: "outside profile", root: "/mnt/backup"},
		{name: "inside profile", root: "/home/alice/backups", expectDeny: true},
		{name: "profile itself", root: "/home/alice/", expectDeny: true},
		{name: "sibling with shared prefix", root: "/home/alice2/backup"},
		{name: "relative", root: "backups", expectWarn: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := testInput()
			input.Config["backup"] = map[string]interface{}{"root": tt.root}

			result := eng.Evaluate(context.Background(), input)
			deny := findingsFor(result, "backup-root-placement", LevelDeny)
			warn := findingsFor(result, "backup-root-placement", LevelWarn)

			if (len(deny) > 0) != tt.expectDeny {
				t.Errorf("deny = %+v, expectDeny %v", deny, tt.expectDeny)
			}
			if (len(warn) > 0) != tt.expectWarn {
				t.Errorf("warn = %+v, expectWarn %v", warn, tt.expectWarn)
			}
			if tt.expectDeny && deny[0].Remediation == "" {
				t.Error("Expected a remediation on the deny finding")
			}
		})
	}
}

func TestEvaluate_TempAccount(t *testing.T) {
	eng := newTestEngine(t)

	input := testInput()
	input.Config["tempAccount"] = map[string]interface{}{
		"enabled":   true,
		"name":      "Alice",
		"secretRef": "hunter2",
	}

	result := eng.Evaluate(context.Background(), input)
	if got := findingsFor(result, "temp-account", LevelDeny); len(got) != 1 {
		t.Errorf("Expected one deny finding, got %+v", got)
	}
	if got := findingsFor(result, "temp-account", LevelWarn); len(got) != 1 {
		t.Errorf("Expected one warn finding for literal secret, got %+v", got)
	}
}

func TestEvaluate_JoinWindow(t *testing.T) {
	eng := newTestEngine(t)

	input := testInput()
	input.Config["join"] = map[string]interface{}{
		"pollIntervalSeconds": 60,
		"timeoutSeconds":      120,
	}

	result := eng.Evaluate(context.Background(), input)
	if got := findingsFor(result, "join-window", LevelWarn); len(got) != 1 {
		t.Errorf("Expected join-window warning, got %+v", got)
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	input := testInput()
	input.Config["backup"] = map[string]interface{}{"root": "/home/alice/backups"}

	if err := eng.DisablePolicy("backup-root-placement"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result := eng.Evaluate(context.Background(), input)
	if got := findingsFor(result, "backup-root-placement", LevelDeny); len(got) != 0 {
		t.Errorf("Disabled policy produced findings: %+v", got)
	}

	if err := eng.EnablePolicy("backup-root-placement"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result = eng.Evaluate(context.Background(), input)
	if got := findingsFor(result, "backup-root-placement", LevelDeny); len(got) != 1 {
		t.Errorf("Enabled policy produced %d findings", len(got))
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)

	dir := t.TempDir()
	rego := `# Lab hosts stay where they are.
package site.lab

import rego.v1

deny contains msg if {
	input.snapshot.membership.domain == "lab.example.com"
	msg := "lab hosts are migrated by the lab team"
}

warn contains "custom warning" if {
	input.dry_run
}`
	if err := os.WriteFile(filepath.Join(dir, "lab.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	p, err := eng.GetPolicy("lab")
	if err != nil {
		t.Fatalf("Custom policy not registered: %v", err)
	}
	if p.Description != "Lab hosts stay where they are." {
		t.Errorf("Unexpected description %q", p.Description)
	}

	input := testInput()
	input.DryRun = true
	input.Snapshot["membership"] = map[string]interface{}{"joined": true, "domain": "lab.example.com"}

	result := eng.Evaluate(context.Background(), input)
	deny := findingsFor(result, "lab", LevelDeny)
	if len(deny) != 1 || deny[0].Message != "lab hosts are migrated by the lab team" {
		t.Errorf("Unexpected deny findings: %+v", deny)
	}
	if warn := findingsFor(result, "lab", LevelWarn); len(warn) != 1 {
		t.Errorf("Unexpected warn findings: %+v", warn)
	}
}

func TestLoadPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "broken.rego")
	if err := os.WriteFile(path, []byte("package broken\n\ndeny contains {"), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(context.Background(), []string{path}); err == nil {
		t.Error("Expected compile error for invalid policy")
	}
}

func TestEvaluate_RuntimeErrorIsReported(t *testing.T) {
	eng := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "conflict.rego")
	rego := `package site.conflict

import rego.v1

deny := "first" if {
	input.dry_run == false
}

deny := "second" if {
	input.dry_run == false
}`
	if err := os.WriteFile(path, []byte(rego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(context.Background(), []string{path}); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	result := eng.Evaluate(context.Background(), testInput())
	if len(result.Errors) != 1 || result.Errors[0].Policy != "conflict" {
		t.Errorf("Expected one evaluation error for conflict, got %v", result.Errors)
	}
}
