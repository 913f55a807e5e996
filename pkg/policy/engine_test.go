package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	if len(policies) != 1 {
		t.Fatalf("Expected 1 built-in policy, got %d", len(policies))
	}
	if policies[0].Name != "webhook-egress" {
		t.Errorf("Expected webhook-egress, got %s", policies[0].Name)
	}
	if !policies[0].Builtin {
		t.Error("Built-in policy should be marked builtin")
	}
}

func TestEvaluateEgress(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		input         EgressInput
		expectAllowed bool
		expectReason  string
	}{
		{
			name: "public https destination",
			input: EgressInput{
				Scheme:    "https",
				Host:      "hooks.example.com",
				Addresses: []string{"93.184.216.34"},
			},
			expectAllowed: true,
		},
		{
			name: "loopback address",
			input: EgressInput{
				Scheme:    "https",
				Host:      "evil.example.com",
				Addresses: []string{"127.0.0.1"},
			},
			expectAllowed: false,
			expectReason:  "blocked range 127.0.0.0/8",
		},
		{
			name: "private address",
			input: EgressInput{
				Scheme:    "https",
				Host:      "intranet.example.com",
				Addresses: []string{"93.184.216.34", "10.1.2.3"},
			},
			expectAllowed: false,
			expectReason:  "blocked range 10.0.0.0/8",
		},
		{
			name: "link-local metadata address",
			input: EgressInput{
				Scheme:    "https",
				Host:      "169.254.169.254",
				Addresses: []string{"169.254.169.254"},
			},
			expectAllowed: false,
			expectReason:  "169.254.0.0/16",
		},
		{
			name: "ipv6 loopback",
			input: EgressInput{
				Scheme:    "https",
				Host:      "v6.example.com",
				Addresses: []string{"::1"},
			},
			expectAllowed: false,
			expectReason:  "::1/128",
		},
		{
			name: "localhost host name",
			input: EgressInput{
				Scheme:    "https",
				Host:      "localhost",
				Addresses: []string{"93.184.216.34"},
			},
			expectAllowed: false,
			expectReason:  "host localhost is not allowed",
		},
		{
			name: "internal suffix",
			input: EgressInput{
				Scheme:    "https",
				Host:      "db.corp.internal",
				Addresses: []string{"93.184.216.34"},
			},
			expectAllowed: false,
			expectReason:  "host db.corp.internal is not allowed",
		},
		{
			name: "plain http",
			input: EgressInput{
				Scheme:    "http",
				Host:      "hooks.example.com",
				Addresses: []string{"93.184.216.34"},
			},
			expectAllowed: false,
			expectReason:  "plain http",
		},
		{
			name: "plain http allowed",
			input: EgressInput{
				Scheme:    "http",
				Host:      "hooks.example.com",
				Addresses: []string{"93.184.216.34"},
				Options:   EgressOptions{AllowHTTP: true},
			},
			expectAllowed: true,
		},
		{
			name: "unsupported scheme",
			input: EgressInput{
				Scheme:    "ftp",
				Host:      "hooks.example.com",
				Addresses: []string{"93.184.216.34"},
			},
			expectAllowed: false,
			expectReason:  "scheme ftp is not allowed",
		},
		{
			name: "unresolved host",
			input: EgressInput{
				Scheme: "https",
				Host:   "nowhere.example.com",
			},
			expectAllowed: false,
			expectReason:  "did not resolve",
		},
		{
			name: "private allowed",
			input: EgressInput{
				Scheme:    "https",
				Host:      "127.0.0.1",
				Addresses: []string{"127.0.0.1"},
				Options:   EgressOptions{AllowPrivate: true},
			},
			expectAllowed: true,
		},
		{
			name: "host in allow list",
			input: EgressInput{
				Scheme:    "https",
				Host:      "Hooks.Example.com",
				Addresses: []string{"93.184.216.34"},
				Options:   EgressOptions{AllowedHosts: []string{"hooks.example.com"}},
			},
			expectAllowed: true,
		},
		{
			name: "host outside allow list",
			input: EgressInput{
				Scheme:    "https",
				Host:      "other.example.com",
				Addresses: []string{"93.184.216.34"},
				Options:   EgressOptions{AllowedHosts: []string{"hooks.example.com"}},
			},
			expectAllowed: false,
			expectReason:  "not in the allow list",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.EvaluateEgress(context.Background(), tt.input)
			if err != nil {
				t.Fatalf("EvaluateEgress failed: %v", err)
			}

			if decision.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, decision.Allowed, decision.Violations)
			}
			if tt.expectReason != "" && !strings.Contains(decision.Reason(), tt.expectReason) {
				t.Errorf("Expected reason to contain %q, got %q", tt.expectReason, decision.Reason())
			}
			if len(decision.Warnings) > 0 {
				t.Errorf("Unexpected warnings: %v", decision.Warnings)
			}
		})
	}
}

func TestDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	input := EgressInput{Scheme: "https", Host: "localhost", Addresses: []string{"127.0.0.1"}}

	if err := eng.DisablePolicy("webhook-egress"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	decision, err := eng.EvaluateEgress(ctx, input)
	if err != nil {
		t.Fatalf("EvaluateEgress failed: %v", err)
	}
	if !decision.Allowed {
		t.Error("Disabled policy should not block")
	}
	if len(decision.EvaluatedPolicies) != 0 {
		t.Errorf("Expected no evaluated policies, got %v", decision.EvaluatedPolicies)
	}

	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestDisablePolicy_SurvivesReload(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.rego")
	blocking := "package custom.events\n\nimport rego.v1\n\ndeny contains \"blocked\" if { input.event == \"audit.failed\" }\n"
	if err := os.WriteFile(path, []byte(blocking), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.DisablePolicy("events"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("events")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("Reloaded policy should stay disabled")
	}

	input := EgressInput{Scheme: "https", Host: "hooks.example.com", Addresses: []string{"93.184.216.34"}, Event: "audit.failed"}
	decision, err := eng.EvaluateEgress(ctx, input)
	if err != nil {
		t.Fatalf("EvaluateEgress failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Disabled custom policy should not block: %+v", decision.Violations)
	}
}

func TestLoadPolicies_RereadsChangedFiles(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "events.rego")
	input := EgressInput{Scheme: "https", Host: "hooks.example.com", Addresses: []string{"93.184.216.34"}, Event: "audit.failed"}

	blocking := "package custom.events\n\nimport rego.v1\n\ndeny contains \"blocked\" if { input.event == \"audit.failed\" }\n"
	if err := os.WriteFile(path, []byte(blocking), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if decision, _ := eng.EvaluateEgress(ctx, input); decision == nil || decision.Allowed {
		t.Fatal("Expected the first version to block")
	}

	if err := os.WriteFile(path, []byte("package custom.events"+emptyDeny), 0644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	decision, err := eng.EvaluateEgress(ctx, input)
	if err != nil {
		t.Fatalf("EvaluateEgress failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Rewritten policy should allow: %+v", decision.Violations)
	}
}

func TestLoadPolicies_Custom(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	custom := `package custom.events

import rego.v1

deny contains msg if {
	input.event == "audit.failed"
	msg := "failure notifications are disabled"
}

deny contains {"message": "partner host is deprecated", "severity": "warning"} if {
	input.host == "old.example.com"
}
`
	if err := os.WriteFile(filepath.Join(dir, "events.rego"), []byte(custom), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if got := len(eng.ListPolicies()); got != 2 {
		t.Fatalf("Expected 2 policies, got %d", got)
	}

	decision, err := eng.EvaluateEgress(ctx, EgressInput{
		Scheme:    "https",
		Host:      "hooks.example.com",
		Addresses: []string{"93.184.216.34"},
		Event:     "audit.failed",
	})
	if err != nil {
		t.Fatalf("EvaluateEgress failed: %v", err)
	}
	if decision.Allowed {
		t.Error("Expected custom policy to block")
	}
	if decision.Reason() != "failure notifications are disabled" {
		t.Errorf("Unexpected reason: %q", decision.Reason())
	}

	decision, err = eng.EvaluateEgress(ctx, EgressInput{
		Scheme:    "https",
		Host:      "old.example.com",
		Addresses: []string{"93.184.216.34"},
		Event:     "audit.completed",
	})
	if err != nil {
		t.Fatalf("EvaluateEgress failed: %v", err)
	}
	if !decision.Allowed {
		t.Errorf("Warning severity should not block: %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 || decision.Warnings[0] != "partner host is deprecated" {
		t.Errorf("Expected one warning, got %v", decision.Warnings)
	}
}

func TestLoadPolicies_InvalidKeepsPrevious(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package broken\n\ndeny contains if {"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err == nil {
		t.Fatal("Expected compile error")
	}
	if got := len(eng.ListPolicies()); got != 1 {
		t.Errorf("Expected built-in policy only, got %d", got)
	}
}

func TestWatch_ReloadsPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	policy := "package extra\n\nimport rego.v1\n\ndeny contains \"blocked\" if {\n\tinput.event == \"x\"\n}\n"
	if err := os.WriteFile(filepath.Join(dir, "extra.rego"), []byte(policy), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := eng.GetPolicy("extra"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Policy was not reloaded")
}
