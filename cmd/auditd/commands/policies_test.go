package commands

import (
	"context"
	"testing"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/config"
	"github.com/rs/zerolog"
)

func TestBuildPolicies_DisablesConfiguredPolicies(t *testing.T) {
	eng, err := buildPolicies(context.Background(), config.PolicyConfig{
		Disabled: []string{"webhook-egress"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("buildPolicies failed: %v", err)
	}

	p, err := eng.GetPolicy("webhook-egress")
	if err != nil {
		t.Fatalf("GetPolicy failed: %v", err)
	}
	if p.Enabled {
		t.Error("webhook-egress should be disabled")
	}
}

func TestBuildPolicies_UnknownDisabledPolicy(t *testing.T) {
	_, err := buildPolicies(context.Background(), config.PolicyConfig{
		Disabled: []string{"missing"},
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for an unknown policy")
	}
}

func TestPoliciesShow(t *testing.T) {
	if err := runRoot(t, "policies", "show", "webhook-egress", "--config", ""); err != nil {
		t.Fatalf("policies show failed: %v", err)
	}
	if err := runRoot(t, "policies", "show", "missing", "--config", ""); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}
