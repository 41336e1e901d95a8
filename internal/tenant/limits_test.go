package tenant

import (
	"context"
	"testing"
)

func TestStaticResolver_ResolveOrg(t *testing.T) {
	r := NewStaticResolver(10, 10)
	r.SetEnvOrg("staging", "acme")

	org, err := r.ResolveOrg(context.Background(), "staging")
	if err != nil {
		t.Fatalf("ResolveOrg: %v", err)
	}
	if org != "acme" {
		t.Fatalf("got org %q, want acme", org)
	}
}

func TestStaticResolver_ResolveOrg_Unknown(t *testing.T) {
	r := NewStaticResolver(10, 10)
	if _, err := r.ResolveOrg(context.Background(), "unknown"); err == nil {
		t.Fatal("expected an error resolving an unregistered environment")
	}
}

func TestStaticResolver_LimitsFallToDefault(t *testing.T) {
	r := NewStaticResolver(5, 7)

	envLimit, err := r.EnvLimit(context.Background(), "staging")
	if err != nil {
		t.Fatalf("EnvLimit: %v", err)
	}
	if envLimit != 5 {
		t.Fatalf("got env limit %d, want default 5", envLimit)
	}

	orgLimit, err := r.OrgLimit(context.Background(), "acme")
	if err != nil {
		t.Fatalf("OrgLimit: %v", err)
	}
	if orgLimit != 7 {
		t.Fatalf("got org limit %d, want default 7", orgLimit)
	}
}

func TestStaticResolver_ExplicitLimitsOverrideDefault(t *testing.T) {
	r := NewStaticResolver(5, 7)
	r.SetEnvLimit("staging", 20)
	r.SetOrgLimit("acme", 30)

	envLimit, err := r.EnvLimit(context.Background(), "staging")
	if err != nil {
		t.Fatalf("EnvLimit: %v", err)
	}
	if envLimit != 20 {
		t.Fatalf("got env limit %d, want 20", envLimit)
	}

	orgLimit, err := r.OrgLimit(context.Background(), "acme")
	if err != nil {
		t.Fatalf("OrgLimit: %v", err)
	}
	if orgLimit != 30 {
		t.Fatalf("got org limit %d, want 30", orgLimit)
	}
}
