// Package tenant is the seam between MarQS and the authentication/tenant
// resolution system spec.md §1 calls out as an external collaborator:
// "supplies environment/organization identifiers and their configured
// concurrency limits". MarQS never owns tenant records; it only asks this
// interface for what it needs to build keys and score candidates.
package tenant

import (
	"context"
	"fmt"
	"sync"
)

// Resolver answers the two questions the broker needs about a tenant that
// it cannot derive from Redis state alone: which organization owns a given
// environment, and what concurrency limits that tenant's metadata declares.
type Resolver interface {
	// ResolveOrg returns the organization id that owns env.
	ResolveOrg(ctx context.Context, env string) (org string, err error)
	// EnvLimit returns the configured concurrency limit for env.
	EnvLimit(ctx context.Context, env string) (int, error)
	// OrgLimit returns the configured concurrency limit for org.
	OrgLimit(ctx context.Context, org string) (int, error)
}

// StaticResolver is a map-backed Resolver for tests and simple, single-
// process deployments where tenant metadata changes rarely enough to load
// it up front.
type StaticResolver struct {
	mu        sync.RWMutex
	envOrg    map[string]string
	envLimit  map[string]int
	orgLimit  map[string]int
	defaultEl int
	defaultOl int
}

// NewStaticResolver returns an empty StaticResolver. Unknown environments
// and organizations fall back to defaultEnvLimit/defaultOrgLimit.
func NewStaticResolver(defaultEnvLimit, defaultOrgLimit int) *StaticResolver {
	return &StaticResolver{
		envOrg:    make(map[string]string),
		envLimit:  make(map[string]int),
		orgLimit:  make(map[string]int),
		defaultEl: defaultEnvLimit,
		defaultOl: defaultOrgLimit,
	}
}

// SetEnvOrg records which organization owns env.
func (r *StaticResolver) SetEnvOrg(env, org string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envOrg[env] = org
}

// SetEnvLimit sets env's concurrency limit.
func (r *StaticResolver) SetEnvLimit(env string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envLimit[env] = limit
}

// SetOrgLimit sets org's concurrency limit.
func (r *StaticResolver) SetOrgLimit(org string, limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orgLimit[org] = limit
}

func (r *StaticResolver) ResolveOrg(_ context.Context, env string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	org, ok := r.envOrg[env]
	if !ok {
		return "", fmt.Errorf("tenant: no organization registered for environment %q", env)
	}
	return org, nil
}

func (r *StaticResolver) EnvLimit(_ context.Context, env string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.envLimit[env]; ok {
		return v, nil
	}
	return r.defaultEl, nil
}

func (r *StaticResolver) OrgLimit(_ context.Context, org string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.orgLimit[org]; ok {
		return v, nil
	}
	return r.defaultOl, nil
}
