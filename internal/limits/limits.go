// Package limits resolves per-tenant quotas and performs admission checks.
// Limits are re-resolved from tenant settings on every call so that a
// configuration change takes effect without a restart; they are never
// cached across requests.
package limits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agnxi/agnxi/internal/config"
)

// TenantLimits is a snapshot of the six scalar quotas for one tenant.
type TenantLimits struct {
	MaxAgents                int   `json:"max_agents"`
	MaxConcurrentInvocations int   `json:"max_concurrent_invocations"`
	InvocationTimeoutSec     int   `json:"invocation_timeout_sec"`
	MaxRequestBodyBytes      int64 `json:"max_request_body_bytes"`
	MaxStorageMB             int   `json:"max_storage_mb"`
	MaxAPIKeys               int   `json:"max_api_keys"`
}

// Decision is the outcome of a quota check. Current and Limit are disclosed
// to the caller on rejection.
type Decision struct {
	Allowed bool `json:"allowed"`
	Current int  `json:"current"`
	Limit   int  `json:"limit"`
}

// Store is the slice of the metadata store the resolver needs.
type Store interface {
	GetTenantSettings(ctx context.Context, tenantID string) (json.RawMessage, error)
	CountInFlightInvocations(ctx context.Context, tenantID string) (int, error)
	CountAgents(ctx context.Context, tenantID string) (int, error)
	CountActiveAPIKeys(ctx context.Context, tenantID string) (int, error)
}

// Resolver resolves tenant limits against explicit process defaults.
type Resolver struct {
	store    Store
	defaults TenantLimits
}

// NewResolver builds a resolver with defaults taken from config at startup.
func NewResolver(store Store, cfg config.LimitsConfig) *Resolver {
	return &Resolver{
		store: store,
		defaults: TenantLimits{
			MaxAgents:                cfg.MaxAgents,
			MaxConcurrentInvocations: cfg.MaxConcurrentInvocations,
			InvocationTimeoutSec:     cfg.InvocationTimeoutSec,
			MaxRequestBodyBytes:      cfg.MaxRequestBodyBytes,
			MaxStorageMB:             cfg.MaxStorageMB,
			MaxAPIKeys:               cfg.MaxAPIKeys,
		},
	}
}

// tenantSettings mirrors the relevant slice of the tenant settings document.
// All limit fields are optional; absent fields fall back to defaults.
type tenantSettings struct {
	Limits struct {
		MaxAgents                *int   `json:"max_agents"`
		MaxConcurrentInvocations *int   `json:"max_concurrent_invocations"`
		InvocationTimeoutSec     *int   `json:"invocation_timeout_sec"`
		MaxRequestBodyBytes      *int64 `json:"max_request_body_bytes"`
		MaxStorageMB             *int   `json:"max_storage_mb"`
		MaxAPIKeys               *int   `json:"max_api_keys"`
	} `json:"limits"`
}

// Resolve returns the effective limits for a tenant: settings override or
// process default, field by field.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (TenantLimits, error) {
	out := r.defaults

	raw, err := r.store.GetTenantSettings(ctx, tenantID)
	if err != nil {
		return out, fmt.Errorf("resolve limits for tenant %s: %w", tenantID, err)
	}
	if len(raw) == 0 {
		return out, nil
	}

	var settings tenantSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		// Malformed settings never widen or drop a limit; defaults apply.
		return out, nil
	}

	o := settings.Limits
	if o.MaxAgents != nil && *o.MaxAgents > 0 {
		out.MaxAgents = *o.MaxAgents
	}
	if o.MaxConcurrentInvocations != nil && *o.MaxConcurrentInvocations > 0 {
		out.MaxConcurrentInvocations = *o.MaxConcurrentInvocations
	}
	if o.InvocationTimeoutSec != nil && *o.InvocationTimeoutSec > 0 {
		out.InvocationTimeoutSec = *o.InvocationTimeoutSec
	}
	if o.MaxRequestBodyBytes != nil && *o.MaxRequestBodyBytes > 0 {
		out.MaxRequestBodyBytes = *o.MaxRequestBodyBytes
	}
	if o.MaxStorageMB != nil && *o.MaxStorageMB > 0 {
		out.MaxStorageMB = *o.MaxStorageMB
	}
	if o.MaxAPIKeys != nil && *o.MaxAPIKeys > 0 {
		out.MaxAPIKeys = *o.MaxAPIKeys
	}
	return out, nil
}

// CheckConcurrency gates new invocations on the tenant's in-flight count
// (queued plus running). The check is advisory: it reads then decides with
// no lock, so concurrent submissions can transiently exceed the limit by
// the number of requests in flight at check time. On a store failure the
// check fails closed.
func (r *Resolver) CheckConcurrency(ctx context.Context, tenantID string) (Decision, error) {
	lim, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	current, err := r.store.CountInFlightInvocations(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("check concurrency for tenant %s: %w", tenantID, err)
	}
	return Decision{
		Allowed: current < lim.MaxConcurrentInvocations,
		Current: current,
		Limit:   lim.MaxConcurrentInvocations,
	}, nil
}

// CheckMaxAgents gates agent creation on the tenant's agent count.
func (r *Resolver) CheckMaxAgents(ctx context.Context, tenantID string) (Decision, error) {
	lim, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	current, err := r.store.CountAgents(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("check max agents for tenant %s: %w", tenantID, err)
	}
	return Decision{Allowed: current < lim.MaxAgents, Current: current, Limit: lim.MaxAgents}, nil
}

// CheckMaxAPIKeys gates key creation on the tenant's unrevoked key count.
func (r *Resolver) CheckMaxAPIKeys(ctx context.Context, tenantID string) (Decision, error) {
	lim, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return Decision{}, err
	}
	current, err := r.store.CountActiveAPIKeys(ctx, tenantID)
	if err != nil {
		return Decision{}, fmt.Errorf("check max api keys for tenant %s: %w", tenantID, err)
	}
	return Decision{Allowed: current < lim.MaxAPIKeys, Current: current, Limit: lim.MaxAPIKeys}, nil
}
