package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy enforces security restrictions for hosted providers at runtime.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy performs only grant validation.
type NoopIsolationStrategy struct{}

// Validate ensures the grants requested by the provider are allowed.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	allowed := map[Grant]struct{}{}
	for _, grant := range policy.AllowedGrants {
		allowed[grant] = struct{}{}
	}
	for _, grant := range policy.DeniedGrants {
		if slices.Contains(info.Grants, grant) {
			return fmt.Errorf("grant %s is explicitly denied", grant)
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, grant := range info.Grants {
		if _, ok := allowed[grant]; !ok {
			return fmt.Errorf("grant %s not permitted", grant)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy returns a default isolation strategy if none is supplied.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies combines the default and provider specific isolation policies.
func MergePolicies(defaults IsolationPolicy, provider *IsolationPolicy) IsolationPolicy {
	if provider == nil {
		return defaults
	}
	merged := provider.Merge(defaults)
	if len(merged.AllowedGrants) == 0 && len(merged.DeniedGrants) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy returns an error when the isolation policy is empty and the provider requests grants.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Grants) == 0 {
		return nil
	}
	if len(policy.AllowedGrants) == 0 && len(policy.DeniedGrants) == 0 {
		return errors.New("providers declaring grants require an isolation policy")
	}
	return nil
}
