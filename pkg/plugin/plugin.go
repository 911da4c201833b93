// Package plugin hosts out-of-tree capability providers compiled as Go
// shared objects. The host application loads each provider, walks it
// through its lifecycle and exposes the active set for registration.
package plugin

import "context"

// Provider is the contract an externally built capability module must satisfy.
// Implementations are compiled with -buildmode=plugin and export a `Provider`
// symbol that the loader resolves.
type Provider interface {
	// Info returns the static metadata for the provider.
	Info() Info
	// Configure allows the provider to inspect its configuration block prior
	// to initialisation. Implementations may mutate the map to inject defaults.
	Configure(cfg map[string]any) error
	// Init prepares the provider for use.
	Init(ctx *HostContext) error
	// Invoke performs one capability call. Implementations must respect the
	// deadline carried by ctx.
	Invoke(ctx context.Context, call Call) (*Outcome, error)
	// Ping reports whether the provider is currently able to serve calls.
	Ping(ctx context.Context) error
	// Shutdown gracefully halts the provider and releases any resources.
	Shutdown(ctx *HostContext) error
}

// HostContext is passed to providers for every lifecycle stage.
type HostContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// Config is the provider specific configuration block merged with host overrides.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
}

// Clone returns a shallow copy of the host context so providers can safely mutate maps.
func (c *HostContext) Clone() *HostContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = make(map[string]any, len(c.Config))
		for k, v := range c.Config {
			dup.Config[k] = v
		}
	}
	if c.Resources != nil {
		dup.Resources = make(map[string]any, len(c.Resources))
		for k, v := range c.Resources {
			dup.Resources[k] = v
		}
	}
	return &dup
}

// Option modifies the behaviour of a plugin host instance.
type Option func(*Host)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(h *Host) {
		if loader != nil {
			h.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(h *Host) {
		if strategy != nil {
			h.isolation = strategy
		}
	}
}

// WithResource registers a shared resource that will be exposed to all providers.
func WithResource(key string, value any) Option {
	return func(h *Host) {
		if key == "" || value == nil {
			return
		}
		if h.resources == nil {
			h.resources = make(map[string]any)
		}
		h.resources[key] = value
	}
}
