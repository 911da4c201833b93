package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Host keeps track of hosted providers and orchestrates their lifecycle.
type Host struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	resources map[string]any
	defaults  IsolationPolicy
}

type instance struct {
	mu       sync.Mutex
	Provider Provider
	Info     Info
	State    State
	Config   map[string]any
	Policy   IsolationPolicy
	Source   string
}

// Handle pairs a hosted provider with the id it was registered under.
type Handle struct {
	ID       string
	Provider Provider
}

// NewHost constructs a host using the supplied configuration and options.
func NewHost(cfg HostConfig, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Host{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		resources: make(map[string]any),
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.isolation = NewIsolationStrategy(h.isolation)
	if err := h.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return h, nil
}

// Register registers a provider instance directly with the host.
func (h *Host) Register(id string, p Provider, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("provider id cannot be empty")
	}
	if p == nil {
		return errors.New("provider implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("provider id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(h.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := h.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure provider %s: %w", id, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.registry[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}
	h.registry[id] = &instance{Provider: p, Info: mergeInfo(info, id), State: StateRegistered, Config: cfg, Policy: policy, Source: "manual"}
	return nil
}

// Load loads a provider implementation from disk and registers it with the host.
func (h *Host) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("provider path cannot be empty")
	}
	p, err := h.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load provider from %s: %w", path, err)
	}
	return h.Register(id, p, cfg, policy)
}

// Start initialises and activates a provider by id.
func (h *Host) Start(ctx context.Context, id string) error {
	inst, err := h.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State == StateActive {
		return nil
	}
	hostCtx := &HostContext{C: ctx, Config: inst.Config, Resources: h.resources}
	if inst.State == StateRegistered || inst.State == StateStopped {
		if err := inst.Provider.Init(hostCtx.Clone()); err != nil {
			return fmt.Errorf("initialise provider %s: %w", id, err)
		}
		inst.State = StateInitialised
	}
	if err := h.isolation.Prepare(inst.Info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	inst.State = StateActive
	return nil
}

// Stop halts a provider if it is active.
func (h *Host) Stop(ctx context.Context, id string) error {
	inst, err := h.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.State != StateActive {
		return nil
	}
	hostCtx := &HostContext{C: ctx, Config: inst.Config, Resources: h.resources}
	if err := inst.Provider.Shutdown(hostCtx.Clone()); err != nil {
		return fmt.Errorf("shutdown provider %s: %w", id, err)
	}
	if err := h.isolation.Cleanup(inst.Info); err != nil {
		return fmt.Errorf("cleanup isolation for %s: %w", id, err)
	}
	inst.State = StateStopped
	return nil
}

// StartAll activates all registered providers.
func (h *Host) StartAll(ctx context.Context) error {
	for _, id := range h.ids() {
		if err := h.Start(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// StopAll halts all active providers.
func (h *Host) StopAll(ctx context.Context) error {
	for _, id := range h.ids() {
		if err := h.Stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Active returns handles for every provider currently able to serve calls,
// ordered by id.
func (h *Host) Active() []Handle {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handles := make([]Handle, 0, len(h.registry))
	for id, inst := range h.registry {
		inst.mu.Lock()
		state := inst.State
		inst.mu.Unlock()
		if state != StateActive {
			continue
		}
		handles = append(handles, Handle{ID: id, Provider: inst.Provider})
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].ID < handles[j].ID })
	return handles
}

// State returns the lifecycle state of a provider.
func (h *Host) State(id string) (State, error) {
	inst, err := h.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

func (h *Host) ids() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.registry))
	for id := range h.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Host) get(id string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.registry[id]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", id)
	}
	return inst, nil
}

func (h *Host) loadConfigured(cfg HostConfig) error {
	for id, providerCfg := range cfg.Providers {
		if !providerCfg.Enabled {
			continue
		}
		path := providerCfg.Path
		if !filepath.IsAbs(path) && cfg.ProviderDir != "" {
			path = filepath.Join(cfg.ProviderDir, path)
		}
		policy := MergePolicies(cfg.Defaults, providerCfg.Policy)
		if err := h.Load(id, path, cloneConfig(providerCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
