package tools

import (
	"fmt"
	"sort"
	"sync"

	"conductor/pkg/agent"
	"conductor/pkg/exec"
	"conductor/pkg/llm"
	"conductor/pkg/logx"
)

// Binding is the per-session environment tools are instantiated against.
type Binding struct {
	Context  agent.ToolContext
	Executor exec.Executor
	Logger   *logx.Logger
}

// Factory creates a tool instance for a session binding.
type Factory func(b Binding) (Tool, error)

// Descriptor is a registered tool: metadata, effect classification, and the
// factory that builds instances.
type Descriptor struct {
	Meta       Meta
	Permission Permission
	Factory    Factory
}

// registry is the global, sealed-after-startup tool table.
//
//nolint:gochecknoglobals // Single registry shared by every session in the process
var registry = struct {
	mu     sync.RWMutex
	sealed bool
	tools  map[string]Descriptor
}{tools: make(map[string]Descriptor)}

// Register adds a tool descriptor. Panics after the registry is sealed or on
// a duplicate name: both are startup wiring bugs, not runtime conditions.
func Register(d Descriptor) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.sealed {
		panic(fmt.Sprintf("tool registry sealed, cannot register %q", d.Meta.Name))
	}
	if d.Meta.Name == "" || d.Factory == nil {
		panic("tool descriptor needs a name and a factory")
	}
	if _, exists := registry.tools[d.Meta.Name]; exists {
		panic(fmt.Sprintf("tool %q registered twice", d.Meta.Name))
	}
	registry.tools[d.Meta.Name] = d
}

// Seal freezes the registry. Called automatically by the first Provider.
func Seal() {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.sealed = true
}

// Lookup returns a registered descriptor.
func Lookup(name string) (Descriptor, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	d, ok := registry.tools[name]
	return d, ok
}

// Registered returns all registered tool names, sorted.
func Registered() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.tools))
	for name := range registry.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider hands a session its allowed tools, instantiating each lazily on
// first use and caching it for the rest of the session.
type Provider struct {
	binding Binding
	allowed []string
	mu      sync.Mutex
	cache   map[string]Tool
}

// NewProvider builds a provider for a binding and an allowed tool list.
// Unknown names are rejected up front so a misconfigured role fails at
// session start, not mid-conversation. Seals the registry on first use.
func NewProvider(binding Binding, allowed []string) (*Provider, error) {
	Seal()
	for _, name := range allowed {
		if _, ok := Lookup(name); !ok {
			return nil, fmt.Errorf("tool %q is not registered", name)
		}
	}
	return &Provider{
		binding: binding,
		allowed: append([]string(nil), allowed...),
		cache:   make(map[string]Tool),
	}, nil
}

// Get returns the named tool, creating it on first use.
func (p *Provider) Get(name string) (Tool, error) {
	if !p.Allows(name) {
		return nil, fmt.Errorf("tool %q not allowed in this session", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tool, ok := p.cache[name]; ok {
		return tool, nil
	}

	desc, ok := Lookup(name)
	if !ok {
		return nil, fmt.Errorf("tool %q is not registered", name)
	}
	tool, err := desc.Factory(p.binding)
	if err != nil {
		return nil, fmt.Errorf("create tool %q: %w", name, err)
	}
	p.cache[name] = tool
	return tool, nil
}

// Allows reports whether the named tool is in this provider's allowed set.
func (p *Provider) Allows(name string) bool {
	for _, allowed := range p.allowed {
		if allowed == name {
			return true
		}
	}
	return false
}

// Names returns the allowed tool names in capability-table order.
func (p *Provider) Names() []string {
	return append([]string(nil), p.allowed...)
}

// Definitions returns the model-facing definitions of the allowed tools, in
// capability-table order.
func (p *Provider) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(p.allowed))
	for _, name := range p.allowed {
		if desc, ok := Lookup(name); ok {
			defs = append(defs, desc.Meta.Definition())
		}
	}
	return defs
}
