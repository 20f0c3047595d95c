package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/MrWong99/banter/pkg/provider/llm"
)

// ProviderFactory builds a provider from its config entry.
type ProviderFactory func(entry ProviderEntry) (llm.Provider, error)

// ErrProviderNotRegistered is wrapped into errors returned by Create for
// entries naming a backend that was never registered.
var ErrProviderNotRegistered = fmt.Errorf("config: provider not registered")

// Registry maps provider names to factories. The main package registers
// the concrete backends at startup and Create turns config entries into
// live providers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

// Register installs a factory for the given provider name, replacing any
// previous registration. Names are case-insensitive.
func (r *Registry) Register(name string, factory ProviderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(name)] = factory
}

// Create builds a provider from a config entry.
func (r *Registry) Create(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(entry.Name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return nil, fmt.Errorf("config: create provider %q: %w", entry.Name, err)
	}
	return p, nil
}
