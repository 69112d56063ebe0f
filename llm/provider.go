package llm

import (
	"fmt"
	"sort"
	"sync"
)

// Endpoint selects and configures one backend for a run.
type Endpoint struct {
	// Provider is the registered provider name ("google", "openai", "deepseek", ...).
	Provider string

	// Model is the model identifier sent to the provider.
	Model string

	// APIKey authenticates against the provider.
	APIKey Secret

	// BaseURL overrides the provider default endpoint.
	BaseURL string
}

// ProviderFactory builds a Backend for an endpoint.
type ProviderFactory func(ep Endpoint) (Backend, error)

// providerRegistry holds registered provider factories.
var (
	providerRegistry = make(map[string]ProviderFactory)
	providerMu       sync.RWMutex
)

// RegisterProvider adds a provider factory to the registry.
func RegisterProvider(name string, f ProviderFactory) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[name] = f
}

// GetProvider retrieves a provider factory by name.
func GetProvider(name string) ProviderFactory {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered provider names, sorted.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBackend selects the provider variant for ep. It is called once per run.
func NewBackend(ep Endpoint) (Backend, error) {
	f := GetProvider(ep.Provider)
	if f == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %q", ep.Provider))
	}
	b, err := f(ep)
	if err != nil {
		return nil, RedactError(fmt.Errorf("create %s backend: %w", ep.Provider, err), ep.APIKey)
	}
	return b, nil
}
