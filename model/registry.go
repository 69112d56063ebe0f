package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/deepthink/llm"
)

// Known provider names.
const (
	ProviderGoogle    = "google"
	ProviderOpenAI    = "openai"
	ProviderDeepSeek  = "deepseek"
	ProviderAnthropic = "anthropic"
	ProviderXAI       = "xai"
	ProviderMistral   = "mistral"
	ProviderCustom    = "custom"
)

// providerPrefixes maps model-name prefixes to providers, checked in order.
var providerPrefixes = []struct {
	prefix   string
	provider string
}{
	{"gpt-", ProviderOpenAI},
	{"o1-", ProviderOpenAI},
	{"deepseek-", ProviderDeepSeek},
	{"claude-", ProviderAnthropic},
	{"grok-", ProviderXAI},
	{"mistral-", ProviderMistral},
	{"mixtral-", ProviderMistral},
}

// InferProvider guesses the provider from a model name.
// Anything unrecognized is treated as a Gemini model.
func InferProvider(model string) string {
	for _, p := range providerPrefixes {
		if strings.HasPrefix(model, p.prefix) {
			return p.provider
		}
	}
	if model == ProviderCustom {
		return ProviderCustom
	}
	return ProviderGoogle
}

// Option describes a selectable built-in model.
type Option struct {
	Name        string `json:"name"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// BuiltinModels lists the models offered without any custom configuration.
var BuiltinModels = []Option{
	{Name: FlashModel, Label: "Gemini 3 Flash", Description: "Low latency, high throughput, dynamic thinking."},
	{Name: ProModel, Label: "Gemini 3 Pro", Description: "Deep reasoning, complex tasks, higher intelligence."},
}

// CustomModel is a user-defined model entry. Name is the identifier sent to
// the provider and is also the lookup key.
type CustomModel struct {
	ID          string     `yaml:"id" json:"id"`
	Name        string     `yaml:"name" json:"name"`
	DisplayName string     `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Provider    string     `yaml:"provider" json:"provider"`
	APIKey      llm.Secret `yaml:"api_key,omitempty" json:"-"`
	BaseURL     string     `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// Label returns DisplayName, falling back to Name.
func (m CustomModel) Label() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// Validate checks that the entry can be resolved to a backend.
func (m CustomModel) Validate() error {
	if m.Name == "" {
		return errors.New("custom model name is required")
	}
	if m.Provider == "" {
		return fmt.Errorf("custom model %q: provider is required", m.Name)
	}
	if m.Provider == ProviderCustom && m.BaseURL == "" {
		return fmt.Errorf("custom model %q: base_url is required for the custom provider", m.Name)
	}
	return nil
}

// Credentials are the run-level provider settings used when a model has no
// custom entry, or its entry leaves a field empty.
type Credentials struct {
	// Provider forces the provider. Empty means infer from the model name.
	Provider string

	// APIKey authenticates against the provider.
	APIKey llm.Secret

	// BaseURL overrides the provider default endpoint.
	BaseURL string
}

// Registry resolves model names to backend endpoints.
type Registry struct {
	mu     sync.RWMutex
	custom map[string]CustomModel
}

// NewRegistry creates a registry seeded with custom models. Invalid entries
// are rejected.
func NewRegistry(models ...CustomModel) (*Registry, error) {
	r := &Registry{custom: make(map[string]CustomModel, len(models))}
	for _, m := range models {
		if err := r.Register(m); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a custom model.
func (r *Registry) Register(m CustomModel) error {
	if err := m.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.custom == nil {
		r.custom = make(map[string]CustomModel)
	}
	r.custom[m.Name] = m
	return nil
}

// Lookup returns the custom entry for a model name.
func (r *Registry) Lookup(name string) (CustomModel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.custom[name]
	return m, ok
}

// List returns the custom models sorted by name.
func (r *Registry) List() []CustomModel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CustomModel, 0, len(r.custom))
	for _, m := range r.custom {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve builds the endpoint for model. A custom entry wins over creds for
// every field it sets; otherwise the provider is creds.Provider or inferred
// from the model name.
func (r *Registry) Resolve(model string, creds Credentials) llm.Endpoint {
	ep := llm.Endpoint{
		Provider: creds.Provider,
		Model:    model,
		APIKey:   creds.APIKey,
		BaseURL:  creds.BaseURL,
	}

	if m, ok := r.Lookup(model); ok {
		ep.Provider = m.Provider
		if m.APIKey != "" {
			ep.APIKey = m.APIKey
		}
		if m.BaseURL != "" {
			ep.BaseURL = m.BaseURL
		}
		return ep
	}

	if ep.Provider == "" {
		ep.Provider = InferProvider(model)
	}
	return ep
}

// MarshalJSON implements json.Marshaler for the registry. API keys are omitted.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Builtin []Option      `json:"builtin"`
		Custom  []CustomModel `json:"custom"`
	}{
		Builtin: BuiltinModels,
		Custom:  r.List(),
	})
}
