package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Provider describes a supported credential provider for the agent gateway.
type Provider struct {
	Name             string
	CredentialPrefix string
	CredentialEnv    string
	DefaultModel     string
}

var providers = map[string]Provider{
	"anthropic": {
		Name:             "anthropic",
		CredentialPrefix: "sk-ant-",
		CredentialEnv:    "ANTHROPIC_API_KEY",
		DefaultModel:     "claude-sonnet-4",
	},
	"openai": {
		Name:             "openai",
		CredentialPrefix: "sk-",
		CredentialEnv:    "OPENAI_API_KEY",
		DefaultModel:     "gpt-5",
	},
	"openrouter": {
		Name:             "openrouter",
		CredentialPrefix: "sk-or-",
		CredentialEnv:    "OPENROUTER_API_KEY",
		DefaultModel:     "openrouter/auto",
	},
}

// ProviderNames returns the sorted set of valid provider names.
func ProviderNames() []string {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupProvider resolves a provider by name, case-insensitively.
func LookupProvider(name string) (Provider, bool) {
	p, ok := providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ErrValidation marks malformed or unknown input; handlers map it to 400.
var ErrValidation = errors.New("validation failed")

// ValidateCredential checks the credential carries the provider's expected
// literal prefix. Fails closed: an unknown provider is always invalid.
func ValidateCredential(providerName, credential string) error {
	p, ok := LookupProvider(providerName)
	if !ok {
		return fmt.Errorf("%w: unknown provider %q, valid providers: %s", ErrValidation, providerName, strings.Join(ProviderNames(), ", "))
	}
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return fmt.Errorf("%w: credential required for provider %s", ErrValidation, p.Name)
	}
	if !strings.HasPrefix(credential, p.CredentialPrefix) {
		return fmt.Errorf("%w: credential for provider %s must start with %s", ErrValidation, p.Name, p.CredentialPrefix)
	}
	return nil
}
