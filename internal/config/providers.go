package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderPolicy is the per-provider rate limit, concurrency, and retry
// policy read from providers.yaml. One entry exists per external call
// gate key (e.g. "visual", "tts", "chapter", "transcoder").
type ProviderPolicy struct {
	RequestsPerSecond float64       `yaml:"rps"`
	MaxInFlight       int           `yaml:"maxInFlight"`
	PerAttemptTimeout time.Duration `yaml:"perAttemptTimeout"`
	MaxAttempts       int           `yaml:"maxAttempts"`
	BaseDelay         time.Duration `yaml:"baseDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	RetriableStatuses []int         `yaml:"retriableStatuses"`
}

// ProvidersFile is the top-level shape of providers.yaml.
type ProvidersFile struct {
	Providers map[string]ProviderPolicy `yaml:"providers"`
}

// defaultProviderPolicy is used for any provider key absent from the file.
func defaultProviderPolicy() ProviderPolicy {
	return ProviderPolicy{
		RequestsPerSecond: 2,
		MaxInFlight:       4,
		PerAttemptTimeout: 20 * time.Second,
		MaxAttempts:       5,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          20 * time.Second,
		RetriableStatuses: []int{429, 500, 502, 503, 504},
	}
}

// LoadProviders reads providers.yaml at path. A missing file is not an
// error: every provider falls back to defaultProviderPolicy.
func LoadProviders(path string) (map[string]ProviderPolicy, error) {
	policies := map[string]ProviderPolicy{}

	// #nosec G304 -- path comes from operator-controlled config, not end users.
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return policies, nil
	}
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadProviders: %w", err)
	}

	var file ProvidersFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("op=config.LoadProviders: parse %s: %w", path, err)
	}
	for name, p := range file.Providers {
		policies[name] = p
	}
	return policies, nil
}

// Policy returns the policy for a provider key, falling back to
// defaultProviderPolicy when the key is absent.
func Policy(policies map[string]ProviderPolicy, key string) ProviderPolicy {
	if p, ok := policies[key]; ok {
		return p
	}
	return defaultProviderPolicy()
}
