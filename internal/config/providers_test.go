package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProvidersMissingFileReturnsEmptyMap(t *testing.T) {
	policies, err := LoadProviders(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Empty(t, policies)
}

func TestLoadProvidersParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	content := `
providers:
  visual:
    rps: 5
    maxInFlight: 8
    perAttemptTimeout: 30s
    maxAttempts: 3
    baseDelay: 200ms
    maxDelay: 10s
    retriableStatuses: [429, 503]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	policies, err := LoadProviders(path)
	require.NoError(t, err)
	require.Contains(t, policies, "visual")

	p := policies["visual"]
	assert.Equal(t, 5.0, p.RequestsPerSecond)
	assert.Equal(t, 8, p.MaxInFlight)
	assert.Equal(t, 30*time.Second, p.PerAttemptTimeout)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, []int{429, 503}, p.RetriableStatuses)
}

func TestLoadProvidersInvalidYAMLReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: [this is not a map"), 0o600))

	_, err := LoadProviders(path)
	assert.Error(t, err)
}

func TestPolicyFallsBackToDefaultForUnknownKey(t *testing.T) {
	p := Policy(map[string]ProviderPolicy{}, "unknown")
	assert.Equal(t, defaultProviderPolicy(), p)
}

func TestPolicyReturnsConfiguredPolicyWhenPresent(t *testing.T) {
	configured := ProviderPolicy{MaxAttempts: 9}
	p := Policy(map[string]ProviderPolicy{"tts": configured}, "tts")
	assert.Equal(t, configured, p)
}
