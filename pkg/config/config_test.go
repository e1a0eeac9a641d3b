package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidConfig(t *testing.T) {
	yamlData := []byte(`
storageDir: "/var/lib/tpm"
cacheDir: "/var/cache/tpm"
cacheTTL: 5m
storageTTL: 5s
repoCacheSize: 16
repositories:
  core@upstream:
    url: "https://github.com/example/core.git"
    ref: "main"
    driver: "github"
credentials:
  git:
    "https://github.com/example/*":
      token: "tokenValue"
      sshKey: "sshKeyValue"
  containerRegistry:
    "ghcr.io":
      username: "user"
      password: "pass"
`)

	cfg, err := ParseConfig(yamlData)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/tpm", cfg.StorageDir)
	assert.Equal(t, Duration(5*time.Minute), cfg.CacheTTL)
	assert.Equal(t, Duration(5*time.Second), cfg.StorageTTL)
	assert.Equal(t, 16, cfg.RepoCacheSize)

	repo, ok := cfg.Repositories["core@upstream"]
	require.True(t, ok)
	assert.Equal(t, "https://github.com/example/core.git", repo.URL)
	assert.Equal(t, "main", repo.Ref)

	assert.Equal(t, "tokenValue", cfg.Credentials.Git["https://github.com/example/*"].Token)
	assert.Equal(t, "user", cfg.Credentials.ContainerRegistry["ghcr.io"].Username)
}

func TestEnvVarSubstitution(t *testing.T) {
	os.Setenv("TPM_TEST_TOKEN", "exampleToken")
	defer os.Unsetenv("TPM_TEST_TOKEN")

	yamlData := []byte(`
credentials:
  git:
    gitKey:
      token: "${TPM_TEST_TOKEN}"
`)

	cfg, err := ParseConfig(yamlData)
	require.NoError(t, err)
	assert.Equal(t, "exampleToken", cfg.Credentials.Git["gitKey"].Token)
}

func TestParseInvalidConfig(t *testing.T) {
	_, err := ParseConfig([]byte(":invalidYAML"))
	assert.Error(t, err)
}

func TestDurationAcceptsPlainSeconds(t *testing.T) {
	cfg, err := ParseConfig([]byte("storageTTL: 10"))
	require.NoError(t, err)
	assert.Equal(t, Duration(10*time.Second), cfg.StorageTTL)
}

func TestFromFile(t *testing.T) {
	tmp, err := os.CreateTemp("", "tpm_config_*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	_, err = tmp.Write([]byte(`storageDir: "/data"`))
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	cfg, err := FromFile(tmp.Name())
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.StorageDir)
}
