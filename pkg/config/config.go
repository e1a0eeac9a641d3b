// Package config parses tpm's YAML configuration, substituting
// ${ENV_VAR} references in credential fields via envsubst so secrets
// never need to be committed in plaintext. Grounded on pbr's own
// pkg/config/config.go (same yaml.v3 + drone/envsubst combination,
// same per-field EvalEnv pass over credential maps), generalized from
// BSR/git-module serving fields to tpm's storage/driver/repository
// fields.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Config is the root of a tpm configuration file.
type Config struct {
	// LogLevel is the slog level name ("debug", "info", "warn", "error").
	// Empty defaults to "error", matching pbr's own cmd/pbr/main.go.
	LogLevel string `yaml:"logLevel"`

	// StorageDir is where store.json/index.json/pool.json and the trash
	// area live. Defaults to "." when empty.
	StorageDir string `yaml:"storageDir"`

	// CacheDir is where driver clones and fetched-bytes dedupe cache
	// entries are kept, separate from the authoritative storage state.
	CacheDir string `yaml:"cacheDir"`

	// CacheTTL and StorageTTL are parsed but not applied: storage.Storage
	// always uses its package-level CacheTTL/StorageTTL (300s/5s).
	CacheTTL   Duration `yaml:"cacheTTL"`
	StorageTTL Duration `yaml:"storageTTL"`

	// RepoCacheSize bounds how many driver-opened git clones are kept
	// warm at once (github driver only). Defaults to 32 when zero.
	RepoCacheSize int `yaml:"repoCacheSize"`

	// Repositories configures known repositories, keyed by repository
	// identifier, the same key the store uses.
	Repositories map[string]Repository `yaml:"repositories"`

	Credentials Credentials `yaml:"credentials"`
}

// Repository is a repository's static configuration: where to fetch it
// from, which driver to use, and any local priority override.
type Repository struct {
	URL      string `yaml:"url"`
	Ref      string `yaml:"ref"`
	Driver   string `yaml:"driver"`
	Priority *int   `yaml:"priority"`
}

// GitAuth is a single git credential, matched to origin URLs by a glob
// pattern key in Credentials.Git.
type GitAuth struct {
	Token  string `yaml:"token"`
	SSHKey string `yaml:"sshKey"`
}

// ContainerRegistryAuth is a single OCI registry credential, keyed by
// registry host in Credentials.ContainerRegistry.
type ContainerRegistryAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Credentials groups the two driver families' credential maps.
type Credentials struct {
	// Git is keyed by a glob pattern over origin URLs.
	Git map[string]GitAuth `yaml:"git"`
	// ContainerRegistry is keyed by registry host.
	ContainerRegistry map[string]ContainerRegistryAuth `yaml:"containerRegistry"`
}

// Duration parses YAML duration strings ("5s", "5m") in addition to
// plain integers (seconds), matching how operators usually hand-edit
// this kind of file.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var secs int64
	if err := node.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ParseConfig parses YAML bytes into a Config, substituting ${ENV_VAR}
// references in every credential field.
func ParseConfig(b []byte) (*Config, error) {
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}

	for k, v := range c.Credentials.Git {
		token, err := envsubst.EvalEnv(v.Token)
		if err != nil {
			return nil, err
		}
		v.Token = token
		sshKey, err := envsubst.EvalEnv(v.SSHKey)
		if err != nil {
			return nil, err
		}
		v.SSHKey = sshKey
		c.Credentials.Git[k] = v
	}

	for k, v := range c.Credentials.ContainerRegistry {
		username, err := envsubst.EvalEnv(v.Username)
		if err != nil {
			return nil, err
		}
		v.Username = username
		password, err := envsubst.EvalEnv(v.Password)
		if err != nil {
			return nil, err
		}
		v.Password = password
		c.Credentials.ContainerRegistry[k] = v
	}

	return c, nil
}

// FromFile reads and parses a Config from a YAML file at path.
func FromFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(b)
}
