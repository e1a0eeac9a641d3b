// Package driver defines the pluggable remote-fetch boundary (spec
// §4.6/§6.1): a Driver knows how to turn a RepositoryIdentifier into a
// RepositoryIndex and into the raw bytes of a single package file. Two
// concrete drivers are provided (internal/driver/github,
// internal/driver/oci); new origins are added by implementing Driver and
// registering an instance, following pbr's own pattern of keeping
// transport-specific code behind a small interface
// (pkg/repository/authprovider.go's AuthProvider is the same shape: one
// capability, many backends, first-match selection).
package driver

import (
	"context"
	"fmt"

	"github.com/Deleranax/tpm/internal/storage"
)

// Driver exposes exactly the four read-only operations a repository
// identifier's origin is fetched through. Compatible is a pure string
// check and never blocks; the other three may perform network I/O.
type Driver interface {
	// Name identifies the driver, used as RepositoryIndex.Driver and to
	// disambiguate a repository's configured driver override.
	Name() string

	// Compatible reports whether this driver can handle identifier.
	Compatible(identifier string) bool

	// Exists reports whether identifier resolves to a real, reachable
	// origin.
	Exists(ctx context.Context, identifier string) (bool, error)

	// FetchIndex retrieves and parses the remote index published at
	// identifier.
	FetchIndex(ctx context.Context, identifier string) (storage.RepositoryIndex, error)

	// FetchPackageFile retrieves the raw bytes of path, relative to the
	// repository root, for packageName published by identifier.
	FetchPackageFile(ctx context.Context, identifier, packageName, path string) ([]byte, error)
}

// Registry selects a Driver for a given repository identifier or
// explicit name override, trying registered drivers in registration
// order and falling back to a configured default. Per spec §6.1,
// drivers are meant to be discovered at startup by enumerating a
// directory of driver plugins; tpm instead registers its two built-in
// drivers directly (see cmd/tpm), since it ships no external plugin
// loading mechanism. If discovery yields none, spec §6.1 requires a
// default driver named "github" — SetDefault installs that fallback.
type Registry struct {
	drivers []Driver
	byName  map[string]Driver
	def     Driver
}

// NewRegistry builds an empty Registry. Use Register to add drivers and
// SetDefault to pick the fallback used when no driver claims
// compatibility and no explicit name override is given.
func NewRegistry() *Registry {
	return &Registry{byName: map[string]Driver{}}
}

// Register adds d to the registry, trying it after every previously
// registered driver.
func (r *Registry) Register(d Driver) {
	r.drivers = append(r.drivers, d)
	r.byName[d.Name()] = d
}

// SetDefault sets the driver used when identifier matches no registered
// driver and no explicit name is given.
func (r *Registry) SetDefault(d Driver) {
	r.def = d
}

// SelectFor returns the driver to use for a repository identifier. An
// explicit name override always wins over compatibility sniffing; an
// unknown name is an error. No tie-break is specified for multiple
// compatible drivers beyond registration order (spec §4.6).
func (r *Registry) SelectFor(identifier, name string) (Driver, error) {
	if name != "" {
		d, ok := r.byName[name]
		if !ok {
			return nil, fmt.Errorf("no driver registered with name %q", name)
		}
		return d, nil
	}
	for _, d := range r.drivers {
		if d.Compatible(identifier) {
			return d, nil
		}
	}
	if r.def != nil {
		return r.def, nil
	}
	return nil, fmt.Errorf("no driver compatible with identifier %q", identifier)
}
