// Package oci implements a Driver over OCI image registries using
// go-containerregistry, treating an image's squashed filesystem layers
// as a repository's file tree (ref == image tag, path == path within
// the image). Grounded on pbr's own use of
// github.com/google/go-containerregistry/pkg/authn for registry
// credentials (internal/service/service.go); the image-pull and layer
// walk below is new, following go-containerregistry's own documented
// idiom (name.ParseReference -> remote.Image -> Layers -> tar.Reader).
package oci

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"gopkg.in/yaml.v3"

	"github.com/Deleranax/tpm/internal/storage"
)

// IndexFile is the conventional path, within the image's filesystem,
// an oci-driver repository publishes its RepositoryIndex at.
const IndexFile = "tpm-index.yaml"

const urlPrefix = "oci://"

// Driver fetches indexes and package files from OCI image references.
type Driver struct {
	creds map[string]authn.AuthConfig
}

// NewDriver builds a Driver authenticating to registries named in creds
// (keyed by registry host, e.g. "ghcr.io"); registries absent from creds
// fall back to the ambient keychain (docker config, env vars).
func NewDriver(creds map[string]authn.AuthConfig) *Driver {
	return &Driver{creds: creds}
}

func (d *Driver) Name() string { return "oci" }

// Compatible matches any RepositoryIdentifier written as "oci://...".
func (d *Driver) Compatible(identifier string) bool {
	return strings.HasPrefix(identifier, urlPrefix)
}

// splitIdentifier separates a RepositoryIdentifier into its image
// repository reference and an optional tag/digest ref, written as
// "oci://repo#ref" (empty ref defaults to "latest").
func splitIdentifier(identifier string) (repo, ref string) {
	if i := strings.LastIndex(identifier, "#"); i >= 0 {
		return identifier[:i], identifier[i+1:]
	}
	return identifier, ""
}

func (d *Driver) Exists(ctx context.Context, identifier string) (bool, error) {
	url, ref := splitIdentifier(identifier)
	reference, err := d.parseReference(url, ref)
	if err != nil {
		return false, err
	}
	_, err = remote.Head(reference,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(d.keychain(reference.Context().RegistryStr())),
	)
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (d *Driver) keychain(registry string) authn.Keychain {
	if cfg, ok := d.creds[registry]; ok {
		return authn.NewSimpleKeychain(&staticAuthenticator{cfg})
	}
	return authn.DefaultKeychain
}

type staticAuthenticator struct{ cfg authn.AuthConfig }

func (s *staticAuthenticator) Authorization() (*authn.AuthConfig, error) {
	return &s.cfg, nil
}

func (d *Driver) FetchIndex(ctx context.Context, identifier string) (storage.RepositoryIndex, error) {
	data, err := d.FetchPackageFile(ctx, identifier, "", IndexFile)
	if err != nil {
		return storage.RepositoryIndex{}, err
	}
	var idx storage.RepositoryIndex
	if err := yaml.Unmarshal(data, &idx); err != nil {
		return storage.RepositoryIndex{}, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	idx.Driver = d.Name()
	return idx, nil
}

// FetchPackageFile pulls the image named by identifier (tag/digest ref
// after "#", defaulting to "latest") and returns the bytes of the first
// tar entry matching path across its layers, searched
// topmost-layer-first so a file overwritten in a later layer is found
// instead of its ancestor. packageName is accepted for
// Driver-interface conformance but unused, mirroring the github driver.
func (d *Driver) FetchPackageFile(ctx context.Context, identifier, packageName, path string) ([]byte, error) {
	url, ref := splitIdentifier(identifier)
	reference, err := d.parseReference(url, ref)
	if err != nil {
		return nil, err
	}

	img, err := remote.Image(reference,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(d.keychain(reference.Context().RegistryStr())),
	)
	if err != nil {
		return nil, err
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, err
	}

	want := strings.TrimPrefix(path, "/")
	for i := len(layers) - 1; i >= 0; i-- {
		data, found, err := readFromLayer(layers[i], want)
		if err != nil {
			return nil, err
		}
		if found {
			return data, nil
		}
	}
	return nil, fmt.Errorf("%s: not found in %s", path, url)
}

func readFromLayer(layer interface {
	Uncompressed() (io.ReadCloser, error)
}, want string) ([]byte, bool, error) {
	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, false, err
	}
	defer rc.Close()

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		if strings.TrimPrefix(hdr.Name, "./") != want {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	}
}

func (d *Driver) parseReference(url, ref string) (name.Reference, error) {
	repo := strings.TrimPrefix(url, urlPrefix)
	if ref == "" {
		ref = "latest"
	}
	full := repo + ":" + ref
	if strings.Contains(ref, "sha256:") {
		full = repo + "@" + ref
	}
	return name.ParseReference(full)
}
