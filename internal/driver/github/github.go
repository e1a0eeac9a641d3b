// Package github implements a Driver over git forges reachable via
// go-git (GitHub, GitLab, bare git-over-SSH/HTTPS remotes). Grounded on
// pbr's internal/repository/repo.go: a shallow, single-ref fetch into a
// filesystem-backed go-git storer, then a tree walk for file contents.
package github

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	gitcache "github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitstorage "github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"gopkg.in/yaml.v3"

	"github.com/Deleranax/tpm/internal/storage"
)

// IndexFile is the conventional path, relative to a repository's root,
// a github-driver repository publishes its RepositoryIndex at.
const IndexFile = "tpm-index.yaml"

// Driver fetches indexes and package files from git remotes.
type Driver struct {
	creds *CredentialStore
	cache *repoCache
}

// NewDriver builds a Driver whose open clones are cached under base
// (bounded to cacheSize entries) and whose fetches are authenticated via
// creds (nil means every fetch is anonymous).
func NewDriver(base string, cacheSize int, creds *CredentialStore) (*Driver, error) {
	c, err := newRepoCache(cacheSize, base)
	if err != nil {
		return nil, err
	}
	return &Driver{creds: creds, cache: c}, nil
}

func (d *Driver) Name() string { return "github" }

// Compatible matches only git://, ssh://, http:// and https:// origins;
// a bare "host/owner/repo.git" origin is not matched here and reaches
// this driver only as the registry's default (see cmd/tpm). The
// optional "#ref" suffix (see splitIdentifier) is ignored for the
// purpose of scheme sniffing.
func (d *Driver) Compatible(identifier string) bool {
	url, _ := splitIdentifier(identifier)
	switch {
	case hasScheme(url, "git"), hasScheme(url, "ssh"), hasScheme(url, "http"), hasScheme(url, "https"):
		return true
	default:
		return false
	}
}

func hasScheme(url, scheme string) bool {
	return len(url) > len(scheme)+2 && url[:len(scheme)+3] == scheme+"://"
}

// splitIdentifier separates a RepositoryIdentifier into its git remote
// URL and an optional ref, written as "url#ref" (empty ref means the
// remote's default branch).
func splitIdentifier(identifier string) (url, ref string) {
	if i := strings.LastIndex(identifier, "#"); i >= 0 {
		return identifier[:i], identifier[i+1:]
	}
	return identifier, ""
}

func (d *Driver) auth(url string) (transport.AuthMethod, error) {
	if d.creds == nil {
		return nil, nil
	}
	return d.creds.Auth(url)
}

func (d *Driver) Exists(ctx context.Context, identifier string) (bool, error) {
	url, ref := splitIdentifier(identifier)
	repo, err := d.cache.getOrOpen(url)
	if err != nil {
		return false, err
	}
	auth, err := d.auth(url)
	if err != nil {
		return false, err
	}
	return repo.refExists(ctx, ref, auth)
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

// FetchPackageFile fetches path from the repository named by
// identifier. packageName is accepted for Driver-interface conformance
// but unused: a git repository's files are already addressed by their
// full in-tree path, with no per-package subtree convention to apply.
func (d *Driver) FetchPackageFile(ctx context.Context, identifier, packageName, path string) ([]byte, error) {
	url, ref := splitIdentifier(identifier)
	repo, err := d.cache.getOrOpen(url)
	if err != nil {
		return nil, err
	}
	auth, err := d.auth(url)
	if err != nil {
		return nil, err
	}
	return repo.file(ctx, ref, path, auth)
}

// repository is a single shallow-fetchable clone, reused across calls
// for the same origin (see repoCache).
type repository struct {
	url    string
	path   string
	remote *git.Remote
	storer gitstorage.Storer
}

func newRepository(url, path string) *repository {
	csh := &gitcache.ObjectLRU{MaxSize: 50 * gitcache.KiByte}
	strg := filesystem.NewStorage(osfs.New(path), csh)
	rmt := git.NewRemote(strg, &config.RemoteConfig{URLs: []string{url}})
	return &repository{url: url, path: path, remote: rmt, storer: strg}
}

// refExists reports whether ref (or the remote's default branch, when
// ref is empty) resolves to a reference on the remote, without fetching
// its contents.
func (r *repository) refExists(ctx context.Context, ref string, auth transport.AuthMethod) (bool, error) {
	refs, err := r.remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return false, err
	}
	if ref == "" {
		return true, nil
	}
	_, found := findRef(refs, ref)
	return found, nil
}

func findRef(refs []*plumbing.Reference, ref string) (*plumbing.Reference, bool) {
	branchName := plumbing.NewBranchReferenceName(ref)
	if ref == "" {
		branchName = plumbing.HEAD
	}
	tagName := plumbing.NewTagReferenceName(ref)
	for _, candidate := range refs {
		if candidate.Name() == branchName || candidate.Name() == tagName {
			return candidate, true
		}
	}
	return nil, false
}

// file fetches ref (or the remote's default branch if ref is empty)
// at depth 1 and returns the contents of path within its tree.
func (r *repository) file(ctx context.Context, ref, path string, auth transport.AuthMethod) ([]byte, error) {
	refs, err := r.remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return nil, err
	}

	target, found := findRef(refs, ref)
	if !found {
		return nil, fmt.Errorf("reference not found: %s", ref)
	}

	remoteName := "refs/remotes/origin/" + target.Name().Short()
	err = r.remote.FetchContext(ctx, &git.FetchOptions{
		Auth:  auth,
		Depth: 1,
		RefSpecs: []config.RefSpec{
			config.RefSpec(fmt.Sprintf("+%s:%s", target.Name(), remoteName)),
		},
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, err
	}

	if ref == "" {
		target, err = r.storer.Reference(plumbing.ReferenceName(remoteName))
		if err != nil {
			return nil, err
		}
	}

	commit, err := object.GetCommit(r.storer, target.Hash())
	if err != nil {
		tag, tagErr := object.GetTag(r.storer, target.Hash())
		if tagErr != nil {
			return nil, err
		}
		commit, err = tag.Commit()
		if err != nil {
			return nil, err
		}
	}

	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	entry, err := tree.FindEntry(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if entry.Mode == filemode.Dir {
		return nil, fmt.Errorf("%s is a directory, not a file", path)
	}

	blob, err := object.GetBlob(r.storer, entry.Hash)
	if err != nil {
		return nil, err
	}
	reader, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

// delete removes the on-disk clone for a repository; the blobcache
// package, not this one, owns any dedupe of fetched file bytes.
func (r *repository) delete() error {
	return os.RemoveAll(r.path)
}
