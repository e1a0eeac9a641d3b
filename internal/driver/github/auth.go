package github

import (
	"github.com/gobwas/glob"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// AuthProvider resolves a single credential kind into a go-git transport
// auth method. Grounded on pbr's pkg/repository/authprovider.go.
type AuthProvider interface {
	AuthMethod() (transport.AuthMethod, error)
}

// SSHAuthProvider authenticates with a deploy-key style SSH private key.
type SSHAuthProvider struct {
	Key []byte
}

func (s *SSHAuthProvider) AuthMethod() (transport.AuthMethod, error) {
	return ssh.NewPublicKeys("git", s.Key, "")
}

// TokenAuthProvider authenticates with a personal access token over
// HTTPS, sent as HTTP basic auth per GitHub/GitLab convention.
type TokenAuthProvider struct {
	Token string
}

func (t *TokenAuthProvider) AuthMethod() (transport.AuthMethod, error) {
	return &githttp.BasicAuth{Username: "git", Password: t.Token}, nil
}

// Credential pairs a glob pattern over origin URLs with the provider to
// use for URLs it matches.
type Credential struct {
	Pattern string
	Auth    AuthProvider
}

// CredentialStore resolves an origin URL to an auth method by trying
// each configured credential's glob pattern in order, first match wins.
// Grounded on pbr's internal/repository/credentials.go.
type CredentialStore struct {
	entries []compiledCredential
}

type compiledCredential struct {
	g    glob.Glob
	auth AuthProvider
}

// NewCredentialStore compiles creds' glob patterns, failing fast on the
// first invalid pattern so misconfiguration surfaces at startup.
func NewCredentialStore(creds []Credential) (*CredentialStore, error) {
	cs := &CredentialStore{}
	for _, c := range creds {
		g, err := glob.Compile(c.Pattern)
		if err != nil {
			return nil, err
		}
		cs.entries = append(cs.entries, compiledCredential{g: g, auth: c.Auth})
	}
	return cs, nil
}

// Auth returns the auth method for remote, or nil if no credential
// matches (an anonymous/public fetch).
func (cs *CredentialStore) Auth(remote string) (transport.AuthMethod, error) {
	for _, e := range cs.entries {
		if e.g.Match(remote) {
			return e.auth.AuthMethod()
		}
	}
	return nil, nil
}
