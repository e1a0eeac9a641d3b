package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/go-containerregistry/pkg/authn"
	slogotel "github.com/remychantenay/slog-otel"

	"github.com/Deleranax/tpm/internal/driver"
	"github.com/Deleranax/tpm/internal/driver/blobcache"
	"github.com/Deleranax/tpm/internal/driver/github"
	"github.com/Deleranax/tpm/internal/driver/oci"
	"github.com/Deleranax/tpm/internal/pkgorch"
	"github.com/Deleranax/tpm/internal/repoorch"
	"github.com/Deleranax/tpm/internal/storage"
	"github.com/Deleranax/tpm/internal/trace"
	"github.com/Deleranax/tpm/internal/txn"
	"github.com/Deleranax/tpm/pkg/config"
)

var version = "0.0.0-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	configFile := ""
	flag.StringVar(&configFile, "config-file", "/config/config.yaml", "path to config file")
	flag.Parse()

	c, err := config.FromFile(configFile)
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}

	logLevel := new(slog.Level)
	*logLevel = slog.LevelError
	if c.LogLevel != "" {
		if err := logLevel.UnmarshalText([]byte(c.LogLevel)); err != nil {
			slog.Error("Failed to parse log level", "err", err)
			os.Exit(1)
		}
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(slogotel.OtelHandler{Next: handler}))

	slog.Info("Starting tpm", "version", version)

	telShutdown, err := trace.Setup(ctx, trace.WithVersion(version), trace.WithStdout())
	if err != nil {
		slog.Error("Failed to set up tracing", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := telShutdown(context.Background()); err != nil {
			slog.Error("Failed to shut down tracing", "err", err)
		}
	}()

	st, drivers, err := build(c)
	if err != nil {
		slog.Error("Failed to build engine", "err", err)
		os.Exit(1)
	}

	if errs := st.Load(); len(errs) > 0 {
		for file, e := range errs {
			slog.Warn("Recovered from storage load error", "file", file, "err", e)
		}
	}

	applyPriorityOverrides(st, c)

	repos := repoorch.New(st, drivers)
	pkgs := pkgorch.New(st, drivers).WithBlobCache(blobcache.New(filepath.Join(c.CacheDir, "blobs")))

	args := flag.Args()
	if len(args) == 0 {
		slog.Error("No command given", "usage", "tpm <repo-add|repo-remove|repo-find|sync|add|remove|verify> [args...]")
		os.Exit(1)
	}

	if err := dispatch(ctx, args, repos, pkgs); err != nil {
		slog.Error("Command failed", "err", err)
		os.Exit(1)
	}
}

// build wires the driver registry and storage root from config,
// falling back to the github driver when no registered driver claims
// an identifier.
func build(c *config.Config) (*storage.Storage, *driver.Registry, error) {
	storageDir := c.StorageDir
	if storageDir == "" {
		storageDir = "."
	}
	st := storage.New(storageDir)

	var creds []github.Credential
	for pattern, auth := range c.Credentials.Git {
		if auth.SSHKey != "" {
			creds = append(creds, github.Credential{Pattern: pattern, Auth: &github.SSHAuthProvider{Key: []byte(auth.SSHKey)}})
		} else if auth.Token != "" {
			creds = append(creds, github.Credential{Pattern: pattern, Auth: &github.TokenAuthProvider{Token: auth.Token}})
		}
	}
	credStore, err := github.NewCredentialStore(creds)
	if err != nil {
		return nil, nil, err
	}

	cacheSize := c.RepoCacheSize
	if cacheSize == 0 {
		cacheSize = 32
	}
	cacheDir := c.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(storageDir, ".cache")
	}
	githubDriver, err := github.NewDriver(filepath.Join(cacheDir, "github"), cacheSize, credStore)
	if err != nil {
		return nil, nil, err
	}

	ociCreds := map[string]authn.AuthConfig{}
	for registry, auth := range c.Credentials.ContainerRegistry {
		ociCreds[registry] = authn.AuthConfig{Username: auth.Username, Password: auth.Password}
	}
	ociDriver := oci.NewDriver(ociCreds)

	registry := driver.NewRegistry()
	registry.Register(ociDriver)
	registry.Register(githubDriver)
	registry.SetDefault(githubDriver)

	return st, registry, nil
}

// applyPriorityOverrides lets an operator pin a known repository's
// effective priority in the local config, overriding whatever value
// its remote index last published. Only touches repositories already
// present in the store; a configured entry that was never added is a
// no-op here (repo-add is still what brings a repository in).
func applyPriorityOverrides(st *storage.Storage, c *config.Config) {
	for identifier, repoCfg := range c.Repositories {
		if repoCfg.Priority == nil {
			continue
		}
		entry, ok := st.GetStoreEntry(identifier)
		if !ok {
			continue
		}
		entry.Priority = *repoCfg.Priority
		st.SetStoreEntry(identifier, entry)
	}
}

// dispatch runs a single engine operation to completion and reports its
// result. Intentionally the thinnest possible CLI surface — no flag
// parsing library, no progress rendering, no completion — just enough
// to exercise the repository and package orchestrators end to end.
func dispatch(ctx context.Context, args []string, repos *repoorch.Orchestrator, pkgs *pkgorch.Orchestrator) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "repo-add":
		result, err := repos.Add(ctx, rest).Run()
		if err != nil {
			return err
		}
		return applyAndReport(result.Transaction, result.Errors)
	case "repo-remove":
		result, err := repos.Remove(ctx, rest).Run()
		if err != nil {
			return err
		}
		return applyAndReport(result.Transaction, result.Errors)
	case "repo-find":
		pattern := ""
		if len(rest) > 0 {
			pattern = rest[0]
		}
		for _, id := range repos.Find(pattern) {
			slog.Info("repository", "identifier", id)
		}
		return nil
	case "sync":
		packs, err := pkgs.BuildIndex().Run()
		if err != nil {
			return err
		}
		slog.Info("Index rebuilt", "packages", len(packs))
		return nil
	case "add":
		result, err := pkgs.Add(ctx, rest).Run()
		if err != nil {
			return err
		}
		return applyAndReport(result.Transaction, result.Errors)
	case "remove":
		result, err := pkgs.Remove(ctx, rest).Run()
		if err != nil {
			return err
		}
		return applyAndReport(result.Transaction, result.Errors)
	case "verify":
		mismatches, err := pkgs.Verify()
		if err != nil {
			return err
		}
		for _, m := range mismatches {
			slog.Warn("digest mismatch", "package", m.PackageIdentifier, "path", m.Path, "expected", m.Expected, "actual", m.Actual)
		}
		slog.Info("Verify complete", "mismatches", len(mismatches))
		return nil
	default:
		return errUnknownCommand(cmd)
	}
}

type errUnknownCommand string

func (e errUnknownCommand) Error() string { return "unknown command: " + string(e) }

// applyAndReport runs tr (if any) and logs every pre-transaction error
// plus any action failure; a nil tr (nothing to do, e.g. every
// requested identifier already present) is not itself an error.
func applyAndReport(tr *txn.Transaction, preErrs []string) error {
	for _, e := range preErrs {
		slog.Warn(e)
	}
	if tr == nil {
		return nil
	}
	ok, actionErrs := tr.Apply()
	for _, e := range actionErrs {
		slog.Error("action failed", "err", e.Err, "data", e.Data)
	}
	if !ok {
		return actionErrs[0]
	}
	return nil
}
