// Package blobcache is an on-disk dedupe cache, addressed by a digest of
// each entry's key, for bytes fetched by drivers (internal/driver/github, internal/driver/oci):
// the same package file is frequently requested more than once within a
// single expand/download pass (a dependency shared by two packages), and
// re-fetching it from origin is wasteful. It is grounded on pbr's
// filesystem blob store (internal/storage/filesystem/blob.go), which
// shards content-addressed blobs under <base>/<algorithm>/<first-2-hex>/
// <full-hex>; this is a distinct digest space (SHAKE256, via
// golang.org/x/crypto/sha3) from the SHA-256 install-digest the spec pins
// for downloadFiles verification (§6.4) — this cache never substitutes
// for that check, it only avoids redundant origin fetches.
package blobcache

import (
	"os"
	"path/filepath"

	"golang.org/x/crypto/sha3"
)

// Cache is a filesystem-backed store of previously fetched bytes, each
// stored under the SHAKE256 digest of its key (not of its content).
type Cache struct {
	base string
}

// New creates a Cache rooted at base.
func New(base string) *Cache {
	return &Cache{base: base}
}

func shakeHex(b []byte) string {
	h := sha3.NewShake256()
	h.Write(b)
	var sum [64]byte
	h.Read(sum[:])
	return fmtHex(sum[:])
}

func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0xf]
	}
	return string(out)
}

func (c *Cache) path(hex string) string {
	if len(hex) < 2 {
		return filepath.Join(c.base, hex)
	}
	return filepath.Join(c.base, hex[:2], hex)
}

// Get returns previously cached bytes for key, if present.
func (c *Cache) Get(key string) ([]byte, bool) {
	hex := shakeHex([]byte(key))
	data, err := os.ReadFile(c.path(hex))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores data under key, overwriting any prior entry.
func (c *Cache) Put(key string, data []byte) error {
	hex := shakeHex([]byte(key))
	p := c.path(hex)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), "*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, p)
}
