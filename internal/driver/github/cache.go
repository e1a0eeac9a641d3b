package github

import (
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// repoCache bounds the number of concurrently open on-disk git clones,
// evicting the least-recently-used clone's working directory. Grounded
// on pbr's internal/repository/cache.go, rewritten against the generic
// (non-simplelru) golang-lru API since repoCache never needs a custom
// eviction callback argument shape.
type repoCache struct {
	lru  *lru.Cache[string, *repository]
	base string
}

func newRepoCache(size int, base string) (*repoCache, error) {
	c := &repoCache{base: base}
	l, err := lru.NewWithEvict[string, *repository](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *repoCache) onEvict(key string, value *repository) {
	_ = os.RemoveAll(value.path)
}

// getOrOpen returns the cached repository for url, opening (but not
// fetching) a fresh clone directory if none is cached yet.
func (c *repoCache) getOrOpen(url string) (*repository, error) {
	if r, ok := c.lru.Get(url); ok {
		return r, nil
	}
	dir := filepath.Join(c.base, dirName(url))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	r := newRepository(url, dir)
	c.lru.Add(url, r)
	return r, nil
}

func dirName(url string) string {
	sum := uint64(2166136261)
	for i := 0; i < len(url); i++ {
		sum ^= uint64(url[i])
		sum *= 16777619
	}
	const hex = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hex[sum&0xf]
		sum >>= 4
	}
	return string(out)
}
