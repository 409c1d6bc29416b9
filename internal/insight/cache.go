package insight

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Cache stores model answers on disk, keyed by a hash of the prompt.
type Cache struct {
	dir    string
	maxAge time.Duration
}

// NewCache creates a cache in dir. Entries older than maxAge are ignored.
func NewCache(dir string, maxAge time.Duration) *Cache {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("could not create insight cache directory", "dir", dir, "error", err)
	}
	return &Cache{dir: dir, maxAge: maxAge}
}

func cacheKey(model, prompt string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + prompt))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, "insight_"+key+".json")
}

// Get returns a cached answer if present and not stale.
func (c *Cache) Get(key string) ([]byte, bool) {
	path := c.path(key)
	info, err := os.Stat(path)
	if err != nil {
		return nil, false
	}
	if c.maxAge > 0 && time.Since(info.ModTime()) > c.maxAge {
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) Set(key string, data []byte) error {
	return os.WriteFile(c.path(key), data, 0o644)
}
