// Package cache implements the persistent translation cache: a durable
// mapping from source text to translation, loaded fully at startup and
// flushed as a whole file at phase boundaries. A cache hit short-circuits
// all network access for that text, including across separate runs.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Cache is a mutex-guarded in-memory map backed by a JSON file.
// Keys are exact source strings; no normalization is applied.
type Cache struct {
	mu      sync.Mutex
	path    string
	entries map[string]string
	dirty   bool
}

// Load reads the cache file at path, or returns an empty cache if the file
// does not exist yet.
func Load(path string) (*Cache, error) {
	c := &Cache{
		path:    path,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading cache %s: %w", path, err)
	}

	if err := json.Unmarshal(data, &c.entries); err != nil {
		return nil, fmt.Errorf("parsing cache %s: %w", path, err)
	}
	if c.entries == nil {
		c.entries = make(map[string]string)
	}
	return c, nil
}

// Get returns the cached translation for text, if any.
func (c *Cache) Get(text string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[text]
	return v, ok
}

// Set records a translation. Within a run an entry, once written, is kept;
// identity values (translation equal to source) never overwrite a real
// translation recorded earlier.
func (c *Cache) Set(text, translation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[text]; ok && prev != text && translation == text {
		return
	}
	c.entries[text] = translation
	c.dirty = true
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush persists the full mapping, atomically replacing the cache file.
// Writing to a temp file and renaming keeps a crash mid-flush from
// corrupting the previous cache contents.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty {
		return nil
	}

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing cache file: %w", err)
	}

	c.dirty = false
	return nil
}

// Path returns the backing file path.
func (c *Cache) Path() string {
	return c.path
}
