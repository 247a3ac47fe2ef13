package retrieval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/kalambet/litscout/internal/papers"
)

// Catalog maps paper titles to their metadata. Every title that has chunks
// in the index has an entry here.
type Catalog struct {
	mu      sync.RWMutex
	entries map[string]papers.Metadata
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{entries: make(map[string]papers.Metadata)}
}

// Upsert stores meta under its title, replacing any previous entry.
func (c *Catalog) Upsert(meta papers.Metadata) {
	c.mu.Lock()
	c.entries[meta.Title] = meta
	c.mu.Unlock()
}

// Get looks up a title.
func (c *Catalog) Get(title string) (papers.Metadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.entries[title]
	return m, ok
}

// Len returns the number of catalogued titles.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of all entries.
func (c *Catalog) Snapshot() map[string]papers.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]papers.Metadata, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Titles returns the catalogued titles in sorted order.
func (c *Catalog) Titles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	titles := make([]string, 0, len(c.entries))
	for t := range c.entries {
		titles = append(titles, t)
	}
	sort.Strings(titles)
	return titles
}

// WriteFile persists the catalog as one JSON object keyed by title.
func (c *Catalog) WriteFile(path string) error {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	return writeFileAtomic(path, data)
}

// readCatalog loads a catalog file written by WriteFile.
func readCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]papers.Metadata)
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return &Catalog{entries: entries}, nil
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	return nil
}
