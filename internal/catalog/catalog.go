// Package catalog holds the per-provider tool catalog learned from upstream
// providers.
//
// The catalog is filled from three sources:
//
//  1. **Discovery**: the out-of-band initialize/tools/list handshake run on
//     every upstream readiness transition (internal/discovery).
//
//  2. **Relayed traffic**: any forwarded tools/list response that carries a
//     tool list replaces the provider's entry opportunistically.
//
//  3. **Persisted storage**: at startup the cache is rehydrated from the
//     repository so the catalog is not empty while discovery is in flight.
//
// The cache is owned by the core orchestrator and passed explicitly; there
// is no package-level state.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Cache is a thread-safe, per-provider tool catalog.
type Cache struct {
	mu      sync.RWMutex
	tools   map[string][]models.ToolInfo // key: provider name
	updated map[string]time.Time
}

// NewCache creates an empty catalog cache.
func NewCache() *Cache {
	return &Cache{
		tools:   make(map[string][]models.ToolInfo),
		updated: make(map[string]time.Time),
	}
}

// Replace swaps a provider's catalog wholesale.
func (c *Cache) Replace(provider string, tools []models.ToolInfo) {
	copied := make([]models.ToolInfo, len(tools))
	copy(copied, tools)

	c.mu.Lock()
	c.tools[provider] = copied
	c.updated[provider] = time.Now().UTC()
	c.mu.Unlock()

	log.Debug().Str("provider", provider).Int("tools", len(tools)).Msg("Catalog: provider tools replaced")
}

// Get returns a copy of a provider's catalog.
func (c *Cache) Get(provider string) ([]models.ToolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools, ok := c.tools[provider]
	if !ok {
		return nil, false
	}
	out := make([]models.ToolInfo, len(tools))
	copy(out, tools)
	return out, true
}

// Lookup finds a single tool by name within a provider's catalog.
func (c *Cache) Lookup(provider, toolName string) (*models.ToolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.tools[provider] {
		if t.Name == toolName {
			tool := t
			return &tool, true
		}
	}
	return nil, false
}

// Count returns the number of tools cached for a provider.
func (c *Cache) Count(provider string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools[provider])
}

// UpdatedAt reports when a provider's catalog was last replaced.
func (c *Cache) UpdatedAt(provider string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.updated[provider]
	return t, ok
}

// All returns a snapshot of every provider's catalog.
func (c *Cache) All() map[string][]models.ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]models.ToolInfo, len(c.tools))
	for provider, tools := range c.tools {
		copied := make([]models.ToolInfo, len(tools))
		copy(copied, tools)
		out[provider] = copied
	}
	return out
}

// Providers returns the cached provider names, sorted.
func (c *Cache) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rehydrate loads persisted catalogs for providers not cached yet. Entries
// already filled by discovery win over persisted ones.
func (c *Cache) Rehydrate(ctx context.Context, repo store.CatalogStore) error {
	if repo == nil {
		return nil
	}
	persisted, err := repo.LoadToolCatalogs(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	loaded := 0
	for provider, tools := range persisted {
		if _, ok := c.tools[provider]; ok {
			continue
		}
		c.tools[provider] = tools
		loaded++
	}
	log.Info().Int("providers", loaded).Msg("Catalog: rehydrated from storage")
	return nil
}

// ParseToolsResult extracts a tool list from a tools/list result payload.
// ok is false when the payload carries no "tools" array.
func ParseToolsResult(result json.RawMessage) ([]models.ToolInfo, bool) {
	var payload struct {
		Tools *[]models.ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(result, &payload); err != nil || payload.Tools == nil {
		return nil, false
	}
	return *payload.Tools, true
}
