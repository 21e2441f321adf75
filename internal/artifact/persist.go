package artifact

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"time"

	"inferq/internal/common/fsutil"
)

type lruRecord struct {
	LastUsedUnix int64 `json:"last_used_unix"`
	LoadedUnix   int64 `json:"loaded_unix"`
}

func (c *Cache) loadHints() {
	if c.cfg.PersistPath == "" {
		return
	}
	b, err := os.ReadFile(c.cfg.PersistPath)
	if err != nil {
		return
	}
	var data map[string]lruRecord
	if err := json.Unmarshal(b, &data); err != nil {
		c.log.Warn().Str("event", "persist_corrupt").Str("path", c.cfg.PersistPath).Err(err).Msg("ignoring cache metadata")
		return
	}
	hints := make(map[Key]lruRecord, len(data))
	for s, rec := range data {
		k, err := ParseKey(s)
		if err != nil {
			continue
		}
		hints[k] = rec
	}
	c.hints = hints
}

func (c *Cache) saveHints() error {
	if c.cfg.PersistPath == "" {
		return nil
	}
	c.mu.Lock()
	snap := make(map[string]lruRecord, len(c.entries))
	for k, e := range c.entries {
		snap[k.String()] = lruRecord{LastUsedUnix: e.lastUsedAt.Unix(), LoadedUnix: e.loadedAt.Unix()}
	}
	c.mu.Unlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(c.cfg.PersistPath, b, 0o644)
}

// PreloadHints returns the keys that were cached when the previous process
// closed, most recently used first, capped at MaxEntries.
func (c *Cache) PreloadHints() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]Key, 0, len(c.hints))
	for k := range c.hints {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.hints[keys[i]].LastUsedUnix > c.hints[keys[j]].LastUsedUnix
	})
	if len(keys) > c.cfg.MaxEntries {
		keys = keys[:c.cfg.MaxEntries]
	}
	return keys
}

// Warm loads keys into the cache without holding leases. Failures are
// logged and skipped; the number of artifacts loaded is returned.
func (c *Cache) Warm(ctx context.Context, keys []Key) int {
	loaded := 0
	for _, k := range keys {
		start := time.Now()
		l, err := c.GetOrLoad(ctx, k)
		if err != nil {
			c.log.Warn().Str("event", "warm_failed").Str("key", k.String()).Err(err).Msg("preload failed")
			continue
		}
		l.Release()
		loaded++
		c.log.Debug().Str("event", "warmed").Str("key", k.String()).Dur("took", time.Since(start)).Msg("artifact preloaded")
	}
	return loaded
}
