package forge

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"trophymint/pkg/repository"
)

const seasonCacheTTL = 5 * time.Minute

// seasonEntry caches a lookup result; a nil season records a miss so unknown
// codes do not hammer the database either.
type seasonEntry struct {
	season    *Season
	fetchedAt time.Time
}

// seasonCache keeps season rows in memory behind a short TTL. Seasons change a
// handful of times a year; singleflight collapses the refill stampede when an
// entry expires under load.
type seasonCache struct {
	store repository.Repository[Season]
	ttl   time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	rows  map[string]seasonEntry
}

func newSeasonCache(store repository.Repository[Season], ttl time.Duration) *seasonCache {
	if ttl <= 0 {
		ttl = seasonCacheTTL
	}

	return &seasonCache{
		store: store,
		ttl:   ttl,
		rows:  make(map[string]seasonEntry),
	}
}

// Get returns the season row, or (nil, nil) when no such season exists.
func (c *seasonCache) Get(ctx context.Context, code string) (*Season, error) {
	c.mu.RLock()
	entry, ok := c.rows[code]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.season, nil
	}

	v, err, _ := c.group.Do(code, func() (any, error) {
		season, err := c.store.FindOne(ctx, &Season{Code: code})
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.rows[code] = seasonEntry{season: season, fetchedAt: time.Now()}
		c.mu.Unlock()

		return season, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Season), nil
}

func (c *seasonCache) Invalidate(code string) {
	c.mu.Lock()
	delete(c.rows, code)
	c.mu.Unlock()
}
