package mipmap

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mpaglia0/ansel-sub001/internal/collection"
	"github.com/mpaglia0/ansel-sub001/internal/imgmeta"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

// Refresh checks the source file of id and drops every tier and the
// metadata record when the file changed since it was loaded, or since a
// load failed. An image that left the collection is dropped as well.
// It reports whether anything was dropped.
func (c *Cache) Refresh(ctx context.Context, id imgtype.ImageID) (bool, error) {
	rec, err := c.coll.Resolve(ctx, id)
	if errors.Is(err, collection.ErrNotFound) {
		c.drop(id)
		return true, nil
	}
	if err != nil {
		return false, err
	}

	known := c.knownModTime(id)
	if known.IsZero() || !rec.ModTime.After(known) {
		return false, nil
	}
	c.logger.Infof("%simage %d changed on disk (%s > %s)", logging.NSMipmap, id,
		rec.ModTime.Format(time.RFC3339), known.Format(time.RFC3339))
	c.drop(id)
	return true, nil
}

func (c *Cache) drop(id imgtype.ImageID) {
	c.Invalidate(id, imgtype.TierAll)
	c.meta.Remove(id)
}

// knownModTime returns the newest source modification time the cache has
// seen for id.
func (c *Cache) knownModTime(id imgtype.ImageID) time.Time {
	var known time.Time
	newer := func(t time.Time) {
		if t.After(known) {
			known = t
		}
	}
	if md, ok := c.meta.Get(id); ok {
		newer(md.ModTime)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for i := range imgtype.NumTiers {
		key := Key{ID: id, Tier: imgtype.Tier(i)}
		if e := c.entries[key]; e != nil && e.State() == StateReady {
			newer(e.srcModTime)
		}
		if b, ok := c.broken[key]; ok {
			newer(b.modTime)
		}
	}
	return known
}

// Prefetch loads tier of every image in ids, waiting for each load, with
// at most one in-flight load per worker. Images that cannot be found or
// fail to decode are skipped. Prefetch stops at the first other error,
// such as ErrCacheFull.
func (c *Cache) Prefetch(ctx context.Context, ids []imgtype.ImageID, tier imgtype.Tier) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, c.budget.Current().Workers))

	seen := make(map[imgtype.ImageID]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		g.Go(func() error {
			h, err := c.Checkout(ctx, id, tier, ModeBlocking)
			if err == nil {
				h.Release()
				return nil
			}
			if errors.Is(err, ErrBroken) || errors.Is(err, imgmeta.ErrNotFound) {
				c.logger.Debugf("%sprefetch skipped %d: %v", logging.NSMipmap, id, err)
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
