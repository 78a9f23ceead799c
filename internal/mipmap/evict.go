package mipmap

import (
	"container/list"
	"fmt"

	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

// admitOrEvictLocked makes room for charge bytes. Victims are planned from
// the LRU tail over unreferenced Ready entries; if the plan cannot free
// enough nothing is evicted and ErrCacheFull is returned.
// Must be called with mu held.
func (c *Cache) admitOrEvictLocked(key Key, charge uint64) error {
	b := c.budget.Current()
	if charge > b.MaxBufferBytes {
		return fmt.Errorf("%w: %s needs %d bytes, ceiling is %d", ErrBufferTooLarge, key, charge, b.MaxBufferBytes)
	}
	if c.committed+charge <= b.MipmapBytes {
		return nil
	}
	need := c.committed + charge - b.MipmapBytes

	var victims []*entry
	var freed uint64
	c.lruMu.Lock()
	for el := c.lru.Back(); el != nil && freed < need; el = el.Prev() {
		e := getEntry(el)
		if e.refs.Load() > 0 {
			continue
		}
		victims = append(victims, e)
		freed += e.charge
	}
	c.lruMu.Unlock()

	if freed < need {
		c.logger.Debugf("%scannot admit %s: %d bytes committed, %d requested, %d evictable",
			logging.NSMipmap, key, c.committed, charge, freed)
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d committed, %d evictable",
			ErrCacheFull, key, charge, c.committed, b.MipmapBytes, freed)
	}
	for _, e := range victims {
		c.evictLocked(e)
	}
	return nil
}

// getEntry extracts the entry stored in an LRU element.
func getEntry(el *list.Element) *entry {
	e, _ := el.Value.(*entry)
	return e
}

// evictLocked removes an unreferenced Ready entry and frees its buffer.
// Must be called with mu held.
func (c *Cache) evictLocked(e *entry) {
	c.unlinkLocked(e, StateEvicted)
	c.reclaimLocked(e)
	c.evictions.Add(1)
}

// purgeLocked evicts every unreferenced Ready entry.
// Must be called with mu held.
func (c *Cache) purgeLocked() int {
	var victims []*entry
	c.lruMu.Lock()
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		if e := getEntry(el); e.refs.Load() == 0 {
			victims = append(victims, e)
		}
	}
	c.lruMu.Unlock()
	for _, e := range victims {
		c.evictLocked(e)
	}
	return len(victims)
}

// Shrink evicts unreferenced entries from the LRU tail until the committed
// bytes fit the current ceiling again. It is used after the budget was
// reduced. Referenced entries stay, so the cache may remain above the
// ceiling until they are released. It returns the number of evictions.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ceiling := c.budget.Current().MipmapBytes

	var victims []*entry
	committed := c.committed
	c.lruMu.Lock()
	for el := c.lru.Back(); el != nil && committed > ceiling; el = el.Prev() {
		if e := getEntry(el); e.refs.Load() == 0 {
			victims = append(victims, e)
			committed -= e.charge
		}
	}
	c.lruMu.Unlock()
	for _, e := range victims {
		c.evictLocked(e)
	}
	if len(victims) > 0 {
		c.logger.Infof("%sshrunk by %d entries to %d bytes (ceiling %d)",
			logging.NSMipmap, len(victims), c.committed, ceiling)
	}
	return len(victims)
}

// unlinkLocked removes e from lookup and the LRU list and moves it to s.
// Must be called with mu held.
func (c *Cache) unlinkLocked(e *entry, s State) {
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
	c.lruMu.Unlock()
	e.setState(s)
}

// reclaimLocked returns the charge and the buffer of e. It runs at most
// once per entry.
// Must be called with mu held.
func (c *Cache) reclaimLocked(e *entry) {
	if !e.reclaimed.CompareAndSwap(false, true) {
		return
	}
	c.committed -= e.charge
	if e.buf != nil {
		c.alloc.Free(e.buf)
		e.buf = nil
	}
}

// pushLocked makes a freshly Ready entry the most recently used.
// Must be called with mu held.
func (c *Cache) pushLocked(e *entry) {
	c.lruMu.Lock()
	e.elem = c.lru.PushFront(e)
	c.lruMu.Unlock()
}

// touch marks e as most recently used.
func (c *Cache) touch(e *entry) {
	c.lruMu.Lock()
	if e.elem != nil {
		c.lru.MoveToFront(e.elem)
	}
	c.lruMu.Unlock()
}

// Invalidate drops the entries of id at tier, or at every tier for
// imgtype.TierAll, and forgets any failed load. The entries disappear from
// lookup before Invalidate returns; their buffers are freed once the last
// handle is released or the running load finishes. Invalidating an absent
// entry is a no-op.
func (c *Cache) Invalidate(id imgtype.ImageID, tier imgtype.Tier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(id, tier)
}

// Must be called with mu held.
func (c *Cache) invalidateLocked(id imgtype.ImageID, tier imgtype.Tier) int {
	n := 0
	for _, t := range tiers(tier) {
		key := Key{ID: id, Tier: t}
		delete(c.broken, key)
		e := c.entries[key]
		if e == nil {
			continue
		}
		prev := e.State()
		c.unlinkLocked(e, StateInvalid)
		if prev == StateReady && e.refs.Load() == 0 {
			c.reclaimLocked(e)
		}
		n++
	}
	if n > 0 {
		c.invalidations.Add(uint64(n))
		c.logger.Debugf("%sinvalidated %d entries of image %d", logging.NSMipmap, n, id)
	}
	return n
}

func tiers(t imgtype.Tier) []imgtype.Tier {
	if t != imgtype.TierAll {
		if !t.Valid() {
			return nil
		}
		return []imgtype.Tier{t}
	}
	all := make([]imgtype.Tier, imgtype.NumTiers)
	for i := range all {
		all[i] = imgtype.Tier(i)
	}
	return all
}
