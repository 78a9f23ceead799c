/*
Package ansel provides the memory-bounded image core of a RAW photo
workflow: a tiered mipmap cache of decoded pixel buffers, the aligned
allocator behind it, the resource budget that sizes both, a per-image
metadata cache and the background jobs that fill the cache.

# Usage

A Context owns every shared resource. Open builds one from Options, Close
releases it:

	opts := ansel.DefaultOptions()
	opts.DiskCacheDir = "/var/cache/ansel"
	ctx, err := ansel.Open(opts)
	if err != nil {
		return err
	}
	defer ctx.Close()

	id := ctx.AddImage("/photos/IMG_0001.pxc")
	err = ctx.With(context.Background(), id, ansel.TierThumbLarge, ansel.ModeBlocking,
		func(h *ansel.Handle) error {
			return show(h.Bytes(), h.Width(), h.Height())
		})

# Concurrency

A Context is safe for concurrent use by multiple goroutines. A Handle is
owned by the goroutine that checked it out until it is released; its
buffer is never evicted or freed while it is held.

# Memory

The mipmap cache never commits more bytes than the budget ceiling. A
checkout that cannot be admitted fails with ErrCacheFull instead of
exceeding it.
*/
package ansel
