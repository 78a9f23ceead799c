// Load and eviction benchmark for the mipmap cache.
//
// Use `mipmapbench` to generate a directory of pixel containers, open a
// Context over it and measure prefetch and random access under a memory
// budget small enough to force eviction.
//
// Run a benchmark:
//
// ```bash
// ./bin/mipmapbench -images=500 -memory=64M -tier=thumb-large -rounds=5
// ```
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	ansel "github.com/mpaglia0/ansel-sub001"
	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/options"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

var (
	numImages  = flag.Int("images", 200, "Number of generated images")
	width      = flag.Int("width", 1600, "Width of generated images")
	height     = flag.Int("height", 1067, "Height of generated images")
	imageDir   = flag.String("dir", "", "Image directory (default: temp directory)")
	keepDir    = flag.Bool("keep", false, "Keep the generated images")
	configPath = flag.String("config", "", "anselrc file to load")
	memory     = flag.String("memory", "", "Total memory override, e.g. 256M")
	workers    = flag.Int("workers", 0, "Worker threads (0: derived)")
	tierName   = flag.String("tier", "thumb-small", "Tier to load: thumb-small, thumb-large, preview, full")
	codec      = flag.String("codec", "lz4", "Compression of generated images")
	diskCache  = flag.String("diskcache", "", "Enable the thumbnail disk cache in this directory")
	rounds     = flag.Int("rounds", 3, "Random access rounds")
	seed       = flag.Int64("seed", 0, "Random seed (0: time based)")
	memFS      = flag.Bool("memfs", false, "Keep images and the disk cache in memory")
	verbose    = flag.Bool("v", false, "Verbose output")
)

type config struct {
	images        int
	width, height int
	dir           string
	tier          imgtype.Tier
	codec         compression.Type
	rounds        int
	seed          int64
	opts          *ansel.Options
	out           io.Writer
}

type report struct {
	generate   time.Duration
	prefetch   time.Duration
	random     time.Duration
	checkouts  int
	fallbacks  int
	misses     int
	cacheFull  int
	stats      ansel.Stats
	statistics string
}

func main() {
	flag.Parse()

	cfg, cleanup, err := configFromFlags()
	if err != nil {
		fatal("%v", err)
	}
	defer cleanup()

	r, err := run(context.Background(), cfg)
	if err != nil {
		fatal("%v", err)
	}
	printReport(cfg, r)
}

func configFromFlags() (*config, func(), error) {
	cleanup := func() {}
	tier, err := imgtype.ParseTier(*tierName)
	if err != nil {
		return nil, cleanup, err
	}
	ct, err := compression.ParseType(*codec)
	if err != nil {
		return nil, cleanup, err
	}

	opts := ansel.DefaultOptions()
	if *configPath != "" {
		if opts, err = ansel.LoadOptionsFile(nil, *configPath); err != nil {
			return nil, cleanup, err
		}
	}
	if *memory != "" {
		if opts.TotalMemory, err = options.ParseSize(*memory); err != nil {
			return nil, cleanup, fmt.Errorf("-memory: %w", err)
		}
	}
	if *workers > 0 {
		opts.WorkerThreads = *workers
	}
	if *diskCache != "" {
		opts.DiskCacheEnabled = true
		opts.DiskCacheDir = *diskCache
	}
	level := logging.LevelWarn
	if *verbose {
		level = logging.LevelDebug
	}
	opts.Logger = logging.NewDefaultLogger(level)

	dir := *imageDir
	if *memFS {
		opts.FS = vfs.NewMemFS()
		if dir == "" {
			dir = "/images"
		}
	}
	if dir == "" {
		if dir, err = os.MkdirTemp("", "mipmapbench-*"); err != nil {
			return nil, cleanup, err
		}
		if !*keepDir {
			cleanup = func() { _ = os.RemoveAll(dir) }
		}
	}

	s := *seed
	if s == 0 {
		s = time.Now().UnixNano()
	}
	return &config{
		images: *numImages,
		width:  *width,
		height: *height,
		dir:    dir,
		tier:   tier,
		codec:  ct,
		rounds: *rounds,
		seed:   s,
		opts:   opts,
		out:    os.Stdout,
	}, cleanup, nil
}

func run(ctx context.Context, cfg *config) (*report, error) {
	r := &report{}

	start := time.Now()
	if err := generate(ctx, cfg); err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	r.generate = time.Since(start)

	c, err := ansel.Open(cfg.opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()

	ids, err := c.ScanDir(cfg.dir)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no images in %s", cfg.dir)
	}

	start = time.Now()
	if err := c.Prefetch(ctx, ids, cfg.tier); err != nil && !errors.Is(err, ansel.ErrCacheFull) {
		return nil, fmt.Errorf("prefetch: %w", err)
	}
	r.prefetch = time.Since(start)

	rng := rand.New(rand.NewSource(cfg.seed))
	start = time.Now()
	for range cfg.rounds {
		for range len(ids) {
			id := ids[rng.Intn(len(ids))]
			mode := ansel.ModeBlocking
			if rng.Intn(2) == 0 {
				mode = ansel.ModeBestEffort
			}
			if err := checkout(ctx, c, r, id, cfg.tier, mode); err != nil {
				return nil, err
			}
		}
	}
	c.Wait()
	r.random = time.Since(start)

	r.stats = c.Stats()
	r.statistics = c.Statistics().String()
	return r, nil
}

func checkout(ctx context.Context, c *ansel.Context, r *report, id ansel.ImageID, tier ansel.Tier, mode ansel.Mode) error {
	h, err := c.Checkout(ctx, id, tier, mode)
	switch {
	case errors.Is(err, ansel.ErrCacheFull):
		r.cacheFull++
		return nil
	case errors.Is(err, ansel.ErrBroken):
		return nil
	case err != nil:
		return fmt.Errorf("checkout %d/%s: %w", id, tier, err)
	case h == nil:
		r.misses++
		return nil
	}
	defer c.Release(h)

	r.checkouts++
	if h.Fallback() {
		r.fallbacks++
	}
	if len(h.Bytes()) != h.Format().FrameSize(h.Width(), h.Height()) {
		return fmt.Errorf("checkout %d/%s: buffer of %d bytes for %dx%d %s",
			id, h.Tier(), len(h.Bytes()), h.Width(), h.Height(), h.Format())
	}
	return nil
}

// generate writes cfg.images containers named by their id. Existing files
// are kept.
func generate(ctx context.Context, cfg *config) error {
	fs := cfg.opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	if err := fs.MkdirAll(cfg.dir, 0o755); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := 1; i <= cfg.images; i++ {
		path := filepath.Join(cfg.dir, fmt.Sprintf("%d%s", i, decoder.ContainerExt))
		if fs.Exists(path) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return decoder.WriteContainer(fs, path, gradient(cfg.width, cfg.height, byte(i)), cfg.codec)
		})
	}
	return g.Wait()
}

func gradient(w, h int, seed byte) *decoder.Image {
	img := &decoder.Image{
		Info:   decoder.Info{Width: w, Height: h, Format: imgtype.FormatRGBA8, Orientation: 1, Loader: imgtype.LoaderContainer},
		Pixels: make([]byte, w*h*4),
	}
	for y := range h {
		for x := range w {
			p := img.Pixels[(y*w+x)*4:]
			p[0] = byte(x) + seed
			p[1] = byte(y)
			p[2] = seed
			p[3] = 0xFF
		}
	}
	return img
}

func printReport(cfg *config, r *report) {
	w := cfg.out
	b := r.stats.Budget
	fmt.Fprintf(w, "images:      %d x %dx%d in %s\n", cfg.images, cfg.width, cfg.height, cfg.dir)
	fmt.Fprintf(w, "budget:      %s\n", &b)
	fmt.Fprintf(w, "generate:    %v\n", r.generate)
	fmt.Fprintf(w, "prefetch:    %v\n", r.prefetch)
	fmt.Fprintf(w, "random:      %v (%d checkouts, %d fallbacks, %d not ready, %d cache full)\n",
		r.random, r.checkouts, r.fallbacks, r.misses, r.cacheFull)

	m := r.stats.Mipmap
	fmt.Fprintf(w, "cache:       %d entries, %d/%d bytes, %d evictions, %d loads, %d failures\n",
		m.Entries, m.CommittedBytes, m.CapacityBytes, m.Evictions, m.Loads, m.LoadFailures)
	a := r.stats.Alloc
	fmt.Fprintf(w, "allocator:   %d allocs, %d pool hits, peak %d bytes\n", a.Allocs, a.PoolHits, a.PeakBytes)
	if d := r.stats.DiskCache; d.Hits+d.Misses > 0 {
		fmt.Fprintf(w, "disk cache:  %d hits, %d misses, %d writes\n", d.Hits, d.Misses, d.Writes)
	}
	fmt.Fprintln(w)
	fmt.Fprint(w, r.statistics)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "mipmapbench: "+format+"\n", args...)
	os.Exit(1)
}
