// Package diskcache persists thumbnail tiers on disk so that they survive
// restarts.
//
// Thumbnails are stored as pixel containers under
//
//	<dir>/<tier>/<shard>/<id>.pxc
//
// where shard is the low byte of the xxh3 hash of (id, tier). Each file
// records the modification time of the source it was rendered from; an
// entry whose source changed since is stale and removed on lookup.
//
// The directory is locked while a Store is open.
package diskcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// ErrLocked is returned when another process holds the cache directory.
var ErrLocked = errors.New("diskcache: directory locked")

const lockFileName = "LOCK"

// Options configures a Store.
type Options struct {
	// Dir is the cache directory. It is created if missing.
	Dir string

	// FS defaults to the OS filesystem.
	FS vfs.FS

	// Compression of stored pixels. Zero means none; DefaultOptions picks LZ4.
	Compression compression.Type

	// Tiers lists the tiers that are persisted. Empty means the thumbnail
	// tiers.
	Tiers []imgtype.Tier

	Logger logging.Logger
}

// DefaultOptions returns options storing LZ4 compressed thumbnails in dir.
func DefaultOptions(dir string) Options {
	return Options{
		Dir:         dir,
		Compression: compression.LZ4Compression,
		Tiers:       []imgtype.Tier{imgtype.TierThumbSmall, imgtype.TierThumbLarge},
	}
}

// Stats counts store lookups and writes.
type Stats struct {
	Hits   uint64
	Misses uint64
	Stale  uint64
	Writes uint64
	Errors uint64
}

// Store is an on-disk thumbnail store. It is safe for concurrent use.
type Store struct {
	fs      vfs.FS
	dir     string
	ct      compression.Type
	tiers   [imgtype.NumTiers]bool
	lock    io.Closer
	reader  *decoder.ContainerDecoder
	logger  logging.Logger
	closed  atomic.Bool
	hits    atomic.Uint64
	misses  atomic.Uint64
	stale   atomic.Uint64
	writes  atomic.Uint64
	errored atomic.Uint64
}

// Open creates the cache directory if needed and locks it.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("diskcache: empty directory")
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	if !opts.Compression.IsSupported() {
		return nil, fmt.Errorf("%w: %s", compression.ErrUnsupported, opts.Compression)
	}
	if err := fs.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	lock, err := fs.Lock(filepath.Join(opts.Dir, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, opts.Dir, err)
	}

	logger := logging.OrDefault(opts.Logger)
	s := &Store{
		fs:     fs,
		dir:    opts.Dir,
		ct:     opts.Compression,
		lock:   lock,
		reader: decoder.NewContainerDecoder(fs, logger),
		logger: logger,
	}
	tiers := opts.Tiers
	if len(tiers) == 0 {
		tiers = DefaultOptions("").Tiers
	}
	for _, t := range tiers {
		if t.Valid() {
			s.tiers[t] = true
		}
	}
	return s, nil
}

// Persists reports whether tier is stored.
func (s *Store) Persists(tier imgtype.Tier) bool {
	return tier.Valid() && s.tiers[tier]
}

// Path returns the file holding (id, tier).
func (s *Store) Path(id imgtype.ImageID, tier imgtype.Tier) string {
	var key [9]byte
	binary.LittleEndian.PutUint64(key[:], uint64(id))
	key[8] = byte(tier)
	shard := fmt.Sprintf("%02x", xxh3.Hash(key[:])&0xff)
	return filepath.Join(s.dir, tier.String(), shard, strconv.FormatUint(uint64(id), 10)+decoder.ContainerExt)
}

// Get fills dst with the stored pixels of (req.ID, req.Tier) if an entry
// rendered from a source with modification time srcModTime exists, and
// returns the stored description. It reports a miss for absent, stale or
// unreadable entries; stale and unreadable ones are removed.
func (s *Store) Get(ctx context.Context, srcModTime time.Time, dst []byte, req decoder.Request) (decoder.Info, bool, error) {
	if s.closed.Load() || !s.Persists(req.Tier) {
		return decoder.Info{}, false, nil
	}
	path := s.Path(req.ID, req.Tier)
	if !s.fs.Exists(path) {
		s.misses.Add(1)
		return decoder.Info{}, false, nil
	}

	res, err := s.reader.Decode(ctx, path, dst, req)
	if err != nil {
		if ctx.Err() != nil {
			return decoder.Info{}, false, ctx.Err()
		}
		s.logger.Warnf("%sdropping unreadable %s: %v", logging.NSDiskCache, path, err)
		s.errored.Add(1)
		s.misses.Add(1)
		s.remove(path)
		return decoder.Info{}, false, nil
	}
	src := res.Source
	if src.Width != req.Width || src.Height != req.Height || src.Format != req.Format ||
		!src.ModTime.Equal(srcModTime) {
		s.logger.Debugf("%sstale %s", logging.NSDiskCache, path)
		s.stale.Add(1)
		s.misses.Add(1)
		s.remove(path)
		return decoder.Info{}, false, nil
	}
	s.hits.Add(1)
	return src, true, nil
}

// Put stores pixels as the entry of (id, tier).
func (s *Store) Put(id imgtype.ImageID, tier imgtype.Tier, info decoder.Info, pixels []byte) error {
	if s.closed.Load() || !s.Persists(tier) {
		return nil
	}
	path := s.Path(id, tier)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.errored.Add(1)
		return err
	}
	if err := decoder.WriteContainer(s.fs, path, &decoder.Image{Info: info, Pixels: pixels}, s.ct); err != nil {
		s.errored.Add(1)
		return err
	}
	s.writes.Add(1)
	return nil
}

// Remove deletes every stored tier of id.
func (s *Store) Remove(id imgtype.ImageID) {
	for t := range imgtype.NumTiers {
		if s.tiers[t] {
			s.remove(s.Path(id, imgtype.Tier(t)))
		}
	}
}

func (s *Store) remove(path string) {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warnf("%sremove %s: %v", logging.NSDiskCache, path, err)
	}
}

// Stats returns a snapshot of the counters.
func (s *Store) Stats() Stats {
	return Stats{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Stale:  s.stale.Load(),
		Writes: s.writes.Load(),
		Errors: s.errored.Load(),
	}
}

// Close releases the directory lock. Further lookups miss and writes are
// dropped.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.lock.Close()
}
