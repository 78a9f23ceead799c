package diskcache

import (
	"context"

	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

// Decoder serves persisted tiers from a Store and falls through to the
// wrapped decoder for everything else. Fresh decodes of persisted tiers are
// written back.
//
// A hit carries no source dimensions in its Result, so callers cannot
// check it against the image metadata.
type Decoder struct {
	store *Store
	next  decoder.Decoder
}

var _ decoder.Decoder = (*Decoder)(nil)

// NewDecoder wraps next with store.
func NewDecoder(store *Store, next decoder.Decoder) *Decoder {
	return &Decoder{store: store, next: next}
}

// Decode implements decoder.Decoder.
func (d *Decoder) Decode(ctx context.Context, path string, dst []byte, req decoder.Request) (decoder.Result, error) {
	if !d.store.Persists(req.Tier) {
		return d.next.Decode(ctx, path, dst, req)
	}
	fi, err := d.store.fs.Stat(path)
	if err != nil {
		// The wrapped decoder reports the missing source.
		return d.next.Decode(ctx, path, dst, req)
	}
	mtime := fi.ModTime()

	stored, hit, err := d.store.Get(ctx, mtime, dst, req)
	if err != nil {
		return decoder.Result{}, err
	}
	if hit {
		stored.Width, stored.Height = 0, 0
		return decoder.Result{Width: req.Width, Height: req.Height, Format: req.Format, Source: stored}, nil
	}

	res, err := d.next.Decode(ctx, path, dst, req)
	if err != nil {
		return res, err
	}
	info := decoder.Info{
		Width:       req.Width,
		Height:      req.Height,
		Format:      req.Format,
		Orientation: res.Source.Orientation,
		Loader:      res.Source.Loader,
		ColorMatrix: res.Source.ColorMatrix,
		ModTime:     mtime,
		Exif:        res.Source.Exif,
	}
	if err := d.store.Put(req.ID, req.Tier, info, dst); err != nil {
		d.store.logger.Warnf("%swrite back of %d/%s failed: %v", logging.NSDiskCache, req.ID, req.Tier, err)
	}
	return res, nil
}
