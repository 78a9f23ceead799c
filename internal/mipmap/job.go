package mipmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgmeta"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/jobs"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
)

// loadJob fills the reserved buffer of a Loading entry.
type loadJob struct {
	c  *Cache
	e  *entry
	md imgmeta.Metadata
}

var _ jobs.Job = (*loadJob)(nil)

func (j *loadJob) Name() string {
	return "load " + j.e.key.String()
}

// Kind implements jobs.Job. Full resolution decodes are heavy.
func (j *loadJob) Kind() jobs.Kind {
	if j.e.key.Tier == imgtype.TierFull {
		return jobs.KindHeavy
	}
	return jobs.KindLight
}

// Run implements jobs.Job. It runs to completion even if the entry is
// invalidated meanwhile; the result is then discarded.
func (j *loadJob) Run(ctx context.Context, p jobs.Progress) error {
	e := j.e
	p.SetProgressMessage("resolving " + e.key.String())
	rec, err := j.c.coll.Resolve(ctx, e.key.ID)
	if err != nil {
		if ctx.Err() == nil {
			err = &decoder.DecodeError{Path: j.md.Path, Loader: j.md.Loader, Reason: decoder.ReasonIOError, Err: err}
		}
		return j.c.completeLoad(e, decoder.Result{}, time.Time{}, err)
	}

	p.SetProgress(0.1)
	p.SetProgressMessage("decoding " + rec.Path)
	res, err := j.c.dec.Decode(ctx, rec.Path, e.buf.Bytes(), decoder.Request{
		ID:     e.key.ID,
		Tier:   e.key.Tier,
		Width:  e.width,
		Height: e.height,
		Format: e.format,
	})
	if err == nil {
		err = j.c.checkResult(e, res)
	}
	return j.c.completeLoad(e, res, rec.ModTime, err)
}

// checkResult compares a decode result against the reservation and the
// metadata record.
func (c *Cache) checkResult(e *entry, res decoder.Result) error {
	if res.Width != e.width || res.Height != e.height || res.Format != e.format {
		return fmt.Errorf("%w: %s reserved %dx%d %s, decoded %dx%d %s", imgmeta.ErrConsistency,
			e.key, e.width, e.height, e.format, res.Width, res.Height, res.Format)
	}
	if res.Source.Width > 0 && res.Source.Height > 0 {
		return c.meta.CheckDimensions(e.key.ID, res.Source.Width, res.Source.Height)
	}
	return nil
}

// completeLoad publishes the outcome of a load and wakes the waiters. It
// returns the error reported to the runner.
func (c *Cache) completeLoad(e *entry, res decoder.Result, modTime time.Time, err error) error {
	inconsistent := err != nil && errors.Is(err, imgmeta.ErrConsistency)
	var de *decoder.DecodeError
	isDecodeErr := errors.As(err, &de)

	c.mu.Lock()
	discarded := c.closed || e.State() == StateInvalid
	switch {
	case discarded:
		c.unlinkLocked(e, StateInvalid)
		c.reclaimLocked(e)
		e.loadErr = errInvalidated
	case inconsistent:
		// Every tier was sized from a stale record.
		c.invalidateLocked(e.key.ID, imgtype.TierAll)
		c.reclaimLocked(e)
		e.loadErr = err
	case err != nil:
		c.unlinkLocked(e, StateEmpty)
		c.reclaimLocked(e)
		if isDecodeErr {
			err = fmt.Errorf("%w: %s: %w", ErrBroken, e.key, err)
			c.broken[e.key] = brokenRecord{err: err, modTime: modTime}
		}
		e.loadErr = err
	default:
		e.srcModTime = modTime
		e.setState(StateReady)
		c.pushLocked(e)
	}
	c.mu.Unlock()
	defer close(e.ready)

	if inconsistent {
		c.meta.Remove(e.key.ID)
	}
	if err != nil {
		c.loadFailures.Add(1)
		c.logger.Warnf("%sload of %s failed: %v", logging.NSMipmap, e.key, err)
	} else if discarded {
		c.logger.Debugf("%sload of %s discarded", logging.NSMipmap, e.key)
	}
	if c.onLoad != nil {
		n := 0
		if err == nil && !discarded {
			n = e.format.FrameSize(e.width, e.height)
		}
		c.onLoad(LoadEvent{Key: e.key, Duration: time.Since(e.started), Bytes: n, Err: err})
	}
	return err
}
