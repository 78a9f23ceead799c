// Package collection resolves image ids to source files.
//
// The mipmap cache consumes Collection only to find the file behind an id
// and its modification time; the library database itself lives elsewhere.
package collection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

// ErrNotFound is returned when an id is not part of the collection or its
// file is gone.
var ErrNotFound = errors.New("collection: image not found")

// Record locates the source of an image.
type Record struct {
	ID      imgtype.ImageID
	Path    string
	ModTime time.Time
	Size    int64
}

// Collection resolves image ids.
type Collection interface {
	Resolve(ctx context.Context, id imgtype.ImageID) (Record, error)
}

// FileCollection is a Collection of files registered by path. The
// modification time is read from the filesystem on every Resolve so that
// edits made behind the application's back are seen.
type FileCollection struct {
	fs vfs.FS

	mu    sync.RWMutex
	paths map[imgtype.ImageID]string
	next  imgtype.ImageID
}

var _ Collection = (*FileCollection)(nil)

// NewFileCollection creates an empty collection reading through fs.
func NewFileCollection(fs vfs.FS) *FileCollection {
	if fs == nil {
		fs = vfs.Default()
	}
	return &FileCollection{
		fs:    fs,
		paths: make(map[imgtype.ImageID]string),
		next:  1,
	}
}

// Add registers path and returns its new id. Ids are never reused.
func (c *FileCollection) Add(path string) imgtype.ImageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.paths[id] = path
	return id
}

// Set registers path under a caller-chosen id.
func (c *FileCollection) Set(id imgtype.ImageID, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths[id] = path
	if id >= c.next {
		c.next = id + 1
	}
}

// Remove drops id from the collection.
func (c *FileCollection) Remove(id imgtype.ImageID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.paths, id)
}

// IDs returns the registered ids in ascending order.
func (c *FileCollection) IDs() []imgtype.ImageID {
	c.mu.RLock()
	ids := make([]imgtype.ImageID, 0, len(c.paths))
	for id := range c.paths {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered images.
func (c *FileCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.paths)
}

// Resolve implements Collection.
func (c *FileCollection) Resolve(ctx context.Context, id imgtype.ImageID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	c.mu.RLock()
	path, ok := c.paths[id]
	c.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	fi, err := c.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, fmt.Errorf("%w: id %d: %v", ErrNotFound, id, err)
		}
		return Record{}, err
	}
	return Record{ID: id, Path: path, ModTime: fi.ModTime(), Size: fi.Size()}, nil
}

// ScanDir registers every file in dir whose extension is in exts (without
// the dot, case-insensitive) and returns the new ids in name order.
// A file named "<number>.<ext>" is registered under that number.
func (c *FileCollection) ScanDir(dir string, exts ...string) ([]imgtype.ImageID, error) {
	names, err := c.fs.ListDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}

	var ids []imgtype.ImageID
	for _, name := range names {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		if len(want) > 0 && !want[ext] {
			continue
		}
		path := filepath.Join(dir, name)
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		if n, err := strconv.ParseUint(stem, 10, 64); err == nil && n > 0 {
			id := imgtype.ImageID(n)
			c.Set(id, path)
			ids = append(ids, id)
			continue
		}
		ids = append(ids, c.Add(path))
	}
	return ids, nil
}
