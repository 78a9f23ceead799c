package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
)

// ErrLockHeld is returned by BillyFS.Lock when the lock is taken.
var ErrLockHeld = errors.New("vfs: lock held")

// BillyFS adapts a go-billy filesystem. Locks are tracked in process, since
// billy backends such as memfs have no advisory locking.
type BillyFS struct {
	bfs billy.Filesystem

	mu    sync.Mutex
	locks map[string]struct{}
}

var _ FS = (*BillyFS)(nil)

// NewBillyFS wraps bfs.
func NewBillyFS(bfs billy.Filesystem) *BillyFS {
	return &BillyFS{bfs: bfs, locks: make(map[string]struct{})}
}

// NewMemFS returns an empty in-memory filesystem.
func NewMemFS() *BillyFS {
	return NewBillyFS(memfs.New())
}

// Unwrap returns the wrapped billy filesystem.
func (fs *BillyFS) Unwrap() billy.Filesystem { return fs.bfs }

func normalize(name string) string {
	return filepath.ToSlash(filepath.Clean(name))
}

func (fs *BillyFS) Create(name string) (WritableFile, error) {
	f, err := fs.bfs.Create(normalize(name))
	if err != nil {
		return nil, err
	}
	return billyWritableFile{f}, nil
}

func (fs *BillyFS) Open(name string) (SequentialFile, error) {
	return fs.bfs.Open(normalize(name))
}

func (fs *BillyFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	name = normalize(name)
	st, err := fs.bfs.Stat(name)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}
	f, err := fs.bfs.Open(name)
	if err != nil {
		return nil, err
	}
	return &billyRandomAccessFile{File: f, size: st.Size()}, nil
}

func (fs *BillyFS) Rename(oldname, newname string) error {
	return fs.bfs.Rename(normalize(oldname), normalize(newname))
}

func (fs *BillyFS) Remove(name string) error {
	return fs.bfs.Remove(normalize(name))
}

func (fs *BillyFS) MkdirAll(path string, perm os.FileMode) error {
	return fs.bfs.MkdirAll(normalize(path), perm)
}

func (fs *BillyFS) Stat(name string) (os.FileInfo, error) {
	return fs.bfs.Stat(normalize(name))
}

func (fs *BillyFS) Exists(name string) bool {
	_, err := fs.bfs.Stat(normalize(name))
	return err == nil
}

func (fs *BillyFS) ListDir(path string) ([]string, error) {
	infos, err := fs.bfs.ReadDir(normalize(path))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// Lock creates name if needed and holds it until the result is closed.
func (fs *BillyFS) Lock(name string) (io.Closer, error) {
	name = normalize(name)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, held := fs.locks[name]; held {
		return nil, &os.PathError{Op: "lock", Path: name, Err: ErrLockHeld}
	}
	f, err := fs.bfs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	fs.locks[name] = struct{}{}
	return &billyLock{fs: fs, name: name}, nil
}

type billyLock struct {
	fs   *BillyFS
	name string
	once sync.Once
}

func (l *billyLock) Close() error {
	l.once.Do(func() {
		l.fs.mu.Lock()
		delete(l.fs.locks, l.name)
		l.fs.mu.Unlock()
	})
	return nil
}

type billyWritableFile struct {
	billy.File
}

// Sync flushes when the backend supports it. memfs files have nothing to
// flush.
func (f billyWritableFile) Sync() error {
	if s, ok := f.File.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

type billyRandomAccessFile struct {
	billy.File
	size int64
}

func (f *billyRandomAccessFile) Size() int64 { return f.size }
