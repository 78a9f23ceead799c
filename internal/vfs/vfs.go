// Package vfs provides the filesystem abstraction used to read source images
// and to persist the on-disk thumbnail cache.
//
// Production code uses the OS filesystem; tests wrap it with
// FaultInjectionFS to inject I/O errors and slow reads.
package vfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// FS is the subset of filesystem operations the image core needs.
type FS interface {
	// Create truncates or creates name for writing.
	Create(name string) (WritableFile, error)

	// Open opens name for sequential reading.
	Open(name string) (SequentialFile, error)

	// OpenRandomAccess opens name for positioned reads.
	OpenRandomAccess(name string) (RandomAccessFile, error)

	// Rename replaces newname with oldname.
	Rename(oldname, newname string) error

	Remove(name string) error
	MkdirAll(path string, perm os.FileMode) error
	Stat(name string) (os.FileInfo, error)
	Exists(name string) bool

	// ListDir returns the entry names of a directory, unsorted.
	ListDir(path string) ([]string, error)

	// Lock takes an exclusive, non-blocking lock on name. Closing the
	// result releases it.
	Lock(name string) (io.Closer, error)
}

// WritableFile is a file being written.
type WritableFile interface {
	io.Writer
	io.Closer
	Sync() error
}

// SequentialFile is read front to back.
type SequentialFile interface {
	io.Reader
	io.Closer
}

// RandomAccessFile serves positioned reads. Size is fixed at open.
type RandomAccessFile interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

// ReadFile reads the whole named file.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.OpenRandomAccess(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, f.Size())
	n, err := f.ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && n == len(buf)) {
		return nil, err
	}
	return buf, nil
}

var tmpSeq atomic.Uint64

// WriteFileAtomic writes data to a temporary file next to name, syncs it and
// renames it into place. Readers see either the old or the new contents.
// Concurrent writers of the same name each use their own temporary file;
// the last rename wins.
func WriteFileAtomic(fs FS, name string, data []byte) (err error) {
	tmp := fmt.Sprintf("%s.%d.tmp", name, tmpSeq.Add(1))
	f, err := fs.Create(tmp)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = fs.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return fs.Rename(tmp, name)
}

type osFS struct{}

// Default returns the OS filesystem.
func Default() FS {
	return osFS{}
}

func (osFS) Create(name string) (WritableFile, error) {
	f, err := os.Create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) Open(name string) (SequentialFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (osFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}
	return &osRandomAccessFile{File: f, size: info.Size()}, nil
}

func (osFS) Rename(oldname, newname string) error { return os.Rename(oldname, newname) }
func (osFS) Remove(name string) error { return os.Remove(name) }
func (osFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }
func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (osFS) Lock(name string) (io.Closer, error) { return lockFile(name) }

func (osFS) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func (osFS) ListDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

type osRandomAccessFile struct {
	*os.File
	size int64
}

func (f *osRandomAccessFile) Size() int64 { return f.size }
