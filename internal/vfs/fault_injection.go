package vfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	// ErrInjectedReadError is returned for paths with an injected read fault.
	ErrInjectedReadError = errors.New("vfs: injected read error")

	// ErrInjectedWriteError is returned for paths with an injected write
	// fault.
	ErrInjectedWriteError = errors.New("vfs: injected write error")

	// ErrInjectedSyncError is returned by Sync under an injected sync fault.
	ErrInjectedSyncError = errors.New("vfs: injected sync error")
)

// Fault is a set of failures injected for a path.
type Fault uint8

const (
	// FaultRead fails opens, stats and reads.
	FaultRead Fault = 1 << iota
	// FaultWrite fails creates, writes, renames onto the path and mkdirs.
	FaultWrite
	// FaultSync fails Sync of files created at the path.
	FaultSync
)

// FaultInjectionFS wraps an FS and injects errors and latency.
//
// Faults are keyed by absolute path. Faults injected for the empty path
// apply to every file.
type FaultInjectionFS struct {
	base FS

	mu        sync.RWMutex
	faults    map[string]Fault
	readDelay time.Duration
	opens     map[string]int
}

var _ FS = (*FaultInjectionFS)(nil)

// NewFaultInjectionFS wraps base without any fault.
func NewFaultInjectionFS(base FS) *FaultInjectionFS {
	return &FaultInjectionFS{
		base:   base,
		faults: make(map[string]Fault),
		opens:  make(map[string]int),
	}
}

// Inject adds f to the faults of path. Faults accumulate until ClearErrors.
func (fs *FaultInjectionFS) Inject(path string, f Fault) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p := abs(path)
	fs.faults[p] |= f
}

// InjectReadError makes opens and reads of path fail.
func (fs *FaultInjectionFS) InjectReadError(path string) { fs.Inject(path, FaultRead) }

// InjectWriteError makes creates and writes of path fail.
func (fs *FaultInjectionFS) InjectWriteError(path string) { fs.Inject(path, FaultWrite) }

// InjectSyncError makes every Sync fail.
func (fs *FaultInjectionFS) InjectSyncError() { fs.Inject("", FaultSync) }

// SetReadDelay makes every ReadAt sleep for d first. Source decodes read
// through ReadAt, so this simulates a slow disk.
func (fs *FaultInjectionFS) SetReadDelay(d time.Duration) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.readDelay = d
}

// ClearErrors drops every fault and the read delay. Open counts stay.
func (fs *FaultInjectionFS) ClearErrors() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	clear(fs.faults)
	fs.readDelay = 0
}

// Opens returns how many times path was opened for reading.
func (fs *FaultInjectionFS) Opens(path string) int {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.opens[abs(path)]
}

func abs(path string) string {
	if path == "" {
		return ""
	}
	p, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return p
}

// fails reports whether f is injected for the absolute path.
func (fs *FaultInjectionFS) fails(path string, f Fault) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return (fs.faults[""]|fs.faults[path])&f != 0
}

func (fs *FaultInjectionFS) delay() time.Duration {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.readDelay
}

func (fs *FaultInjectionFS) openForRead(name string) (string, error) {
	path := abs(name)
	fs.mu.Lock()
	fs.opens[path]++
	fs.mu.Unlock()
	if fs.fails(path, FaultRead) {
		return path, &os.PathError{Op: "open", Path: name, Err: ErrInjectedReadError}
	}
	return path, nil
}

func (fs *FaultInjectionFS) Create(name string) (WritableFile, error) {
	path := abs(name)
	if fs.fails(path, FaultWrite) {
		return nil, &os.PathError{Op: "create", Path: name, Err: ErrInjectedWriteError}
	}
	f, err := fs.base.Create(name)
	if err != nil {
		return nil, err
	}
	return &faultWritableFile{WritableFile: f, fs: fs, path: path}, nil
}

func (fs *FaultInjectionFS) Open(name string) (SequentialFile, error) {
	path, err := fs.openForRead(name)
	if err != nil {
		return nil, err
	}
	f, err := fs.base.Open(name)
	if err != nil {
		return nil, err
	}
	return &faultSequentialFile{SequentialFile: f, fs: fs, path: path}, nil
}

func (fs *FaultInjectionFS) OpenRandomAccess(name string) (RandomAccessFile, error) {
	path, err := fs.openForRead(name)
	if err != nil {
		return nil, err
	}
	f, err := fs.base.OpenRandomAccess(name)
	if err != nil {
		return nil, err
	}
	return &faultRandomAccessFile{RandomAccessFile: f, fs: fs, path: path}, nil
}

// Rename fails when newname has a write fault.
func (fs *FaultInjectionFS) Rename(oldname, newname string) error {
	if fs.fails(abs(newname), FaultWrite) {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: ErrInjectedWriteError}
	}
	return fs.base.Rename(oldname, newname)
}

func (fs *FaultInjectionFS) Remove(name string) error {
	return fs.base.Remove(name)
}

func (fs *FaultInjectionFS) MkdirAll(path string, perm os.FileMode) error {
	if fs.fails(abs(path), FaultWrite) {
		return &os.PathError{Op: "mkdir", Path: path, Err: ErrInjectedWriteError}
	}
	return fs.base.MkdirAll(path, perm)
}

// Stat fails under a read fault so that modification time probes see the
// same error as a decode would.
func (fs *FaultInjectionFS) Stat(name string) (os.FileInfo, error) {
	if fs.fails(abs(name), FaultRead) {
		return nil, &os.PathError{Op: "stat", Path: name, Err: ErrInjectedReadError}
	}
	return fs.base.Stat(name)
}

func (fs *FaultInjectionFS) Exists(name string) bool {
	return fs.base.Exists(name)
}

func (fs *FaultInjectionFS) ListDir(path string) ([]string, error) {
	return fs.base.ListDir(path)
}

func (fs *FaultInjectionFS) Lock(name string) (io.Closer, error) {
	return fs.base.Lock(name)
}

type faultWritableFile struct {
	WritableFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultWritableFile) Write(p []byte) (int, error) {
	if f.fs.fails(f.path, FaultWrite) {
		return 0, ErrInjectedWriteError
	}
	return f.WritableFile.Write(p)
}

func (f *faultWritableFile) Sync() error {
	if f.fs.fails(f.path, FaultSync) {
		return ErrInjectedSyncError
	}
	return f.WritableFile.Sync()
}

type faultSequentialFile struct {
	SequentialFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultSequentialFile) Read(p []byte) (int, error) {
	if f.fs.fails(f.path, FaultRead) {
		return 0, ErrInjectedReadError
	}
	return f.SequentialFile.Read(p)
}

type faultRandomAccessFile struct {
	RandomAccessFile
	fs   *FaultInjectionFS
	path string
}

func (f *faultRandomAccessFile) ReadAt(p []byte, off int64) (int, error) {
	if d := f.fs.delay(); d > 0 {
		time.Sleep(d)
	}
	if f.fs.fails(f.path, FaultRead) {
		return 0, ErrInjectedReadError
	}
	return f.RandomAccessFile.ReadAt(p, off)
}
