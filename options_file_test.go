package ansel

// options_file_test.go implements tests for the anselrc mapping.

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

func TestWriteAndLoadOptionsFile(t *testing.T) {
	dir := t.TempDir()
	fs := vfs.Default()
	path := filepath.Join(dir, "anselrc")

	opts := DefaultOptions()
	opts.TotalMemory = 12 << 30
	opts.HeadroomFraction = 0.3
	opts.MipmapRatio = 0.4
	opts.MaxBufferBytes = 256 << 20
	opts.WorkerThreads = 3
	opts.LoadTimeout = 2500 * time.Millisecond
	opts.DiskCacheEnabled = true
	opts.DiskCacheDir = filepath.Join(dir, "thumbs")
	opts.DiskCacheCompression = compression.ZstdCompression
	opts.LogLevel = logging.LevelInfo

	if err := WriteOptionsFile(fs, path, opts); err != nil {
		t.Fatalf("WriteOptionsFile failed: %v", err)
	}
	got, err := LoadOptionsFile(fs, path)
	if err != nil {
		t.Fatalf("LoadOptionsFile failed: %v", err)
	}

	if got.TotalMemory != opts.TotalMemory {
		t.Errorf("TotalMemory = %d, want %d", got.TotalMemory, opts.TotalMemory)
	}
	if got.HeadroomFraction != opts.HeadroomFraction {
		t.Errorf("HeadroomFraction = %v, want %v", got.HeadroomFraction, opts.HeadroomFraction)
	}
	if got.MipmapRatio != opts.MipmapRatio {
		t.Errorf("MipmapRatio = %v, want %v", got.MipmapRatio, opts.MipmapRatio)
	}
	if got.MaxBufferFraction != opts.MaxBufferFraction {
		t.Errorf("MaxBufferFraction = %v, want %v", got.MaxBufferFraction, opts.MaxBufferFraction)
	}
	if got.MaxBufferBytes != opts.MaxBufferBytes {
		t.Errorf("MaxBufferBytes = %d, want %d", got.MaxBufferBytes, opts.MaxBufferBytes)
	}
	if got.WorkerThreads != opts.WorkerThreads {
		t.Errorf("WorkerThreads = %d, want %d", got.WorkerThreads, opts.WorkerThreads)
	}
	if got.LoadTimeout != opts.LoadTimeout {
		t.Errorf("LoadTimeout = %v, want %v", got.LoadTimeout, opts.LoadTimeout)
	}
	if !got.DiskCacheEnabled || got.DiskCacheDir != opts.DiskCacheDir {
		t.Errorf("disk cache = %v %q, want true %q", got.DiskCacheEnabled, got.DiskCacheDir, opts.DiskCacheDir)
	}
	if got.DiskCacheCompression != compression.ZstdCompression {
		t.Errorf("DiskCacheCompression = %v, want zstd", got.DiskCacheCompression)
	}
	if got.LogLevel != logging.LevelInfo {
		t.Errorf("LogLevel = %v, want INFO", got.LogLevel)
	}
}

func TestLoadOptionsFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anselrc")
	if err := os.WriteFile(path, []byte("[workers]\nthreads = 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := LoadOptionsFile(nil, path)
	if err != nil {
		t.Fatalf("LoadOptionsFile failed: %v", err)
	}
	def := DefaultOptions()
	if got.WorkerThreads != 2 {
		t.Errorf("WorkerThreads = %d, want 2", got.WorkerThreads)
	}
	if got.MipmapRatio != def.MipmapRatio || got.LoadTimeout != def.LoadTimeout {
		t.Errorf("defaults not kept: ratio %v timeout %v", got.MipmapRatio, got.LoadTimeout)
	}
	if got.DiskCacheCompression != compression.LZ4Compression {
		t.Errorf("DiskCacheCompression = %v, want lz4", got.DiskCacheCompression)
	}
}

func TestLoadOptionsFileRejectsInvalidOptions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anselrc")
	if err := os.WriteFile(path, []byte("[diskcache]\nenabled = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptionsFile(nil, path); !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}

	if err := os.WriteFile(path, []byte("[memory]\nheadroom = 100%\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptionsFile(nil, path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestWriteOptionsFileRejectsCommentInDir(t *testing.T) {
	opts := DefaultOptions()
	opts.DiskCacheDir = "/tmp/#thumbs"
	err := WriteOptionsFile(nil, filepath.Join(t.TempDir(), "anselrc"), opts)
	if !errors.Is(err, ErrInvalidOptions) {
		t.Errorf("err = %v, want ErrInvalidOptions", err)
	}
}
