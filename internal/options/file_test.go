package options

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/logging"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

const sampleFile = `
# anselrc
[memory]
total = 16G
headroom = 20%
mipmap_ratio = 0.6   # more thumbnails
max_buffer = 512M

[workers]
threads = 4
load_timeout = 15s

[diskcache]
enabled = true
dir = /tmp/ansel cache
compression = zstd

[log]
level = debug

[future]
shiny = yes
`

func TestParseOptionsFile(t *testing.T) {
	opts, err := ParseOptionsFile(strings.NewReader(sampleFile))
	if err != nil {
		t.Fatalf("ParseOptionsFile: %v", err)
	}

	if opts.TotalMemory != 16<<30 {
		t.Errorf("TotalMemory = %d, want %d", opts.TotalMemory, uint64(16<<30))
	}
	if opts.HeadroomFraction != 0.2 {
		t.Errorf("HeadroomFraction = %v, want 0.2", opts.HeadroomFraction)
	}
	if opts.MipmapRatio != 0.6 {
		t.Errorf("MipmapRatio = %v, want 0.6", opts.MipmapRatio)
	}
	if opts.MaxBufferBytes != 512<<20 {
		t.Errorf("MaxBufferBytes = %d, want %d", opts.MaxBufferBytes, 512<<20)
	}
	if opts.WorkerThreads != 4 {
		t.Errorf("WorkerThreads = %d, want 4", opts.WorkerThreads)
	}
	if opts.LoadTimeout != 15*time.Second {
		t.Errorf("LoadTimeout = %v, want 15s", opts.LoadTimeout)
	}
	if !opts.DiskCacheEnabled {
		t.Error("DiskCacheEnabled = false, want true")
	}
	if opts.DiskCacheDir != "/tmp/ansel cache" {
		t.Errorf("DiskCacheDir = %q", opts.DiskCacheDir)
	}
	if opts.DiskCacheCodec != compression.ZstdCompression {
		t.Errorf("DiskCacheCodec = %v, want zstd", opts.DiskCacheCodec)
	}
	if opts.LogLevel != logging.LevelDebug {
		t.Errorf("LogLevel = %v, want DEBUG", opts.LogLevel)
	}
}

func TestHasReportsOnlyPresentKeys(t *testing.T) {
	opts, err := ParseOptionsFile(strings.NewReader("[memory]\nheadroom = 0\n"))
	if err != nil {
		t.Fatalf("ParseOptionsFile: %v", err)
	}
	if !opts.Has(KeyHeadroom) {
		t.Error("Has(headroom) = false, want true")
	}
	for _, key := range []string{KeyTotalMemory, KeyMipmapRatio, KeyThreads, KeyLogLevel} {
		if opts.Has(key) {
			t.Errorf("Has(%s) = true, want false", key)
		}
	}
}

func TestKeysAreScopedBySection(t *testing.T) {
	opts, err := ParseOptionsFile(strings.NewReader("threads = 3\n[log]\nthreads = 5\n"))
	if err != nil {
		t.Fatalf("ParseOptionsFile: %v", err)
	}
	if opts.Has(KeyThreads) {
		t.Errorf("threads outside [workers] was applied: %d", opts.WorkerThreads)
	}
}

func TestParseOptionsFileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing equals", "[memory]\ntotal 16G\n"},
		{"unterminated section", "[memory\n"},
		{"bad size", "[memory]\ntotal = lots\n"},
		{"fraction above one", "[memory]\nheadroom = 1.5\n"},
		{"negative threads", "[workers]\nthreads = -2\n"},
		{"bad duration", "[workers]\nload_timeout = soon\n"},
		{"bad codec", "[diskcache]\ncompression = rar\n"},
		{"bad level", "[log]\nlevel = loud\n"},
		{"bad bool", "[diskcache]\nenabled = maybe\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptionsFile(strings.NewReader(tt.input))
			if !errors.Is(err, ErrSyntax) {
				t.Errorf("err = %v, want ErrSyntax", err)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"0", 0},
		{"4096", 4096},
		{"4K", 4 << 10},
		{"4k", 4 << 10},
		{"512M", 512 << 20},
		{"512MB", 512 << 20},
		{"2GiB", 2 << 30},
		{"1.5G", 3 << 29},
		{"1T", 1 << 40},
		{" 8 G ", 8 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil {
			t.Errorf("ParseSize(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}

	for _, bad := range []string{"", "G", "-1", "1.5", "abc", "99999999999T"} {
		if _, err := ParseSize(bad); err == nil {
			t.Errorf("ParseSize(%q) succeeded, want error", bad)
		}
	}
}

func TestReadOptionsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "anselrc")
	if err := os.WriteFile(path, []byte(sampleFile), 0o644); err != nil {
		t.Fatal(err)
	}
	opts, err := ReadOptionsFile(vfs.Default(), path)
	if err != nil {
		t.Fatalf("ReadOptionsFile: %v", err)
	}
	if opts.WorkerThreads != 4 {
		t.Errorf("WorkerThreads = %d, want 4", opts.WorkerThreads)
	}

	if _, err := ReadOptionsFile(vfs.Default(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadOptionsFile of a missing file succeeded")
	}
}
