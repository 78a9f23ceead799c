package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mpaglia0/ansel-sub001/internal/compression"
	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/imgtype"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

func writeContainer(t *testing.T, dir, name string) string {
	t.Helper()
	img := &decoder.Image{
		Info: decoder.Info{
			Width: 8, Height: 4, Format: imgtype.FormatRGBA8, Orientation: 1, Loader: imgtype.LoaderContainer,
			Exif: decoder.Exif{Maker: "Acme", Model: "X1", ISO: 200},
		},
		Pixels: make([]byte, 8*4*4),
	}
	for i := range img.Pixels {
		img.Pixels[i] = byte(i)
	}
	path := filepath.Join(dir, name+decoder.ContainerExt)
	if err := decoder.WriteContainer(vfs.Default(), path, img, compression.ZstdCompression); err != nil {
		t.Fatalf("WriteContainer: %v", err)
	}
	return path
}

func TestProperties(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "a")

	var out bytes.Buffer
	if err := cmdProperties(&out, path); err != nil {
		t.Fatalf("cmdProperties: %v", err)
	}
	for _, want := range []string{"Dimensions:   8x4", "Frame:        128 bytes", "Camera:       Acme X1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestCheckDetectsCorruption(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "a")

	var out bytes.Buffer
	if err := cmdCheck(&out, path); err != nil {
		t.Fatalf("cmdCheck on intact file: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data[:len(data)-3], 0o644); err != nil {
		t.Fatal(err)
	}
	if err := cmdCheck(&out, path); err == nil {
		t.Fatal("cmdCheck on truncated file: expected error")
	}
}

func TestRawLimit(t *testing.T) {
	path := writeContainer(t, t.TempDir(), "a")

	var out bytes.Buffer
	if err := cmdRaw(&out, path, 16); err != nil {
		t.Fatalf("cmdRaw: %v", err)
	}
	if !strings.HasPrefix(out.String(), path+": 16 of 128 bytes\n") {
		t.Errorf("unexpected header:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "00 01 02 03") {
		t.Errorf("missing pixel bytes:\n%s", out.String())
	}
}

func TestFindContainers(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "3f")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	b := writeContainer(t, sub, "b")
	a := writeContainer(t, dir, "a")
	if err := os.WriteFile(filepath.Join(dir, "LOCK"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	paths, err := findContainers(dir)
	if err != nil {
		t.Fatalf("findContainers: %v", err)
	}
	if len(paths) != 2 || paths[0] != b || paths[1] != a {
		t.Errorf("paths = %v, want [%s %s]", paths, b, a)
	}

	if _, err := findContainers(t.TempDir()); err == nil {
		t.Error("expected error for empty directory")
	}
}
