// Package main provides the pxcdump CLI tool for inspecting pixel
// container files, including the thumbnails stored by the disk cache.
//
// Usage:
//
//	pxcdump --file=<path> [options]
//	pxcdump --dir=<disk cache dir> --command=check
//
// Commands:
//
//	properties      Show header, capture and color fields
//	check           Decode and verify the pixel checksum
//	raw             Show the leading pixel bytes
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpaglia0/ansel-sub001/internal/decoder"
	"github.com/mpaglia0/ansel-sub001/internal/vfs"
)

var (
	filePath = flag.String("file", "", "Path to a container file")
	dirPath  = flag.String("dir", "", "Walk every container under this directory")
	command  = flag.String("command", "properties", "Command: properties, check, raw")
	limit    = flag.Int("limit", 64, "Bytes shown by raw (0 = whole frame)")
	help     = flag.Bool("help", false, "Print help")
	verbose  = flag.Bool("v", false, "Verbose output during check")
)

func main() {
	flag.Parse()

	if *help {
		printUsage()
		return
	}

	if *filePath == "" && *dirPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --file or --dir is required")
		printUsage()
		os.Exit(1)
	}

	paths := []string{*filePath}
	if *dirPath != "" {
		var err error
		if paths, err = findContainers(*dirPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	var cmd func(io.Writer, string) error
	switch *command {
	case "properties":
		cmd = cmdProperties
	case "check":
		cmd = cmdCheck
	case "raw":
		cmd = func(w io.Writer, path string) error { return cmdRaw(w, path, *limit) }
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", *command)
		printUsage()
		os.Exit(1)
	}

	failed := 0
	for _, path := range paths {
		if err := cmd(os.Stdout, path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			failed++
		}
	}
	if len(paths) > 1 {
		fmt.Printf("%d files, %d failed\n", len(paths), failed)
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("pxcdump - pixel container inspection tool")
	fmt.Println()
	fmt.Println("Usage: pxcdump --file=<path> [--command=<cmd>] [options]")
	fmt.Println()
	fmt.Println("Commands (--command):")
	fmt.Println("  properties  Show header, capture and color fields (default)")
	fmt.Println("  check       Decode and verify the pixel checksum")
	fmt.Println("  raw         Show the leading pixel bytes")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

// findContainers returns every container under root in lexical order.
func findContainers(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), decoder.ContainerExt) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no %s files under %s", decoder.ContainerExt, root)
	}
	return paths, nil
}

func cmdProperties(w io.Writer, path string) error {
	fs := vfs.Default()
	st, err := fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	info, err := decoder.NewContainerDecoder(fs, nil).Probe(context.Background(), path)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "File: %s\n", path)
	fmt.Fprintf(w, "  Size:         %d bytes\n", st.Size())
	fmt.Fprintf(w, "  Dimensions:   %dx%d\n", info.Width, info.Height)
	fmt.Fprintf(w, "  Format:       %s\n", info.Format)
	fmt.Fprintf(w, "  Frame:        %d bytes\n", info.Format.FrameSize(info.Width, info.Height))
	fmt.Fprintf(w, "  Orientation:  %d\n", info.Orientation)
	fmt.Fprintf(w, "  Loader:       %s\n", info.Loader)
	if !info.ModTime.IsZero() {
		fmt.Fprintf(w, "  Source mtime: %s\n", info.ModTime.UTC().Format("2006-01-02T15:04:05.000000000Z"))
	}
	if e := info.Exif; e.Maker != "" || e.Model != "" {
		fmt.Fprintf(w, "  Camera:       %s %s\n", e.Maker, e.Model)
		if e.Lens != "" {
			fmt.Fprintf(w, "  Lens:         %s\n", e.Lens)
		}
		fmt.Fprintf(w, "  Exposure:     %gs f/%g ISO %d %gmm\n", e.ExposureTime, e.Aperture, e.ISO, e.FocalLength)
	}
	m := info.ColorMatrix
	fmt.Fprintf(w, "  Color matrix: [%g %g %g; %g %g %g; %g %g %g]\n",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
	return nil
}

func cmdCheck(w io.Writer, path string) error {
	img, err := readContainer(path)
	if err != nil {
		return err
	}
	if *verbose {
		fmt.Fprintf(w, "%s: OK %dx%d %s, %d pixel bytes\n", path, img.Width, img.Height, img.Format, len(img.Pixels))
	} else {
		fmt.Fprintf(w, "%s: OK\n", path)
	}
	return nil
}

func cmdRaw(w io.Writer, path string, n int) error {
	img, err := readContainer(path)
	if err != nil {
		return err
	}
	px := img.Pixels
	if n > 0 && n < len(px) {
		px = px[:n]
	}
	fmt.Fprintf(w, "%s: %d of %d bytes\n", path, len(px), len(img.Pixels))
	fmt.Fprint(w, hex.Dump(px))
	return nil
}

func readContainer(path string) (*decoder.Image, error) {
	data, err := vfs.ReadFile(vfs.Default(), path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	img, err := decoder.DecodeContainer(data)
	if err != nil {
		var de *decoder.DecodeError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%s: %v", de.Reason, de.Err)
		}
		return nil, err
	}
	return img, nil
}
