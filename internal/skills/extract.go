// Package skills handles installable skill bundles. Extraction enforces
// the archive guard: no entry may escape the target root, and links are
// never materialized.
package skills

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

// ErrUnsafeEntry rejects archive entries that would escape the target.
var ErrUnsafeEntry = errors.New("archive entry escapes the extraction root")

// ErrLinkEntry rejects tar symlink/hardlink entries outright.
var ErrLinkEntry = errors.New("archive contains link entries")

// maxEntrySize bounds a single decompressed entry.
const maxEntrySize = 64 << 20

// sanitizeEntryPath normalizes an archive entry name, strips the leading
// path components, and rejects anything that would land outside root:
// absolute paths, drive/UNC prefixes, and leading "..".
func sanitizeEntryPath(name string, stripComponents int) (string, error) {
	name = strings.ReplaceAll(name, `\`, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrUnsafeEntry)
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "//") {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafeEntry, name)
	}
	if len(name) >= 2 && name[1] == ':' {
		return "", fmt.Errorf("%w: drive path %q", ErrUnsafeEntry, name)
	}

	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}

	parts := strings.Split(clean, "/")
	if stripComponents > 0 {
		if len(parts) <= stripComponents {
			return "", nil // entry fully consumed by stripping; skip
		}
		parts = parts[stripComponents:]
	}
	out := path.Join(parts...)
	if out == "" || out == "." {
		return "", nil
	}
	if out == ".." || strings.HasPrefix(out, "../") {
		return "", fmt.Errorf("%w: %q", ErrUnsafeEntry, name)
	}
	return filepath.FromSlash(out), nil
}

// ExtractZip extracts a zip archive under dst with the guard applied
// before any bytes are written.
func ExtractZip(src, dst string, stripComponents int) error {
	zr, err := zip.OpenReader(src)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		// ErrInsecurePath still yields a usable reader; our own validation
		// below decides, so the guard's error shape stays consistent.
		return fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	// Validate every entry before writing anything.
	type entry struct {
		f    *zip.File
		rel  string
	}
	var entries []entry
	for _, f := range zr.File {
		rel, err := sanitizeEntryPath(f.Name, stripComponents)
		if err != nil {
			return err
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q", ErrLinkEntry, f.Name)
		}
		if rel == "" {
			continue
		}
		entries = append(entries, entry{f: f, rel: rel})
	}

	for _, e := range entries {
		target := filepath.Join(dst, e.rel)
		if e.f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := e.f.Open()
		if err != nil {
			return err
		}
		if err := writeEntry(target, rc, e.f.Mode()); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

// ExtractTar extracts a tar stream under dst. Symlink and hardlink entries
// abort the extraction.
func ExtractTar(r io.Reader, dst string, stripComponents int) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}

		switch hdr.Typeflag {
		case tar.TypeSymlink, tar.TypeLink:
			return fmt.Errorf("%w: %q", ErrLinkEntry, hdr.Name)
		case tar.TypeDir, tar.TypeReg:
		default:
			continue // char/block/fifo entries are skipped
		}

		rel, err := sanitizeEntryPath(hdr.Name, stripComponents)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dst, rel)

		if hdr.Typeflag == tar.TypeDir {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeEntry(target, tr, os.FileMode(hdr.Mode)&0o777); err != nil {
			return err
		}
	}
}

func writeEntry(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	n, err := io.Copy(f, io.LimitReader(r, maxEntrySize+1))
	if err != nil {
		return err
	}
	if n > maxEntrySize {
		return fmt.Errorf("entry exceeds %d bytes", maxEntrySize)
	}
	return nil
}

// ExtractArchive dispatches on the archive's extension. Bzip2 tars get a
// preflight listing (streaming metadata is not available at parse time for
// preflight purposes); any bad entry aborts before extraction starts.
func ExtractArchive(src, dst string, stripComponents int) error {
	lower := strings.ToLower(src)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ExtractZip(src, dst, stripComponents)

	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		gz, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		return ExtractTar(gz, dst, stripComponents)

	case strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tbz2"):
		if err := preflightTarListing(src, stripComponents); err != nil {
			return err
		}
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return ExtractTar(bzip2.NewReader(f), dst, stripComponents)

	case strings.HasSuffix(lower, ".tar"):
		f, err := os.Open(src)
		if err != nil {
			return err
		}
		defer f.Close()
		return ExtractTar(f, dst, stripComponents)
	}
	return fmt.Errorf("unsupported archive type: %s", filepath.Base(src))
}

// preflightTarListing runs `tar tf` on the archive and validates every
// listed path before extraction begins.
func preflightTarListing(src string, stripComponents int) error {
	res, err := tools.Exec(context.Background(), tools.ExecRequest{
		Command: []string{"tar", "tf", src},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("preflight listing: %w", err)
	}
	if res.TimedOut || res.ExitCode != 0 {
		return fmt.Errorf("preflight listing failed: exit %d", res.ExitCode)
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, err := sanitizeEntryPath(line, stripComponents); err != nil {
			return err
		}
	}
	return nil
}
