// Package media guards outbound media: local paths must resolve under a
// configured allow-root, opens are symlink-safe, and oversized images are
// downscaled to the channel cap instead of rejected outright.
package media

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// ErrOutsideAllowedRoots rejects candidates no allow-root contains.
var ErrOutsideAllowedRoots = errors.New("path is outside the allowed media roots")

// ErrTooLarge rejects media above the per-channel cap.
var ErrTooLarge = errors.New("media exceeds the channel size cap")

// NormalizeLocalPath turns file:// URLs, ~ prefixes, and relative inputs
// into a cleaned absolute path. Returns ok=false for remote URLs.
func NormalizeLocalPath(input string) (string, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", false
	}
	if strings.HasPrefix(input, "file://") {
		u, err := url.Parse(input)
		if err != nil {
			return "", false
		}
		input = u.Path
	} else if strings.Contains(input, "://") {
		return "", false // http(s) and friends are fetched, not opened
	}
	if strings.HasPrefix(input, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", false
		}
		if input == "~" {
			input = home
		} else if strings.HasPrefix(input, "~/") {
			input = filepath.Join(home, input[2:])
		}
	}
	abs, err := filepath.Abs(input)
	if err != nil {
		return "", false
	}
	return filepath.Clean(abs), true
}

// Open opens a local media file iff it resolves under one of allowRoots.
//
// The check is symlink-safe: the file is opened with O_NOFOLLOW, the
// opened path's resolved form must still live under the root's resolved
// form, and the open file descriptor must be the same (dev, ino) as the
// resolved path — a swap between check and use fails the identity test.
func Open(candidate string, allowRoots []string, maxBytes int64) (*os.File, error) {
	path, ok := NormalizeLocalPath(candidate)
	if !ok {
		return nil, fmt.Errorf("not a local path: %q", candidate)
	}

	for _, root := range allowRoots {
		if strings.TrimSpace(root) == "" {
			continue // empty allow-root entries are rejected, never match-all
		}
		rootPath, ok := NormalizeLocalPath(root)
		if !ok {
			continue
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
			continue
		}

		f, err := openNoFollow(path)
		if err != nil {
			return nil, err
		}

		if err := verifyUnderRoot(f, path, rootPath); err != nil {
			f.Close()
			return nil, err
		}

		if maxBytes > 0 {
			info, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, err
			}
			if info.Size() > maxBytes {
				f.Close()
				return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, info.Size(), maxBytes)
			}
		}
		return f, nil
	}
	return nil, ErrOutsideAllowedRoots
}

func openNoFollow(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return nil, fmt.Errorf("open media: %w", err)
	}
	return f, nil
}

// verifyUnderRoot resolves both sides and compares the open fd against the
// resolved path by (dev, ino).
func verifyUnderRoot(f *os.File, path, root string) error {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve root: %w", err)
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return ErrOutsideAllowedRoots
	}

	fdInfo, err := f.Stat()
	if err != nil {
		return err
	}
	pathInfo, err := os.Stat(realPath)
	if err != nil {
		return err
	}
	if !sameFile(fdInfo, pathInfo) {
		return errors.New("media file changed between check and open")
	}
	return nil
}

func sameFile(a, b os.FileInfo) bool {
	sa, ok1 := a.Sys().(*syscall.Stat_t)
	sb, ok2 := b.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return os.SameFile(a, b)
	}
	return sa.Dev == sb.Dev && sa.Ino == sb.Ino
}
