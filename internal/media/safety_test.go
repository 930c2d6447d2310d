package media

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeLocalPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	tests := []struct {
		name  string
		in    string
		want  string
		local bool
	}{
		{"absolute", "/tmp/x.png", "/tmp/x.png", true},
		{"file url", "file:///tmp/x.png", "/tmp/x.png", true},
		{"tilde", "~/pics/x.png", filepath.Join(home, "pics/x.png"), true},
		{"http url", "https://example.com/x.png", "", false},
		{"empty", "", "", false},
		{"dot segments", "/tmp/a/../x.png", "/tmp/x.png", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeLocalPath(tt.in)
			if ok != tt.local {
				t.Fatalf("ok = %v, want %v", ok, tt.local)
			}
			if ok && got != tt.want {
				t.Errorf("path = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenUnderAllowRoot(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "pic.png")
	os.WriteFile(inside, []byte("data"), 0o644)

	f, err := Open(inside, []string{root}, 0)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	// Outside any root.
	other := t.TempDir()
	outside := filepath.Join(other, "pic.png")
	os.WriteFile(outside, []byte("data"), 0o644)
	if _, err := Open(outside, []string{root}, 0); !errors.Is(err, ErrOutsideAllowedRoots) {
		t.Errorf("outside err = %v", err)
	}

	// Traversal out of the root.
	if _, err := Open(filepath.Join(root, "..", filepath.Base(other), "pic.png"), []string{root}, 0); !errors.Is(err, ErrOutsideAllowedRoots) {
		t.Errorf("traversal err = %v", err)
	}

	// Empty allow-root entries are rejected, not match-all.
	if _, err := Open(outside, []string{""}, 0); !errors.Is(err, ErrOutsideAllowedRoots) {
		t.Errorf("empty-root err = %v", err)
	}
}

func TestOpenRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	secretDir := t.TempDir()
	secret := filepath.Join(secretDir, "secret.txt")
	os.WriteFile(secret, []byte("s3cret"), 0o644)

	link := filepath.Join(root, "innocent.png")
	if err := os.Symlink(secret, link); err != nil {
		t.Skip("symlinks unavailable:", err)
	}

	if _, err := Open(link, []string{root}, 0); err == nil {
		t.Fatal("symlink pointing outside the root was opened")
	}
}

func TestOpenSizeCap(t *testing.T) {
	root := t.TempDir()
	big := filepath.Join(root, "big.bin")
	os.WriteFile(big, make([]byte, 2048), 0o644)

	if _, err := Open(big, []string{root}, 1024); !errors.Is(err, ErrTooLarge) {
		t.Errorf("cap err = %v", err)
	}
	f, err := Open(big, []string{root}, 4096)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
}

func TestFitImageToCapPassthrough(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "small.jpg")
	os.WriteFile(small, []byte("tiny"), 0o644)

	got, err := FitImageToCap(small, 1024, dir)
	if err != nil || got != small {
		t.Errorf("got=%q err=%v", got, err)
	}

	// Oversized non-image fails with ErrTooLarge.
	blob := filepath.Join(dir, "blob.bin")
	os.WriteFile(blob, make([]byte, 4096), 0o644)
	if _, err := FitImageToCap(blob, 1024, dir); !errors.Is(err, ErrTooLarge) {
		t.Errorf("non-image err = %v", err)
	}
}
