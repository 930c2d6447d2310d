package skills

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeEntryPath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		strip   int
		want    string
		wantErr bool
	}{
		{"plain", "dir/file.txt", 0, filepath.FromSlash("dir/file.txt"), false},
		{"dot segments collapse", "dir/./file.txt", 0, filepath.FromSlash("dir/file.txt"), false},
		{"leading dotdot", "../evil.txt", 0, "", true},
		{"nested dotdot escape", "a/../../evil.txt", 0, "", true},
		{"absolute", "/etc/passwd", 0, "", true},
		{"backslashes", `a\..\..\evil.txt`, 0, "", true},
		{"drive", `C:/evil.txt`, 0, "", true},
		{"strip one", "pkg-1.0/src/main.go", 1, filepath.FromSlash("src/main.go"), false},
		{"strip consumes all", "pkg-1.0", 1, "", false},
		{"strip then escape", "pkg/../..", 1, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sanitizeEntryPath(tt.in, tt.strip)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("sanitizeEntryPath(%q) = %q, want error", tt.in, got)
				}
				if !errors.Is(err, ErrUnsafeEntry) {
					t.Errorf("err = %v, want ErrUnsafeEntry", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("sanitizeEntryPath(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	zw.Close()
	p := filepath.Join(t.TempDir(), "bundle.zip")
	os.WriteFile(p, buf.Bytes(), 0o644)
	return p
}

func TestExtractZip(t *testing.T) {
	src := buildZip(t, map[string]string{
		"skill/SKILL.md":   "# hi",
		"skill/bin/run.sh": "echo hi",
	})
	dst := t.TempDir()
	if err := ExtractZip(src, dst, 1); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "SKILL.md"))
	if err != nil || string(data) != "# hi" {
		t.Errorf("SKILL.md = %q err=%v", data, err)
	}
}

func TestExtractZipRejectsSlip(t *testing.T) {
	src := buildZip(t, map[string]string{
		"ok.txt":          "fine",
		"../../evil.txt":  "bad",
	})
	dst := t.TempDir()
	err := ExtractZip(src, dst, 0)
	if !errors.Is(err, ErrUnsafeEntry) {
		t.Fatalf("err = %v, want ErrUnsafeEntry", err)
	}
	// Nothing was written — validation happens before extraction.
	entries, _ := os.ReadDir(dst)
	if len(entries) != 0 {
		t.Errorf("partial extraction happened: %v", entries)
	}
	if _, err := os.Stat(filepath.Join(dst, "..", "..", "evil.txt")); err == nil {
		t.Error("slip file materialized")
	}
}

func buildTar(t *testing.T, add func(tw *tar.Writer)) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	add(tw)
	tw.Close()
	return bytes.NewReader(buf.Bytes())
}

func TestExtractTar(t *testing.T) {
	r := buildTar(t, func(tw *tar.Writer) {
		tw.WriteHeader(&tar.Header{Name: "dir/", Typeflag: tar.TypeDir, Mode: 0o755})
		body := []byte("content")
		tw.WriteHeader(&tar.Header{Name: "dir/a.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))})
		tw.Write(body)
	})
	dst := t.TempDir()
	if err := ExtractTar(r, dst, 0); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "dir", "a.txt"))
	if err != nil || string(data) != "content" {
		t.Errorf("a.txt = %q err=%v", data, err)
	}
}

func TestExtractTarRejectsLinks(t *testing.T) {
	for _, flag := range []byte{tar.TypeSymlink, tar.TypeLink} {
		r := buildTar(t, func(tw *tar.Writer) {
			tw.WriteHeader(&tar.Header{
				Name: "link", Typeflag: flag, Linkname: "/etc/passwd", Mode: 0o777,
			})
		})
		if err := ExtractTar(r, t.TempDir(), 0); !errors.Is(err, ErrLinkEntry) {
			t.Errorf("typeflag %c: err = %v, want ErrLinkEntry", flag, err)
		}
	}
}

func TestExtractTarRejectsEscape(t *testing.T) {
	r := buildTar(t, func(tw *tar.Writer) {
		body := []byte("x")
		tw.WriteHeader(&tar.Header{Name: "../evil", Typeflag: tar.TypeReg, Mode: 0o644, Size: 1})
		tw.Write(body)
	})
	if err := ExtractTar(r, t.TempDir(), 0); !errors.Is(err, ErrUnsafeEntry) {
		t.Errorf("err = %v, want ErrUnsafeEntry", err)
	}
}

func TestExtractArchiveUnsupported(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.rar")
	os.WriteFile(p, []byte("x"), 0o644)
	if err := ExtractArchive(p, t.TempDir(), 0); err == nil {
		t.Error("unsupported type accepted")
	}
}
