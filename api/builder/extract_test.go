package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
)

func TestExtractZipRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"index.html":       "hi",
		"lib/deep/app.js":  "js",
		"static/style.css": "css",
	})
	archive := filepath.Join(t.TempDir(), "site.zip")
	if _, err := PackageZip(context.Background(), src, archive, nil); err != nil {
		t.Fatal(err)
	}

	dest := t.TempDir()
	n, err := ExtractZip(context.Background(), archive, dest)
	if err != nil {
		t.Fatalf("ExtractZip: %v", err)
	}
	if n != 3 {
		t.Errorf("extracted %d files, want 3", n)
	}
	got, err := os.ReadFile(filepath.Join(dest, "lib", "deep", "app.js"))
	if err != nil || string(got) != "js" {
		t.Errorf("lib/deep/app.js = %q, %v", got, err)
	}
}

func writeArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(content))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestExtractZipRejectsTraversal(t *testing.T) {
	for _, name := range []string{"../evil.txt", "a/../../evil.txt", "/abs/evil.txt"} {
		t.Run(name, func(t *testing.T) {
			archive := writeArchive(t, map[string]string{name: "x"})
			parent := t.TempDir()
			dest := filepath.Join(parent, "out")
			if err := os.MkdirAll(dest, 0o755); err != nil {
				t.Fatal(err)
			}
			_, err := ExtractZip(context.Background(), archive, dest)
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("err = %v, want ErrUnsafePath", err)
			}
			if _, err := os.Stat(filepath.Join(parent, "evil.txt")); !os.IsNotExist(err) {
				t.Error("entry written outside the destination")
			}
		})
	}
}

func TestExtractZipNotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.zip")
	os.WriteFile(path, []byte("not a zip"), 0o644)
	if _, err := ExtractZip(context.Background(), path, t.TempDir()); err == nil {
		t.Fatal("expected error")
	}
}
