package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/klauspost/compress/zip"

	"kiln/api/fsutil"
	"kiln/api/model"
	"kiln/api/runtime"
)

const (
	PackageNameFile = "packagename.txt"
	PackagePathFile = "packagepath.txt"

	DefaultRetention = 5
)

var packageExcludes = []string{".git/**", ".deployment"}

// ArtifactName returns a sortable UTC timestamp file name.
func ArtifactName(now time.Time, ext string) string {
	return now.UTC().Format("20060102150405.000000000") + "." + ext
}

// PackageZip writes the contents of src to dest as a zip archive. Paths
// matching excludes (doublestar, slash-separated) are left out.
func PackageZip(ctx context.Context, src, dest string, excludes []string) (*Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	tmp := dest + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(f)
	excludes = append(append([]string{}, packageExcludes...), excludes...)

	walkErr := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, d.IsDir(), excludes) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
			_, err := zw.CreateHeader(hdr)
			return err
		}
		hdr.Method = zip.Deflate
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_, err = io.WriteString(w, target)
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	closeErr := zw.Close()
	fileErr := f.Close()
	if err := errors.Join(walkErr, closeErr, fileErr); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("zip %s: %w", src, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return statArtifact(dest, model.ArtifactZip)
}

// ErrUnsafePath is returned when an archive entry would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive entry escapes the destination")

// ExtractZip unpacks the archive at src into dest. Symlinks must point
// inside the archive.
func ExtractZip(ctx context.Context, src, dest string) (int, error) {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return 0, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	n := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
		if name == "" || name == "." {
			continue
		}
		if !filepath.IsLocal(name) {
			return n, fmt.Errorf("%w: %s", ErrUnsafePath, f.Name)
		}
		path := filepath.Join(dest, name)
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(path, 0o755); err != nil {
				return n, err
			}
			continue
		case mode&fs.ModeSymlink != 0:
			err = extractSymlink(f, dest, path)
		default:
			err = extractFile(f, path, mode.Perm()|0o600)
		}
		if err != nil {
			return n, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		n++
	}
	return n, nil
}

func extractFile(f *zip.File, path string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	in, err := f.Open()
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func extractSymlink(f *zip.File, dest, path string) error {
	in, err := f.Open()
	if err != nil {
		return err
	}
	target, err := io.ReadAll(io.LimitReader(in, 4096))
	in.Close()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(dest, filepath.Join(filepath.Dir(path), string(target)))
	if err != nil || !filepath.IsLocal(rel) || filepath.IsAbs(string(target)) {
		return fmt.Errorf("%w: link to %s", ErrUnsafePath, target)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.Symlink(string(target), path)
}

func excluded(rel string, dir bool, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if dir && strings.TrimSuffix(p, "/**") == rel {
			return true
		}
	}
	return false
}

// PackageSquashfs builds a squashfs image of src with mksquashfs.
func PackageSquashfs(ctx context.Context, runner runtime.Runner, src, dest string, logger Logger) (*Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	tmp := dest + ".tmp"
	res, err := runner.Run(ctx, runtime.RunOpts{
		Command: []string{"mksquashfs", src, tmp, "-noappend", "-no-progress", "-e", ".git"},
		Stderr: func(line string) {
			if logger != nil {
				logger.Log(model.LogWarning, "%s", line)
			}
		},
	})
	if err != nil {
		os.Remove(tmp)
		return nil, &BuildError{Builder: "squashfs", ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		os.Remove(tmp)
		return nil, &BuildError{Builder: "squashfs", ExitCode: res.ExitCode, Err: fmt.Errorf("mksquashfs: %s", strings.TrimSpace(res.Output))}
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	return statArtifact(dest, model.ArtifactSquashfs)
}

func statArtifact(path string, format model.ArtifactType) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Path:      path,
		Dir:       filepath.Dir(path),
		Format:    format,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
	}, nil
}

// WritePackagePointers records the latest package for the runtime host.
func WritePackagePointers(dir, artifactPath string) error {
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, PackageNameFile), []byte(filepath.Base(artifactPath)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", PackageNameFile, err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, PackagePathFile), []byte(dir), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", PackagePathFile, err)
	}
	return nil
}

type entry struct {
	name string
	mod  time.Time
}

// newestFirst orders by modification time, then by name, both descending.
func newestFirst(entries []entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].mod.Equal(entries[j].mod) {
			return entries[i].mod.After(entries[j].mod)
		}
		return entries[i].name > entries[j].name
	})
}

// RotateArtifacts keeps the keep newest files in dir ending in "."+ext
// and deletes the rest. keep <= 0 disables rotation.
func RotateArtifacts(dir, ext string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []entry
	for _, it := range items {
		if it.IsDir() || !strings.HasSuffix(it.Name(), "."+ext) {
			continue
		}
		info, err := it.Info()
		if err != nil {
			continue
		}
		files = append(files, entry{name: it.Name(), mod: info.ModTime()})
	}
	return removeBeyond(dir, files, keep, false)
}

// PruneDirs keeps the keep newest subdirectories of dir.
func PruneDirs(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var dirs []entry
	for _, it := range items {
		if !it.IsDir() {
			continue
		}
		info, err := it.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, entry{name: it.Name(), mod: info.ModTime()})
	}
	return removeBeyond(dir, dirs, keep, true)
}

func removeBeyond(dir string, entries []entry, keep int, recursive bool) ([]string, error) {
	if len(entries) <= keep {
		return nil, nil
	}
	newestFirst(entries)
	var removed []string
	for _, e := range entries[keep:] {
		path := filepath.Join(dir, e.name)
		var err error
		if recursive {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		if err != nil {
			return removed, fmt.Errorf("remove old artifact %s: %w", e.name, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
