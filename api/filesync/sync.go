// Package filesync copies a build output into the live site. Changed files
// are first staged next to their destination and only renamed into place
// once every file has been staged, so a failed copy leaves the site as it
// was. A manifest of synced paths lets the next sync delete files that
// disappeared from the source.
package filesync

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar"

	"kiln/api/fsutil"
)

const stagePrefix = ".kiln-sync-"

// DefaultIgnore is always applied on top of Options.Ignore.
var DefaultIgnore = []string{".git/**", ".deployment"}

type Options struct {
	From             string
	To               string
	PreviousManifest string
	NextManifest     string
	Ignore           []string // doublestar patterns over slash-separated relative paths
	Clean            bool     // also delete target files the previous manifest does not list
}

type Report struct {
	Copied  int `json:"copied"`
	Deleted int `json:"deleted"`
	Skipped int `json:"skipped"`
}

type staged struct {
	tmp, dst string
}

type syncer struct {
	opts    Options
	ignore  []string
	staged  []staged
	created []string // directories created while staging
	report  Report
}

func Sync(ctx context.Context, opts Options) (*Report, error) {
	if opts.From == "" || opts.To == "" {
		return nil, errors.New("filesync: source and target are required")
	}
	from, err := filepath.Abs(opts.From)
	if err != nil {
		return nil, err
	}
	to, err := filepath.Abs(opts.To)
	if err != nil {
		return nil, err
	}
	opts.From, opts.To = from, to

	s := &syncer{opts: opts, ignore: append(append([]string{}, DefaultIgnore...), opts.Ignore...)}

	files, err := s.scan(ctx, from)
	if err != nil {
		return nil, err
	}

	if from != to {
		if err := os.MkdirAll(to, 0o755); err != nil {
			return nil, err
		}
		for _, rel := range files {
			if err := s.stage(ctx, rel); err != nil {
				s.abort()
				return nil, fmt.Errorf("stage %s: %w", rel, err)
			}
		}
		if err := s.commit(); err != nil {
			return nil, err
		}
		if err := s.deleteRemoved(ctx, files); err != nil {
			return &s.report, err
		}
	} else {
		s.report.Skipped = len(files)
	}

	if opts.NextManifest != "" {
		if err := writeManifest(opts.NextManifest, files); err != nil {
			return &s.report, fmt.Errorf("write manifest: %w", err)
		}
	}
	return &s.report, nil
}

func (s *syncer) ignored(rel string, dir bool) bool {
	for _, p := range s.ignore {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		if dir && strings.TrimSuffix(p, "/**") == rel {
			return true
		}
	}
	return false
}

// scan lists every file and symlink under root as sorted relative paths.
func (s *syncer) scan(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if s.ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), stagePrefix) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func (s *syncer) stage(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src := filepath.Join(s.opts.From, filepath.FromSlash(rel))
	dst := filepath.Join(s.opts.To, filepath.FromSlash(rel))

	srcInfo, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if dstInfo, err := os.Lstat(dst); err == nil && unchanged(srcInfo, dstInfo) {
		s.report.Skipped++
		return nil
	}
	if err := s.mkdirs(filepath.Dir(dst)); err != nil {
		return err
	}

	var tmp string
	if srcInfo.Mode()&fs.ModeSymlink != 0 {
		tmp, err = stageSymlink(src, filepath.Dir(dst))
	} else {
		tmp, err = stageFile(src, filepath.Dir(dst), srcInfo)
	}
	if err != nil {
		return err
	}
	s.staged = append(s.staged, staged{tmp: tmp, dst: dst})
	return nil
}

// unchanged reports whether dst already holds src: same kind, same size,
// and not older.
func unchanged(src, dst fs.FileInfo) bool {
	if src.Mode().Type() != dst.Mode().Type() || !dst.Mode().IsRegular() {
		return false
	}
	return src.Size() == dst.Size() && !src.ModTime().After(dst.ModTime())
}

func (s *syncer) mkdirs(dir string) error {
	var missing []string
	for d := dir; d != s.opts.To && len(d) > len(s.opts.To); d = filepath.Dir(d) {
		if _, err := os.Lstat(d); err == nil {
			break
		}
		missing = append(missing, d)
	}
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		s.created = append(s.created, missing[i])
	}
	return nil
}

func stageFile(src, dir string, info fs.FileInfo) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return "", err
	}
	name := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(name)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chmod(name, info.Mode().Perm()); err != nil {
		os.Remove(name)
		return "", err
	}
	if err := os.Chtimes(name, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func stageSymlink(src, dir string) (string, error) {
	target, err := os.Readlink(src)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	if err := os.Symlink(target, name); err != nil {
		return "", err
	}
	return name, nil
}

// abort removes everything staged so far, leaving the target as it was.
func (s *syncer) abort() {
	for _, st := range s.staged {
		os.Remove(st.tmp)
	}
	for i := len(s.created) - 1; i >= 0; i-- {
		os.Remove(s.created[i])
	}
	s.staged = nil
	s.created = nil
}

func (s *syncer) commit() error {
	for i, st := range s.staged {
		if info, err := os.Lstat(st.dst); err == nil && info.IsDir() {
			if err := os.RemoveAll(st.dst); err != nil {
				s.dropStaged(i)
				return fmt.Errorf("replace directory %s: %w", st.dst, err)
			}
		}
		if err := os.Rename(st.tmp, st.dst); err != nil {
			s.dropStaged(i)
			return fmt.Errorf("commit %s: %w", st.dst, err)
		}
		s.report.Copied++
	}
	s.staged = nil
	return nil
}

func (s *syncer) dropStaged(from int) {
	for _, st := range s.staged[from:] {
		os.Remove(st.tmp)
	}
	s.staged = nil
}

func (s *syncer) deleteRemoved(ctx context.Context, files []string) error {
	keep := make(map[string]bool, len(files))
	for _, f := range files {
		keep[f] = true
	}

	var victims []string
	if s.opts.PreviousManifest != "" {
		prev, err := ReadManifest(s.opts.PreviousManifest)
		if err != nil {
			return fmt.Errorf("read previous manifest: %w", err)
		}
		for _, rel := range prev {
			if !keep[rel] && !s.ignored(rel, false) {
				victims = append(victims, rel)
			}
		}
	}
	if s.opts.Clean {
		extra, err := s.scan(ctx, s.opts.To)
		if err != nil {
			return err
		}
		for _, rel := range extra {
			if !keep[rel] {
				victims = append(victims, rel)
			}
		}
	}

	seen := make(map[string]bool, len(victims))
	for _, rel := range victims {
		if seen[rel] {
			continue
		}
		seen[rel] = true
		path := filepath.Join(s.opts.To, filepath.FromSlash(rel))
		if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := fsutil.Remove(ctx, path); err != nil {
			return err
		}
		s.report.Deleted++
		s.pruneEmptyDirs(filepath.Dir(path))
	}
	return nil
}

func (s *syncer) pruneEmptyDirs(dir string) {
	for d := dir; d != s.opts.To && len(d) > len(s.opts.To); d = filepath.Dir(d) {
		if err := os.Remove(d); err != nil {
			return // not empty
		}
	}
}

// ReadManifest returns the paths recorded by a previous sync. A missing
// manifest is empty.
func ReadManifest(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

func writeManifest(path string, files []string) error {
	var b strings.Builder
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	return fsutil.WriteFileAtomic(path, []byte(b.String()), 0o644)
}
