package repository

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"kiln/api/model"
)

// Folder is a plain directory, as produced by a zip deployment. Its
// identity is a hash of the file listing.
type Folder struct {
	path string
	temp bool
}

func NewFolder(path string) (*Folder, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	return &Folder{path: path}, nil
}

// NewTempFolder is a Folder that owns its directory: Close removes it.
func NewTempFolder(path string) (*Folder, error) {
	f, err := NewFolder(path)
	if err != nil {
		return nil, err
	}
	f.temp = true
	return f, nil
}

// Close removes the directory of a temporary folder. It is a no-op for a
// folder created with NewFolder.
func (f *Folder) Close() error {
	if !f.temp {
		return nil
	}
	return os.RemoveAll(f.path)
}

func (f *Folder) Path() string { return f.path }

func (f *Folder) ChangeSet(ctx context.Context, _ string) (*model.ChangeSet, error) {
	id, newest, err := f.digest(ctx)
	if err != nil {
		return nil, err
	}
	return &model.ChangeSet{ID: id, Timestamp: newest}, nil
}

func (f *Folder) Fetch(context.Context, string, string) error {
	return fmt.Errorf("folder repository %s cannot fetch", f.path)
}

func (f *Folder) Update(context.Context, string) error { return nil }

func (f *Folder) Commit(ctx context.Context, message, author, email string) (*model.ChangeSet, bool, error) {
	id, newest, err := f.digest(ctx)
	if err != nil {
		return nil, false, err
	}
	return &model.ChangeSet{
		ID:          id,
		AuthorName:  author,
		AuthorEmail: email,
		Message:     message,
		Timestamp:   newest,
	}, true, nil
}

// digest hashes relative path, size and mtime of every file, in path order.
func (f *Folder) digest(ctx context.Context) (string, time.Time, error) {
	type item struct {
		rel  string
		size int64
		mod  time.Time
	}
	var items []item
	err := filepath.WalkDir(f.path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(f.path, path)
		if err != nil {
			return err
		}
		items = append(items, item{rel: filepath.ToSlash(rel), size: info.Size(), mod: info.ModTime()})
		return nil
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("scan %s: %w", f.path, err)
	}
	if len(items) == 0 {
		return "", time.Time{}, ErrNoChanges
	}
	sort.Slice(items, func(i, j int) bool { return items[i].rel < items[j].rel })

	h := sha1.New()
	var newest time.Time
	for _, it := range items {
		fmt.Fprintf(h, "%s\x00%d\x00%d\n", it.rel, it.size, it.mod.UnixNano())
		if it.mod.After(newest) {
			newest = it.mod
		}
	}
	return hex.EncodeToString(h.Sum(nil)), newest.UTC(), nil
}
