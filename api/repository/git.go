package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"kiln/api/model"
)

// Git is a repository backed by a non-bare git working tree.
type Git struct {
	path string
	repo *git.Repository
}

// Open opens the git repository at path, initialising one when none exists.
func Open(path string) (*Git, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Init(path)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Git{path: path, repo: repo}, nil
}

func Init(path string) (*Git, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", path, err)
	}
	return &Git{path: path, repo: repo}, nil
}

func (g *Git) Path() string { return g.path }

func (g *Git) ChangeSet(_ context.Context, branch string) (*model.ChangeSet, error) {
	hash, err := g.resolve(branch)
	if err != nil {
		return nil, err
	}
	return g.changeSet(hash)
}

// Fetch pulls branch from url into refs/remotes/origin/<branch> and moves
// the local branch to the fetched commit.
func (g *Git) Fetch(ctx context.Context, url, branch string) error {
	remote, err := g.repo.CreateRemoteAnonymous(&gitconfig.RemoteConfig{
		Name: "anonymous",
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("remote %s: %w", url, err)
	}
	tracking := plumbing.NewRemoteReferenceName("origin", branch)
	spec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", plumbing.NewBranchReferenceName(branch), tracking))
	err = remote.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{spec},
		Force:    true,
		Tags:     git.NoTags,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch %s %s: %w", url, branch, err)
	}
	ref, err := g.repo.Reference(tracking, true)
	if err != nil {
		return fmt.Errorf("fetched branch %s: %w", branch, err)
	}
	local := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), ref.Hash())
	if err := g.repo.Storer.SetReference(local); err != nil {
		return fmt.Errorf("update branch %s: %w", branch, err)
	}
	return nil
}

// Update force-checks out id, which may be a commit hash or a branch name.
// Local modifications in the working tree are discarded.
func (g *Git) Update(_ context.Context, id string) error {
	hash, err := g.resolve(id)
	if err != nil {
		return err
	}
	wt, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	opts := &git.CheckoutOptions{Hash: hash, Force: true}
	if _, err := g.repo.Reference(plumbing.NewBranchReferenceName(id), true); err == nil {
		opts = &git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(id), Force: true}
	}
	if err := wt.Checkout(opts); err != nil {
		return fmt.Errorf("checkout %s: %w", id, err)
	}
	return nil
}

func (g *Git) Commit(_ context.Context, message, author, email string) (*model.ChangeSet, bool, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, false, err
	}
	if err := wt.AddGlob("."); err != nil && !errors.Is(err, git.ErrGlobNoMatches) {
		return nil, false, fmt.Errorf("stage changes: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, false, err
	}
	if status.IsClean() {
		head, err := g.repo.Head()
		if err != nil {
			return nil, false, ErrNoChanges
		}
		cs, err := g.changeSet(head.Hash())
		return cs, false, err
	}
	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: author, Email: email, When: time.Now()},
	})
	if err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	cs, err := g.changeSet(hash)
	return cs, true, err
}

func (g *Git) resolve(rev string) (plumbing.Hash, error) {
	if rev == "" || strings.EqualFold(rev, "HEAD") {
		head, err := g.repo.Head()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("resolve HEAD: %w", err)
		}
		return head.Hash(), nil
	}
	for _, name := range []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(rev),
		plumbing.NewRemoteReferenceName("origin", rev),
	} {
		if ref, err := g.repo.Reference(name, true); err == nil {
			return ref.Hash(), nil
		}
	}
	hash, err := g.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve %s: %w", rev, err)
	}
	return *hash, nil
}

func (g *Git) changeSet(hash plumbing.Hash) (*model.ChangeSet, error) {
	c, err := g.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return &model.ChangeSet{
		ID:          c.Hash.String(),
		AuthorName:  c.Author.Name,
		AuthorEmail: c.Author.Email,
		Message:     strings.TrimSpace(c.Message),
		Timestamp:   c.Author.When,
	}, nil
}
