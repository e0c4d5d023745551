// Package repository gives the deployment pipeline a source tree and an
// identity for what is in it.
package repository

import (
	"context"
	"errors"

	"kiln/api/model"
)

var ErrNoChanges = errors.New("repository has no changes")

type Repository interface {
	Path() string
	// ChangeSet describes the tip of branch. Folder repositories ignore
	// the branch.
	ChangeSet(ctx context.Context, branch string) (*model.ChangeSet, error)
	Fetch(ctx context.Context, url, branch string) error
	// Update puts the working tree at the changeset id.
	Update(ctx context.Context, id string) error
	// Commit records every pending change. The bool reports whether a new
	// changeset was created.
	Commit(ctx context.Context, message, author, email string) (*model.ChangeSet, bool, error)
}
