package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPull wraps every failure to update the working directory. When it is
// returned the directory is at the commit it had before the pull.
var ErrPull = errors.New("pull failed")

// Result describes a successful pull.
type Result struct {
	Before  string `json:"before"`
	After   string `json:"after"`
	Changed bool   `json:"changed"`
}

// Pull fast-forwards the branch checked out in workdir to remote/branch.
// It refuses to run over uncommitted changes to tracked files and never
// creates merge commits.
func Pull(ctx context.Context, workdir, remote, branch string) (Result, error) {
	if branch == "" {
		return Result{}, fmt.Errorf("%w: no branch configured", ErrPull)
	}
	if remote == "" {
		remote = "origin"
	}
	repo := NewRepository(workdir)

	dirty, err := repo.Run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPull, err)
	}
	if dirty != "" {
		return Result{}, fmt.Errorf("%w: local changes in %s: %s", ErrPull, workdir, firstLines(dirty, 5))
	}
	current, err := repo.Branch(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPull, err)
	}
	if current != branch {
		return Result{}, fmt.Errorf("%w: %s has %q checked out, tracking %q", ErrPull, workdir, current, branch)
	}
	before, err := repo.Head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrPull, err)
	}

	if _, err := repo.Run(ctx, "fetch", "--no-tags", remote, branch); err != nil {
		return Result{Before: before, After: before}, fmt.Errorf("%w: %v", ErrPull, err)
	}
	if _, err := repo.Run(ctx, "merge", "--ff-only", "FETCH_HEAD"); err != nil {
		return Result{Before: before, After: before}, fmt.Errorf("%w: %v", ErrPull, restore(repo, before, err))
	}
	after, err := repo.Head(ctx)
	if err != nil {
		return Result{Before: before, After: before}, fmt.Errorf("%w: %v", ErrPull, restore(repo, before, err))
	}
	return Result{Before: before, After: after, Changed: before != after}, nil
}

// restore puts HEAD back to before if a failed step moved it. It uses a
// fresh context so an expired pull deadline does not prevent the rollback.
func restore(repo *Repository, before string, cause error) error {
	ctx := context.Background()
	head, err := repo.Head(ctx)
	if err == nil && head == before {
		return cause
	}
	if _, err := repo.Run(ctx, "reset", "--hard", before); err != nil {
		return errors.Join(cause, fmt.Errorf("rollback to %s: %w", before, err))
	}
	return cause
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "; ")
}

// Updater pulls one configured checkout.
type Updater struct {
	Dir    string
	Remote string
	Branch string
}

func (u Updater) Pull(ctx context.Context) (Result, error) {
	return Pull(ctx, u.Dir, u.Remote, u.Branch)
}
