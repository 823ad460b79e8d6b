package worktree

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Head describes what HEAD points at.
type Head struct {
	Branch   string // short branch name; the commit id when detached
	Commit   string
	Detached bool
}

// RepoInspector reads repository state. Interface for testing.
type RepoInspector interface {
	Head() (Head, error)
	BranchExists(name string) (bool, error)
}

// GoGitInspector reads refs straight from .git with go-git. The repository
// is reopened on every call so it always sees what the git CLI just wrote.
type GoGitInspector struct {
	dir string
}

// NewGoGitInspector creates an inspector for the repository containing dir.
func NewGoGitInspector(dir string) *GoGitInspector {
	return &GoGitInspector{dir: dir}
}

func (g *GoGitInspector) open() (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(g.dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", g.dir, err)
	}
	return repo, nil
}

func (g *GoGitInspector) Head() (Head, error) {
	repo, err := g.open()
	if err != nil {
		return Head{}, err
	}
	ref, err := repo.Head()
	if err != nil {
		return Head{}, fmt.Errorf("resolve HEAD: %w", err)
	}
	commit := ref.Hash().String()
	if ref.Name().IsBranch() {
		return Head{Branch: ref.Name().Short(), Commit: commit}, nil
	}
	return Head{Branch: commit, Commit: commit, Detached: true}, nil
}

func (g *GoGitInspector) BranchExists(name string) (bool, error) {
	repo, err := g.open()
	if err != nil {
		return false, err
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(name), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup branch %q: %w", name, err)
	}
	return true, nil
}
