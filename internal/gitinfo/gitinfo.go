// Package gitinfo reads the HEAD commit of the repository enclosing a
// directory, for recording alongside invocation history.
package gitinfo

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Info describes HEAD. Branch is empty when HEAD is detached.
type Info struct {
	Commit string
	Branch string
}

// Lookup returns HEAD for the repository containing dir. ok is false when dir
// is not inside a repository or the repository has no commits yet.
func Lookup(dir string) (info Info, ok bool, err error) {
	if dir == "" {
		dir = "."
	}
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("open repository at %s: %w", dir, err)
	}

	head, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Info{}, false, nil
		}
		return Info{}, false, fmt.Errorf("resolve HEAD: %w", err)
	}

	info.Commit = head.Hash().String()
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, true, nil
}
