package quality

import (
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Committer records auto-resolutions as commits in the working tree so
// every gate decision is attributable in history.
type Committer struct {
	repoPath string
}

// NewCommitter creates a committer for a repository path.
func NewCommitter(repoPath string) *Committer {
	return &Committer{repoPath: repoPath}
}

// Commit stages the working tree and commits it with the given message.
// A clean tree is not an error; the commit is simply skipped.
func (c *Committer) Commit(message string) error {
	repo, err := git.PlainOpen(c.repoPath)
	if err != nil {
		return fmt.Errorf("open repo %s: %w", c.repoPath, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  "speckit",
			Email: "speckit@localhost",
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
