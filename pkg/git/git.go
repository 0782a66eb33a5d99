// Package git drives the version-control side of the workflow via
// explicit synchronous calls to the git binary, the same way the
// configuration repository is driven by its other automation.
package git

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Config identifies the remote configuration repository and the
// committer identity.
type Config struct {
	URL       string // remote URL, credentials already embedded
	UserName  string
	UserEmail string
}

// CloneError wraps any failure during the initial clone; the
// workflow treats it as fatal.
type CloneError struct {
	URL string
	Err error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("cloning %s: %s", SafeURL(e.URL), e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// Checkout is an ephemeral working clone, exclusively owned by one
// workflow run. It must be cleaned up with Clean regardless of the
// run's outcome.
type Checkout struct {
	dir    string
	branch string
	logger log.Logger
}

// Clone makes a shallow clone of the configured repository in a fresh
// temporary directory and sets the committer identity on it.
func Clone(ctx context.Context, cfg Config, logger log.Logger) (*Checkout, error) {
	dir, err := ioutil.TempDir("", "yaml-config-")
	if err != nil {
		return nil, err
	}

	logger.Log("msg", "cloning repository", "url", SafeURL(cfg.URL), "dir", dir)
	if err := clone(ctx, dir, cfg.URL); err != nil {
		os.RemoveAll(dir)
		return nil, &CloneError{URL: cfg.URL, Err: err}
	}
	if err := config(ctx, dir, cfg.UserName, cfg.UserEmail); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return &Checkout{dir: dir, logger: logger}, nil
}

// Dir is the root of the working clone.
func (c *Checkout) Dir() string { return c.dir }

// Branch is the branch the clone currently has checked out, as set by
// CreateBranch or CheckoutBranch.
func (c *Checkout) Branch() string { return c.branch }

// CreateBranch fetches the remote and creates a new local branch.
// Used in pull-request mode.
func (c *Checkout) CreateBranch(ctx context.Context, name string) error {
	level.Debug(c.logger).Log("msg", "fetching origin", "dir", c.dir)
	if err := fetch(ctx, c.dir); err != nil {
		return err
	}
	if err := checkoutNew(ctx, c.dir, name); err != nil {
		return err
	}
	c.branch = name
	c.logger.Log("msg", "created branch", "branch", name)
	return nil
}

// CheckoutBranch checks out an existing remote branch and pulls the
// latest changes. Used in direct-commit mode. The shallow clone only
// tracks the default branch, so the target is fetched by explicit
// refspec first.
func (c *Checkout) CheckoutBranch(ctx context.Context, name string) error {
	refspec := fmt.Sprintf("refs/heads/%s:refs/remotes/origin/%s", name, name)
	level.Debug(c.logger).Log("msg", "fetching branch", "refspec", refspec, "dir", c.dir)
	if err := fetch(ctx, c.dir, refspec); err != nil {
		return err
	}
	if err := checkout(ctx, c.dir, name); err != nil {
		return err
	}
	if err := pull(ctx, c.dir, name); err != nil {
		return err
	}
	c.branch = name
	c.logger.Log("msg", "checked out branch", "branch", name)
	return nil
}

// CommitAndPush stages exactly the given paths (relative to the clone
// root), commits them, pushes the active branch and returns the new
// commit's revision. A blanket add-all would risk committing
// unrelated workspace state, so only the listed files are staged.
// When the staged files are identical to what is already committed,
// nothing is pushed and the current head revision is returned, so a
// re-run with the same content is a no-op.
func (c *Checkout) CommitAndPush(ctx context.Context, paths []string, message string) (string, error) {
	for _, p := range paths {
		level.Debug(c.logger).Log("msg", "staging file", "path", p)
		if err := add(ctx, c.dir, p); err != nil {
			return "", err
		}
	}
	if !check(ctx, c.dir, paths) {
		rev, err := headRevision(ctx, c.dir)
		if err != nil {
			return "", err
		}
		c.logger.Log("msg", "no changes to commit", "branch", c.branch, "revision", rev)
		return rev, nil
	}
	if err := commit(ctx, c.dir, message); err != nil {
		return "", err
	}
	rev, err := headRevision(ctx, c.dir)
	if err != nil {
		return "", err
	}
	if err := push(ctx, c.dir, c.branch); err != nil {
		return "", err
	}
	c.logger.Log("msg", "changes pushed", "revision", rev, "branch", c.branch)
	return rev, nil
}

// Clean removes the working clone from disk.
func (c *Checkout) Clean() error {
	if c.dir == "" {
		return nil
	}
	return os.RemoveAll(c.dir)
}
