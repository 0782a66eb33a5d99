package git

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Env vars that are allowed to be inherited from the OS. Git follows
// the curl conventions for proxies, so HTTP_PROXY is intentionally
// missing.
var allowedEnvVars = []string{
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME", "PATH", "SSH_AUTH_SOCK",
}

type gitCmdConfig struct {
	dir string
	out io.Writer
}

func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)
	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = env()
	stdOutAndStdErr := &bytes.Buffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()
	if err != nil {
		msg := findErrorMessage(stdOutAndStdErr)
		if msg != "" {
			err = errors.New(msg)
		}
	}
	if ctx.Err() == context.DeadlineExceeded {
		err = errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: git %s", strings.Join(args, " ")))
	} else if ctx.Err() == context.Canceled {
		err = errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: git %s", strings.Join(args, " ")))
	}
	return err
}

func env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// check returns true if there are staged changes to the files given.
// Callers must `add` the paths first so that newly created files are
// seen as well.
func check(ctx context.Context, workingDir string, paths []string) bool {
	args := []string{"diff", "--cached", "--quiet", "--"}
	args = append(args, paths...)
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}) != nil
}

func config(ctx context.Context, workingDir, user, email string) error {
	for k, v := range map[string]string{
		"user.name":  user,
		"user.email": email,
	} {
		args := []string{"config", k, v}
		if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
			return errors.Wrap(err, "setting git config")
		}
	}
	return nil
}

func clone(ctx context.Context, workingDir, repoURL string) error {
	args := []string{"clone", "--depth", "1", repoURL, workingDir}
	if err := execGitCmd(ctx, args, gitCmdConfig{}); err != nil {
		return errors.Wrap(err, "git clone")
	}
	return nil
}

// fetch updates from origin. A shallow clone is single-branch, so
// callers wanting anything but the default branch must pass an
// explicit refspec.
func fetch(ctx context.Context, workingDir string, refspec ...string) error {
	args := append([]string{"fetch", "origin"}, refspec...)
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git fetch origin %s", strings.Join(refspec, " "))
	}
	return nil
}

func checkoutNew(ctx context.Context, workingDir, branch string) error {
	args := []string{"checkout", "-b", branch}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git checkout -b %s", branch)
	}
	return nil
}

func checkout(ctx context.Context, workingDir, branch string) error {
	args := []string{"checkout", branch}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git checkout %s", branch)
	}
	return nil
}

func pull(ctx context.Context, workingDir, branch string) error {
	args := []string{"pull", "origin", branch}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git pull origin %s", branch)
	}
	return nil
}

func add(ctx context.Context, workingDir, path string) error {
	args := []string{"add", "--", path}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git add %s", path)
	}
	return nil
}

func commit(ctx context.Context, workingDir, message string) error {
	args := []string{"commit", "--no-verify", "-m", message}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrap(err, "git commit")
	}
	return nil
}

func push(ctx context.Context, workingDir, branch string) error {
	args := []string{"push", "origin", branch}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return errors.Wrapf(err, "git push origin %s", branch)
	}
	return nil
}

func headRevision(ctx context.Context, workingDir string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"rev-parse", "HEAD"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return "", errors.Wrap(err, "git rev-parse HEAD")
	}
	return strings.TrimSpace(out.String()), nil
}

// findErrorMessage picks the most informative line from git's
// combined output; git prefixes real errors with "fatal:" or
// "error:".
func findErrorMessage(output *bytes.Buffer) string {
	var msg string
	for _, line := range strings.Split(output.String(), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "fatal: ") || strings.HasPrefix(line, "error: ") {
			msg = line
		}
	}
	return msg
}
