// Package gitops is the git collaborator for the hub working tree: pull
// inbound mutations at tick start, commit outcomes, push with bounded
// rebase retry.
package gitops

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/relayhub/relayhub/internal/common/logger"
)

// pushRetries bounds the pull-rebase-push loop on non-fast-forward pushes.
const pushRetries = 3

// Runner shells out to git for a single working tree. All operations are
// side-effects only; failures surface as warnings to callers, never as
// dispatcher state.
type Runner struct {
	root    string
	enabled bool
	logger  *logger.Logger
}

// NewRunner creates a git runner for the hub tree. When the tree is not a
// git work tree (or git sync is disabled) every operation is a no-op.
func NewRunner(root string, enabled bool, log *logger.Logger) *Runner {
	r := &Runner{
		root:    root,
		enabled: enabled,
		logger:  log.WithFields(zap.String("component", "gitops")),
	}
	if enabled && !r.isWorkTree() {
		r.logger.Info("hub dir is not a git work tree, git sync disabled",
			zap.String("root", root))
		r.enabled = false
	}
	return r
}

// Enabled reports whether git operations are active.
func (r *Runner) Enabled() bool { return r.enabled }

func (r *Runner) isWorkTree() bool {
	if _, err := exec.LookPath("git"); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(r.root, ".git")); err != nil {
		return false
	}
	return true
}

func (r *Runner) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Pull fetches and merges inbound mutations.
func (r *Runner) Pull(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	if _, err := r.git(ctx, "pull", "--rebase", "--autostash"); err != nil {
		return err
	}
	r.logger.Debug("pulled hub tree")
	return nil
}

// Commit stages the whole tree and commits with the given message.
// An empty diff is not an error.
func (r *Runner) Commit(ctx context.Context, message string) error {
	if !r.enabled {
		return nil
	}
	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return err
	}
	out, err := r.git(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") || strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return err
	}
	r.logger.Debug("committed hub tree", zap.String("message", message))
	return nil
}

// Push pushes to the upstream, retrying with pull --rebase on rejection.
func (r *Runner) Push(ctx context.Context) error {
	if !r.enabled {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < pushRetries; attempt++ {
		if _, err := r.git(ctx, "push"); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if _, err := r.git(ctx, "pull", "--rebase"); err != nil {
			return fmt.Errorf("rebase before push retry: %w", err)
		}
	}
	return fmt.Errorf("push failed after %d attempts: %w", pushRetries, lastErr)
}
