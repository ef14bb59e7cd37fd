// Package worktree prepares isolated working directories for sessions.
// The git implementation shells out to git worktree so each session gets
// its own branch and checkout without touching the main tree.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sjroesink/OpenAgentManager-sub000/config"
)

// Prepared describes a ready working directory for a session.
type Prepared struct {
	Dir string
	// InitialPrompt is the content of the agent's prompt file found in the
	// prepared tree, empty when the agent has none configured.
	InitialPrompt string
}

// Preparer creates and removes per-session working directories.
type Preparer interface {
	Prepare(ctx context.Context, name string, agent config.Agent) (Prepared, error)
	Remove(name string) error
}

// GitPreparer creates worktrees under baseDir from the repository at
// repoDir, one branch per session.
type GitPreparer struct {
	log     *slog.Logger
	repoDir string
	baseDir string

	// run executes a git invocation; overridable in tests.
	run func(dir string, args ...string) ([]byte, error)
}

func NewGitPreparer(repoDir, baseDir string, log *slog.Logger) *GitPreparer {
	if log == nil {
		log = slog.Default()
	}
	return &GitPreparer{
		log:     log,
		repoDir: repoDir,
		baseDir: baseDir,
		run:     runGit,
	}
}

func runGit(dir string, args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Prepare adds a worktree named after the session, runs the agent's setup
// hooks in it and reads its prompt file if one is configured.
func (p *GitPreparer) Prepare(ctx context.Context, name string, agent config.Agent) (Prepared, error) {
	if err := os.MkdirAll(p.baseDir, 0755); err != nil {
		return Prepared{}, fmt.Errorf("create worktree base dir: %w", err)
	}

	dir := filepath.Join(p.baseDir, name)
	branch := "session/" + name
	if _, err := p.run(p.repoDir, "worktree", "add", "-b", branch, dir); err != nil {
		return Prepared{}, fmt.Errorf("add worktree: %w", err)
	}
	p.log.Info("worktree prepared", "dir", dir, "branch", branch)

	for _, hook := range agent.SetupHooks {
		if err := ctx.Err(); err != nil {
			return Prepared{}, err
		}
		if err := runHook(ctx, dir, hook); err != nil {
			// Leave the tree in place for inspection; the caller decides
			// whether to remove it.
			return Prepared{}, fmt.Errorf("setup hook %q: %w", hook, err)
		}
	}

	prepared := Prepared{Dir: dir}
	if agent.PromptFile != "" {
		content, err := os.ReadFile(filepath.Join(dir, agent.PromptFile))
		if err == nil {
			prepared.InitialPrompt = strings.TrimSpace(string(content))
		} else if !os.IsNotExist(err) {
			return Prepared{}, fmt.Errorf("read prompt file: %w", err)
		}
	}
	return prepared, nil
}

func runHook(ctx context.Context, dir, hook string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", hook)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remove deletes the worktree and its branch. Best effort on the branch:
// worktree removal is what releases the disk.
func (p *GitPreparer) Remove(name string) error {
	dir := filepath.Join(p.baseDir, name)
	if _, err := p.run(p.repoDir, "worktree", "remove", "--force", dir); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	if _, err := p.run(p.repoDir, "branch", "-D", "session/"+name); err != nil {
		p.log.Warn("branch cleanup failed", "branch", "session/"+name, "error", err)
	}
	return nil
}
