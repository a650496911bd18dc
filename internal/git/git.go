package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client inspects the git work tree a workspace lives in
type Client interface {
	// Changes returns the porcelain status lines of the work tree containing
	// dir. A dir outside any repository has no changes.
	Changes(ctx context.Context, dir string) ([]string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct {
	binary string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{binary: "git"}
}

// Changes runs `git status --porcelain` in dir
func (c *ShellClient) Changes(ctx context.Context, dir string) ([]string, error) {
	inside, err := c.insideWorkTree(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !inside {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, c.binary, "-C", dir, "status", "--porcelain", "--untracked-files=all", "--", ".")
	output, err := c.runCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("git status failed: %w", err)
	}
	return splitLines(output), nil
}

func (c *ShellClient) insideWorkTree(ctx context.Context, dir string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.binary, "-C", dir, "rev-parse", "--is-inside-work-tree")
	output, err := c.runCommand(cmd)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Not a repository.
			return false, nil
		}
		return false, fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(output) == "true", nil
}

// runCommand executes a command and returns an error with stderr on failure
func (c *ShellClient) runCommand(cmd *exec.Cmd) (string, error) {
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}
