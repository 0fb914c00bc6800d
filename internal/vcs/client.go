// Package vcs drives the jj binary as a subprocess. All repository
// mutations in the engine go through this client; nothing else shells out
// to the VCS.
package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"ralphlite/internal/logging"
)

// ErrRebaseConflict marks a rebase that failed due to conflicts the engine
// will not resolve inline. The dependent ticket is evicted.
var ErrRebaseConflict = errors.New("rebase conflict")

// Error carries the failed operation and its stderr.
type Error struct {
	Op     string
	Args   []string
	Stderr string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jj %s failed: %v (stderr: %s)", e.Op, e.Err, strings.TrimSpace(e.Stderr))
}

// Unwrap exposes the underlying error for errors.Is checks.
func (e *Error) Unwrap() error { return e.Err }

// Runner executes a jj command line and returns combined stdout. Tests
// inject a fake; the default shells out.
type Runner func(ctx context.Context, dir string, args ...string) (string, string, error)

// Client wraps jj invocations rooted at a repository.
type Client struct {
	repoRoot string
	run      Runner
}

// NewClient returns a client for the repository at root.
func NewClient(root string) *Client {
	return &Client{repoRoot: root, run: execRunner}
}

// NewClientWithRunner returns a client with an injected runner, for tests.
func NewClientWithRunner(root string, run Runner) *Client {
	return &Client{repoRoot: root, run: run}
}

func execRunner(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "jj", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	logging.Get(logging.CategoryVCS).Debugf("jj %s", strings.Join(args, " "))
	stdout, stderr, err := c.run(ctx, c.repoRoot, args...)
	if err != nil {
		return "", &Error{Op: args[0], Args: args, Stderr: stderr, Err: err}
	}
	return stdout, nil
}

// TicketBookmark returns the branch bookmark name for a ticket.
func TicketBookmark(ticketID string) string { return "ticket/" + ticketID }

// Fetch updates remote-tracking refs.
func (c *Client) Fetch(ctx context.Context) error {
	_, err := c.exec(ctx, "git", "fetch")
	return err
}

// Rebase replays the branch identified by bookmark onto dest. A non-zero
// exit is reported as ErrRebaseConflict with the jj stderr attached.
func (c *Client) Rebase(ctx context.Context, bookmark, dest string) error {
	_, err := c.exec(ctx, "rebase", "-b", fmt.Sprintf("bookmark(%q)", bookmark), "-d", dest)
	if err != nil {
		var ve *Error
		if errors.As(err, &ve) {
			ve.Err = fmt.Errorf("%w: %v", ErrRebaseConflict, ve.Err)
		}
		return err
	}
	return nil
}

// BookmarkSet points a bookmark at a revset. Used for fast-forwarding the
// mainline to a window tail.
func (c *Client) BookmarkSet(ctx context.Context, name, rev string) error {
	_, err := c.exec(ctx, "bookmark", "set", name, "-r", rev)
	return err
}

// BookmarkDelete removes a branch bookmark.
func (c *Client) BookmarkDelete(ctx context.Context, name string) error {
	_, err := c.exec(ctx, "bookmark", "delete", name)
	return err
}

// Push pushes a bookmark to the remote git peer.
func (c *Client) Push(ctx context.Context, bookmark string) error {
	_, err := c.exec(ctx, "git", "push", "--bookmark", bookmark)
	return err
}

// WorkspaceAdd materializes a new working copy at path, optionally at a
// specific revision.
func (c *Client) WorkspaceAdd(ctx context.Context, name, path, atRev string) error {
	args := []string{"workspace", "add", "--name", name, path}
	if atRev != "" {
		args = append(args, "-r", atRev)
	}
	_, err := c.exec(ctx, args...)
	return err
}

// WorkspaceForget dismisses a working copy.
func (c *Client) WorkspaceForget(ctx context.Context, name string) error {
	_, err := c.exec(ctx, "workspace", "forget", name)
	return err
}

// Log lists commits in the revset, oldest first.
func (c *Client) Log(ctx context.Context, revset string) (string, error) {
	return c.exec(ctx, "log", "-r", revset, "--reversed", "--no-graph")
}

// DiffSummary lists the files changed by the revset.
func (c *Client) DiffSummary(ctx context.Context, revset string) (string, error) {
	return c.exec(ctx, "diff", "-r", revset, "--summary")
}

// BranchCommits returns the log of commits on a ticket branch that are not
// on the mainline.
func (c *Client) BranchCommits(ctx context.Context, mainBranch, bookmark string) (string, error) {
	return c.Log(ctx, fmt.Sprintf("%s..bookmark(%q)", mainBranch, bookmark))
}

// MainlineCommitsSince returns the log of commits landed on the mainline
// since the branch point of bookmark.
func (c *Client) MainlineCommitsSince(ctx context.Context, mainBranch, bookmark string) (string, error) {
	return c.Log(ctx, fmt.Sprintf("roots(%s..bookmark(%q))-..%s", mainBranch, bookmark, mainBranch))
}
