package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records invocations and replies from a canned script.
type fakeRunner struct {
	calls   []string
	replies map[string]string // space-joined args prefix -> stdout
	fail    map[string]string // space-joined args prefix -> stderr
}

func (f *fakeRunner) run(_ context.Context, _ string, args ...string) (string, string, error) {
	line := strings.Join(args, " ")
	f.calls = append(f.calls, line)
	for prefix, stderr := range f.fail {
		if strings.HasPrefix(line, prefix) {
			return "", stderr, fmt.Errorf("exit status 1")
		}
	}
	for prefix, out := range f.replies {
		if strings.HasPrefix(line, prefix) {
			return out, "", nil
		}
	}
	return "", "", nil
}

func TestRebaseConflictDetection(t *testing.T) {
	f := &fakeRunner{fail: map[string]string{"rebase": "merge conflict in src/main.go"}}
	c := NewClientWithRunner("/repo", f.run)

	err := c.Rebase(context.Background(), TicketBookmark("T-1"), "main")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRebaseConflict))

	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Contains(t, ve.Stderr, "merge conflict")
}

func TestRebaseArguments(t *testing.T) {
	f := &fakeRunner{}
	c := NewClientWithRunner("/repo", f.run)

	require.NoError(t, c.Rebase(context.Background(), "ticket/T-1", "main"))
	require.Len(t, f.calls, 1)
	assert.Equal(t, `rebase -b bookmark("ticket/T-1") -d main`, f.calls[0])
}

func TestWorkspaceAddAtRev(t *testing.T) {
	f := &fakeRunner{}
	c := NewClientWithRunner("/repo", f.run)

	require.NoError(t, c.WorkspaceAdd(context.Background(), "wt-T-1", "/tmp/workflow-wt-T-1", "main"))
	assert.Equal(t, "workspace add --name wt-T-1 /tmp/workflow-wt-T-1 -r main", f.calls[0])

	require.NoError(t, c.WorkspaceAdd(context.Background(), "wt-x", "/tmp/workflow-wt-x", ""))
	assert.Equal(t, "workspace add --name wt-x /tmp/workflow-wt-x", f.calls[1])
}

func TestEvictionArtifactRevsets(t *testing.T) {
	f := &fakeRunner{replies: map[string]string{"log": "commit-a\ncommit-b\n"}}
	c := NewClientWithRunner("/repo", f.run)

	out, err := c.BranchCommits(context.Background(), "main", "ticket/T-1")
	require.NoError(t, err)
	assert.Equal(t, "commit-a\ncommit-b\n", out)
	assert.Contains(t, f.calls[0], `main..bookmark("ticket/T-1")`)
	assert.Contains(t, f.calls[0], "--reversed")
}

func TestTicketBookmark(t *testing.T) {
	assert.Equal(t, "ticket/T-42", TicketBookmark("T-42"))
}
