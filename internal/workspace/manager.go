// Package workspace manages isolated VCS working copies for tasks. Every
// stage of a ticket shares one workspace path so uncommitted working
// artifacts survive across stages.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ralphlite/internal/logging"
	"ralphlite/internal/vcs"
)

// Manager creates, reuses, and tears down VCS workspaces under a temp root.
type Manager struct {
	mu     sync.Mutex
	client *vcs.Client
	tmpDir string
	open   map[string]string // workspace id -> path
}

// NewManager returns a manager rooted at tmpDir (os.TempDir() when empty).
func NewManager(client *vcs.Client, tmpDir string) *Manager {
	if tmpDir == "" {
		tmpDir = os.TempDir()
	}
	return &Manager{client: client, tmpDir: tmpDir, open: make(map[string]string)}
}

// PathFor returns the workspace path for an id without creating anything.
// Per-ticket jobs use the ticket id; global jobs use the job id.
func (m *Manager) PathFor(id string) string {
	return filepath.Join(m.tmpDir, "workflow-wt-"+id)
}

func workspaceName(id string) string { return "wt-" + id }

// Ensure materializes the workspace for id at atRev if it does not exist
// yet, and returns its path. Repeated calls reuse the same working copy.
func (m *Manager) Ensure(ctx context.Context, id, atRev string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if path, ok := m.open[id]; ok {
		return path, nil
	}
	path := m.PathFor(id)
	if _, err := os.Stat(path); err == nil {
		// Left over from an earlier frame in this run; keep using it.
		m.open[id] = path
		return path, nil
	}
	if err := m.client.WorkspaceAdd(ctx, workspaceName(id), path, atRev); err != nil {
		return "", fmt.Errorf("create workspace for %s: %w", id, err)
	}
	m.open[id] = path
	logging.Get(logging.CategoryWorkspace).Infof("created workspace %s at %s", id, path)
	return path, nil
}

// Close dismisses the workspace for id and removes its path. Used by the
// merge queue after a land and during eviction cleanup.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path, ok := m.open[id]
	if !ok {
		path = m.PathFor(id)
	}
	if err := m.client.WorkspaceForget(ctx, workspaceName(id)); err != nil {
		logging.Get(logging.CategoryWorkspace).Warnf("forget workspace %s: %v", id, err)
	}
	delete(m.open, id)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace path %s: %w", path, err)
	}
	logging.Get(logging.CategoryWorkspace).Infof("closed workspace %s", id)
	return nil
}

// ReapOrphans removes workflow-wt-* directories left behind by a crashed
// run. Best effort; failures are logged and skipped.
func (m *Manager) ReapOrphans(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(m.tmpDir, "workflow-wt-*"))
	if err != nil {
		return 0
	}
	reaped := 0
	for _, path := range matches {
		id := filepath.Base(path)[len("workflow-wt-"):]
		if _, ok := m.open[id]; ok {
			continue
		}
		if err := m.client.WorkspaceForget(ctx, workspaceName(id)); err != nil {
			logging.Get(logging.CategoryWorkspace).Debugf("orphan forget %s: %v", id, err)
		}
		if err := os.RemoveAll(path); err != nil {
			logging.Get(logging.CategoryWorkspace).Warnf("orphan remove %s: %v", path, err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		logging.Get(logging.CategoryWorkspace).Infof("reaped %d orphan workspaces", reaped)
	}
	return reaped
}
