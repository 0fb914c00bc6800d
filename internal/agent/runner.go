package agent

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"ralphlite/internal/config"
)

// MaxStdoutBytes bounds how much agent stdout is retained. Exceeding the
// ceiling is a structured truncation error, not a silent cut.
const MaxStdoutBytes = 200 * 1024

// killGrace is how long a SIGTERM'd agent gets before SIGKILL.
const killGrace = 5 * time.Second

// envBlacklist lists variables never forwarded to agent subprocesses.
var envBlacklist = []string{"RALPH_DEBUG", "WORKFLOW_MAX_CONCURRENCY"}

// RunResult is the raw outcome of a single subprocess execution.
type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Truncated bool
}

// Runner executes an agent CLI with a prompt and captures its output.
// Tests inject a fake; the default shells out.
type Runner func(ctx context.Context, spec config.AgentSpec, dir, prompt string) (*RunResult, error)

// cappedBuffer retains up to max bytes and flags overflow.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remain := b.max - b.buf.Len()
	if remain > 0 {
		if len(p) <= remain {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:remain])
			b.truncated = true
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	// Report full consumption so the subprocess never blocks on a pipe.
	return len(p), nil
}

// ExecRunner spawns the agent CLI for spec with the prompt on stdin. The
// subprocess runs in its own process group; cancellation sends SIGTERM to
// the group and escalates to SIGKILL after the grace period.
func ExecRunner(ctx context.Context, spec config.AgentSpec, dir, prompt string) (*RunResult, error) {
	name, args := commandFor(spec)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = filteredEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout := &cappedBuffer{max: MaxStdoutBytes}
	var stderr bytes.Buffer
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &RunResult{
		Stdout:    stdout.buf.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated,
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, err
	}
	return res, nil
}

// commandFor maps an agent spec to its CLI invocation. All supported CLIs
// accept the prompt on stdin.
func commandFor(spec config.AgentSpec) (string, []string) {
	switch spec.Type {
	case "claude":
		return "claude", []string{"-p", "--output-format", "text", "--model", spec.Model}
	case "codex":
		return "codex", []string{"exec", "--model", spec.Model, "-"}
	default:
		return spec.Type, []string{"--model", spec.Model}
	}
}

func filteredEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		blocked := false
		for _, key := range envBlacklist {
			if strings.HasPrefix(kv, key+"=") {
				blocked = true
				break
			}
		}
		if !blocked {
			out = append(out, kv)
		}
	}
	return out
}
