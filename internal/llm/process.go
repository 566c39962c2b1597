//go:build unix

package llm

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"syscall"
)

// execProcess wraps a running exec.Cmd. The child is started in its own
// process group so Kill takes down any helpers the executable forks.
type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

// spawnProcess starts the inference executable. The context is used only to
// abort the start; lifetime management after start belongs to the caller.
func spawnProcess(ctx context.Context, path string, args []string) (procHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", path, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

func (p *execProcess) Stdout() io.Reader {
	return p.stdout
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// Kill terminates the whole process group. Safe to call more than once and
// after the child has already exited.
func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid addresses the process group set at spawn.
	err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
