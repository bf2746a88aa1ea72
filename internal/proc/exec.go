package proc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"context"
)

// ExecSpawner implements Spawner using os/exec.
type ExecSpawner struct{}

// NewExecSpawner creates a spawner backed by real processes.
func NewExecSpawner() *ExecSpawner {
	return &ExecSpawner{}
}

// Start launches the process with piped stdin/stdout and begins a
// background wait for its exit.
func (s *ExecSpawner) Start(ctx context.Context, spec Spec) (Handle, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}
	cmd.Env = append(os.Environ(), flattenEnv(spec.Env)...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Command, err)
	}

	h := &execHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func flattenEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	status ExitStatus
	done   chan struct{}
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	h.status = ExitStatus{Code: code, Err: err}
	close(h.done)
}

func (h *execHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdin() io.Writer {
	return h.stdin
}

func (h *execHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) ExitStatus() ExitStatus {
	select {
	case <-h.done:
		return h.status
	default:
		return ExitStatus{}
	}
}

// Verify ExecSpawner implements Spawner at compile time.
var _ Spawner = (*ExecSpawner)(nil)
