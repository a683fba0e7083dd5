package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

const defaultStopGrace = 10 * time.Second

// CommandLauncher runs an external command. On cancellation the child gets
// SIGTERM and is killed after StopGrace.
type CommandLauncher struct {
	Path   string
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
	// StopGrace is how long a cancelled child may take to exit. Zero means 10s.
	StopGrace time.Duration
}

func (l CommandLauncher) Launch(ctx context.Context) (Process, error) {
	if l.Path == "" {
		return nil, errors.New("no command to supervise")
	}
	cmd := exec.CommandContext(ctx, l.Path, l.Args...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = l.StopGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultStopGrace
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", l.Path, err)
	}
	return commandProcess{cmd: cmd}, nil
}

type commandProcess struct {
	cmd *exec.Cmd
}

func (p commandProcess) PID() int    { return p.cmd.Process.Pid }
func (p commandProcess) Wait() error { return p.cmd.Wait() }
