package job

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
)

// ExecRunner runs commands with os/exec. Each process gets its own
// process group; on context expiry the whole group is SIGKILLed so a
// timed-out inference run cannot linger past its deadline.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, command Command) (Result, error) {
	if len(command.Args) == 0 {
		return Result{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, command.Args[0], command.Args[1:]...)
	cmd.Dir = command.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative PID targets the whole process group, so child
		// processes spawned by the engine die with it.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err := cmd.Run()
	result := Result{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}

	// Non-exit errors: context expiry, spawn failure, signal.
	return result, err
}
