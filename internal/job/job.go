// Package job runs bounded one-shot inference jobs: persist the input
// artifact, invoke the engine's offline CLI, and guarantee cleanup.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/logging"
)

// Job faults.
var (
	ErrDeadlineExceeded = errors.New("inference deadline exceeded")
	ErrProcessFailed    = errors.New("inference process failed")
	ErrNoOutput         = errors.New("inference produced no output")
)

// ProcessError carries the bounded diagnostic excerpt for a failed run.
type ProcessError struct {
	ExitCode   int
	Diagnostic string // stderr excerpt, truncated
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("inference process failed (exit %d): %s", e.ExitCode, e.Diagnostic)
}

func (e *ProcessError) Unwrap() error { return ErrProcessFailed }

// Command is one external process invocation: a discrete argument
// vector and a working directory. Arguments are never interpolated
// into a shell string.
type Command struct {
	Args []string
	Dir  string
}

// Result is the outcome of a completed process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner executes external commands. The exec-backed implementation
// force-kills the process when the context expires; test doubles
// substitute it.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// DefaultDeadline bounds one job's wall-clock time.
const DefaultDeadline = 300 * time.Second

// DefaultMaxDiagnosticBytes bounds the stderr/stdout excerpts attached
// to job results.
const DefaultMaxDiagnosticBytes = 500

// Supervisor runs jobs against the engine CLI. Jobs are independent;
// a faulted job never affects other concurrent jobs.
type Supervisor struct {
	WorkDir            string
	EngineDir          string
	Deadline           time.Duration
	MaxDiagnosticBytes int
	Runner             Runner
	Logger             *zap.Logger
}

// Output is the produced artifact plus its transcript excerpt. The
// caller removes the artifact after transmission via Cleanup.
type Output struct {
	JobID      string
	Path       string
	Transcript string
}

// Open returns a reader over the output artifact.
func (o *Output) Open() (io.ReadCloser, error) {
	return os.Open(o.Path)
}

// Cleanup removes the output artifact. Best effort; safe after the
// file is gone.
func (o *Output) Cleanup() {
	_ = os.Remove(o.Path)
}

// Run executes one job: write the input under a collision-free path,
// invoke the engine, and enforce the deadline. The input artifact is
// removed on every return path; the output artifact survives only a
// successful return and is released by the caller.
func (s *Supervisor) Run(ctx context.Context, input io.Reader, voice, persona string) (*Output, error) {
	deadline := s.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	maxDiag := s.MaxDiagnosticBytes
	if maxDiag <= 0 {
		maxDiag = DefaultMaxDiagnosticBytes
	}

	jobID := uuid.NewString()[:8]
	inputPath := filepath.Join(s.WorkDir, jobID+"_input.wav")
	outputPath := filepath.Join(s.WorkDir, jobID+"_output.wav")

	if err := writeArtifact(inputPath, input); err != nil {
		return nil, fmt.Errorf("persist input: %w", err)
	}
	defer func() {
		if err := os.Remove(inputPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.Logger.Warn("remove input artifact", logging.Job(jobID), zap.Error(err))
		}
	}()

	cmd := Command{
		Args: []string{
			"python", "-m", "moshi.offline",
			"--input", inputPath,
			"--output", outputPath,
			"--voice", voice,
			"--prompt", persona,
		},
		Dir: s.EngineDir,
	}

	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	s.Logger.Info("job started", logging.Job(jobID), logging.Voice(voice))
	result, err := s.Runner.Run(runCtx, cmd)
	if err != nil {
		// Remove a partial output before reporting the fault.
		_ = os.Remove(outputPath)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrDeadlineExceeded
		}
		return nil, fmt.Errorf("run inference: %w", err)
	}

	if result.ExitCode != 0 {
		_ = os.Remove(outputPath)
		return nil, &ProcessError{
			ExitCode:   result.ExitCode,
			Diagnostic: truncate(string(result.Stderr), maxDiag),
		}
	}

	if _, err := os.Stat(outputPath); err != nil {
		// Zero exit without the expected artifact is a fault, not
		// a silent success.
		return nil, ErrNoOutput
	}

	return &Output{
		JobID:      jobID,
		Path:       outputPath,
		Transcript: truncate(string(result.Stdout), maxDiag),
	}, nil
}

func writeArtifact(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
