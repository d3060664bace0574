package invoker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// maxLineBytes bounds a single captured stdout line.
const maxLineBytes = 1 << 20

// Status is the overall outcome of an invocation.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

// FailureKind records why an invocation failed. It is used for logs and
// metrics only; callers render every kind the same way.
type FailureKind string

const (
	FailureNone      FailureKind = ""
	FailureSpawn     FailureKind = "spawn"
	FailureRead      FailureKind = "read"
	FailureExit      FailureKind = "exit"
	FailureTimeout   FailureKind = "timeout"
	FailureCanceled  FailureKind = "canceled"
	FailureAdmission FailureKind = "admission"
)

// Command describes one execution of an external executable.
type Command struct {
	// Name identifies the route in logs.
	Name string
	// Path is the absolute path of the executable.
	Path string
	// Args are passed positionally, flag tokens and values interleaved.
	Args []string
	// ResultPath is where the executable is expected to leave its artifact.
	// It is carried through to the result and never checked.
	ResultPath string
	// Timeout bounds the invocation. Zero means no deadline.
	Timeout time.Duration
}

// Result is the outcome of one invocation.
type Result struct {
	ID         string
	Name       string
	Status     Status
	Failure    FailureKind
	ExitCode   int
	Lines      []string
	ResultPath string
	Err        error
	Duration   time.Duration
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Runner launches executables and captures their standard output.
type Runner struct {
	sink      *slog.Logger
	waitDelay time.Duration
}

// New creates a Runner that writes captured output to sink. waitDelay bounds
// how long Run waits for output pipes after the child has been killed.
func New(sink *slog.Logger, waitDelay time.Duration) *Runner {
	if sink == nil {
		sink = slog.Default()
	}
	return &Runner{sink: sink, waitDelay: waitDelay}
}

// Run executes cmd and blocks until its standard output is closed and the
// process has exited. Failures are reported in the result, never returned.
//
// The child runs in its own process group; when ctx is done or the command
// timeout expires the whole group is killed.
func (r *Runner) Run(ctx context.Context, cmd Command) Result {
	start := time.Now()
	res := Result{
		ID:         uuid.NewString(),
		Name:       cmd.Name,
		Status:     StatusFailure,
		ExitCode:   -1,
		ResultPath: cmd.ResultPath,
	}
	log := r.sink.With("route", cmd.Name, "invocation_id", res.ID)

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, cmd.Path, cmd.Args...)
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}
	c.WaitDelay = r.waitDelay

	stderr := &lineLogger{log: log}
	c.Stderr = stderr

	pr, pw := io.Pipe()
	c.Stdout = pw

	if err := c.Start(); err != nil {
		pw.Close()
		res.Failure = FailureSpawn
		if ctxErr := runCtx.Err(); ctxErr != nil {
			res.Failure = FailureCanceled
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				res.Failure = FailureTimeout
			}
		}
		res.Err = fmt.Errorf("start %s: %w", cmd.Path, err)
		res.Duration = time.Since(start)
		log.Warn("process spawn failed", "executable", cmd.Path, "error", err)
		return res
	}

	log.Debug("process started", "executable", cmd.Path, "pid", c.Process.Pid, "args", cmd.Args)

	waitCh := make(chan error, 1)
	go func() {
		err := c.Wait()
		pw.Close()
		waitCh <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		res.Lines = append(res.Lines, line)
		log.Info("process output", "stream", "stdout", "line", line)
	}
	readErr := scanner.Err()
	if readErr != nil {
		// Unblock the copy goroutine inside exec so Wait can return.
		pr.CloseWithError(readErr)
	}

	waitErr := <-waitCh
	stderr.flush()
	res.Duration = time.Since(start)
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}

	res.Failure, res.Err = classify(runCtx, readErr, waitErr, res.ExitCode)
	if res.Failure == FailureNone {
		res.Status = StatusSuccess
		log.Debug("process finished", "exit_code", res.ExitCode, "lines", len(res.Lines), "duration", res.Duration)
		return res
	}

	log.Warn("process failed",
		"failure", res.Failure,
		"exit_code", res.ExitCode,
		"lines", len(res.Lines),
		"duration", res.Duration,
		"error", res.Err,
	)
	return res
}

// classify folds the read and wait outcomes into a single failure kind.
// Context expiry wins over the exit status it caused.
func classify(ctx context.Context, readErr, waitErr error, exitCode int) (FailureKind, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && (waitErr != nil || readErr != nil) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return FailureTimeout, fmt.Errorf("process timed out: %w", ctxErr)
		}
		return FailureCanceled, fmt.Errorf("process canceled: %w", ctxErr)
	}
	if readErr != nil {
		return FailureRead, fmt.Errorf("read stdout: %w", readErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return FailureExit, fmt.Errorf("process exited with code %d", exitCode)
		}
		// exec.ErrWaitDelay and pipe copy errors.
		return FailureRead, fmt.Errorf("wait: %w", waitErr)
	}
	if exitCode != 0 {
		return FailureExit, fmt.Errorf("process exited with code %d", exitCode)
	}
	return FailureNone, nil
}

// lineLogger is the child's stderr. Complete lines go to the diagnostic sink
// at warn level. Writes come from the single goroutine exec uses to copy the
// stream, and flush runs after Wait, so no locking is needed.
type lineLogger struct {
	log *slog.Logger
	buf []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		l.emit(string(l.buf[:i]))
		l.buf = l.buf[i+1:]
	}
	if len(l.buf) > maxLineBytes {
		l.emit(string(l.buf))
		l.buf = l.buf[:0]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	if len(l.buf) > 0 {
		l.emit(string(l.buf))
		l.buf = nil
	}
}

func (l *lineLogger) emit(line string) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	l.log.Warn("process output", "stream", "stderr", "line", line)
}
