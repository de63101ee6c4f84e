// Package subproc runs external tools (the Python interpreter, the Manim
// renderer) with bounded time, bounded output, and line-level streaming.
package subproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	defaultTimeout     = 120 * time.Second
	defaultMaxOutput   = 256 * 1024 // per stream
	defaultGraceWindow = 5 * time.Second
)

// LineFunc receives one line of subprocess output as it is produced.
// stream is "stdout" or "stderr".
type LineFunc func(stream, line string)

// Runner configures and executes subprocesses.
type Runner struct {
	timeout        time.Duration
	maxOutputBytes int
	graceWindow    time.Duration
	env            []string
}

// Result contains the outcome of one subprocess execution.
type Result struct {
	ExitCode     int    `json:"exit_code"`
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	DurationMs   int64  `json:"duration_ms"`
	Err          string `json:"error,omitempty"`
	WasTimeout   bool   `json:"was_timeout"`
	WasCanceled  bool   `json:"was_canceled"`
	WasTruncated bool   `json:"was_truncated"`
}

// Ok reports whether the process ran to completion with exit code 0.
func (r *Result) Ok() bool {
	return r.Err == "" && !r.WasTimeout && !r.WasCanceled && r.ExitCode == 0
}

// NewRunner creates a Runner with default limits.
func NewRunner() *Runner {
	return &Runner{
		timeout:        defaultTimeout,
		maxOutputBytes: defaultMaxOutput,
		graceWindow:    defaultGraceWindow,
	}
}

// WithTimeout sets the execution timeout.
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	r.timeout = timeout
	return r
}

// WithMaxOutputBytes sets the per-stream output cap.
func (r *Runner) WithMaxOutputBytes(maxBytes int) *Runner {
	r.maxOutputBytes = maxBytes
	return r
}

// WithGraceWindow sets how long a terminated process gets before SIGKILL.
func (r *Runner) WithGraceWindow(grace time.Duration) *Runner {
	r.graceWindow = grace
	return r
}

// WithEnv sets extra environment variables (KEY=VALUE) appended to the
// current process environment.
func (r *Runner) WithEnv(env []string) *Runner {
	r.env = env
	return r
}

// Run executes name with args in dir. Output lines are streamed to onLine
// (which may be nil) while also being captured, truncated at the configured
// cap. On timeout or cancellation the process receives SIGTERM, then
// SIGKILL after the grace window. Run never returns an error: every failure
// mode is encoded in the Result.
func (r *Runner) Run(ctx context.Context, dir string, onLine LineFunc, name string, args ...string) *Result {
	result := &Result{}
	startTime := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}

	// Graceful stop: SIGTERM on context cancellation, SIGKILL once the
	// grace window elapses without the process exiting.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.graceWindow

	stdout := &limitedBuffer{limit: r.maxOutputBytes}
	stderr := &limitedBuffer{limit: r.maxOutputBytes}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		result.Err = err.Error()
		result.DurationMs = time.Since(startTime).Milliseconds()
		return result
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		result.Err = err.Error()
		result.DurationMs = time.Since(startTime).Milliseconds()
		return result
	}

	if err := cmd.Start(); err != nil {
		result.Err = err.Error()
		result.DurationMs = time.Since(startTime).Milliseconds()
		return result
	}

	var lineMu sync.Mutex
	emit := func(stream, line string) {
		if onLine == nil {
			return
		}
		lineMu.Lock()
		onLine(stream, line)
		lineMu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		drainLines(stdoutPipe, stdout, "stdout", emit)
	}()
	go func() {
		defer wg.Done()
		drainLines(stderrPipe, stderr, "stderr", emit)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	result.DurationMs = time.Since(startTime).Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	result.WasTruncated = stdout.truncated || stderr.truncated

	if waitErr != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			result.WasTimeout = true
			result.Err = "process timed out"
		case ctx.Err() != nil:
			result.WasCanceled = true
			result.Err = "process canceled"
		default:
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				result.ExitCode = exitErr.ExitCode()
			} else {
				result.Err = waitErr.Error()
			}
		}
	}

	return result
}

// drainLines copies a stream line by line into the capture buffer and the
// streaming callback until EOF.
func drainLines(src io.Reader, dst *limitedBuffer, stream string, emit LineFunc) {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		dst.WriteLine(line)
		emit(stream, line)
	}
}

// limitedBuffer accumulates lines up to a byte limit, then drops the rest.
type limitedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (lb *limitedBuffer) WriteLine(line string) {
	if lb.truncated {
		return
	}
	if lb.Len()+len(line)+1 > lb.limit {
		lb.truncated = true
		return
	}
	lb.Buffer.WriteString(line)
	lb.Buffer.WriteByte('\n')
}
