package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const maxOutputBytes = 64 * 1024 // 64KB

// ProcessRunner runs commands as local child processes. Each child gets its
// own process group so a cancelled build takes its descendants with it.
type ProcessRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the
	// process is killed.
	WaitDelay time.Duration
}

func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{WaitDelay: 5 * time.Second}
}

func (p *ProcessRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

func (p *ProcessRunner) Run(ctx context.Context, opts RunOpts) (*RunResult, error) {
	if len(opts.Command) == 0 {
		return nil, errors.New("run: empty command")
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.WaitDelay = p.WaitDelay
	setProcessGroup(cmd)

	out := &cappedBuffer{limit: maxOutputBytes}
	stdout := &lineWriter{out: out, fn: opts.Stdout}
	stderr := &lineWriter{out: out, fn: opts.Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()

	result := &RunResult{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			result.ExitCode = -1
			if errors.Is(ctxErr, context.DeadlineExceeded) && opts.Timeout > 0 {
				return result, fmt.Errorf("%s timed out after %s: %w", opts.Command[0], opts.Timeout, ctxErr)
			}
			return result, fmt.Errorf("%s cancelled: %w", opts.Command[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil // non-zero exit is not a runner error
		}
		return result, err
	}

	result.ExitCode = 0
	return result, nil
}

// lineWriter splits a byte stream into lines for the capture buffer and
// the caller's callback.
type lineWriter struct {
	out     *cappedBuffer
	fn      func(string)
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimRight(w.partial[:i], "\r")))
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	if len(w.partial) > 0 {
		w.emit(string(w.partial))
		w.partial = nil
	}
}

func (w *lineWriter) emit(line string) {
	w.out.WriteLine(line)
	if w.fn != nil {
		w.fn(line)
	}
}

type cappedBuffer struct {
	mu        sync.Mutex
	limit     int
	b         strings.Builder
	truncated bool
}

func (c *cappedBuffer) WriteLine(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return
	}
	if c.b.Len()+len(line)+1 > c.limit {
		c.truncated = true
		return
	}
	c.b.WriteString(line)
	c.b.WriteByte('\n')
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.b.String() + "... (output truncated at 64KB)\n"
	}
	return c.b.String()
}
