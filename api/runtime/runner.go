package runtime

import (
	"context"
	"time"
)

type RunResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Runner executes external build tools. A non-zero exit is reported in
// RunResult, not as an error.
type Runner interface {
	Run(ctx context.Context, opts RunOpts) (*RunResult, error)
	LookPath(name string) (string, error)
}

type RunOpts struct {
	Command []string // argv; Command[0] is resolved through PATH
	Dir     string
	Env     []string // appended to the agent's own environment
	Timeout time.Duration

	// Stdout and Stderr receive output line by line as it is produced.
	Stdout func(line string)
	Stderr func(line string)
}
