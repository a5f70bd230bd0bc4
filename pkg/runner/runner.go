// Package runner executes a single loader as an isolated child process.
//
// The child gets a fresh environment, a private temporary directory and its
// own process group. Stdout is captured byte-for-byte into a bounded buffer
// and is the artifact; stderr is kept separately (tail only) for diagnostics.
// When the loader's main process exits, anything still running in its group
// is killed, so background children cannot hold the run open.
// A Runner holds no state between invocations.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/3leaps/golade/pkg/resolve"
)

// Environment variables set for every loader.
const (
	EnvSourcePath  = "GOLADE_SOURCE_PATH"
	EnvOutputPath  = "GOLADE_OUTPUT_PATH"
	EnvContentType = "GOLADE_CONTENT_TYPE"
)

const (
	DefaultKillGrace       = 3 * time.Second
	DefaultStderrTailBytes = 64 * 1024
)

// DefaultPassEnv lists host variables passed through when InheritEnv is off.
var DefaultPassEnv = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "TZ",
	"LANG", "LC_ALL", "LC_CTYPE",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "USERPROFILE",
}

// Options configures a Runner.
type Options struct {
	// InheritEnv passes the full engine environment to loaders. When false
	// only PassEnv names are copied.
	InheritEnv bool

	// PassEnv is the host variable allowlist. Default: DefaultPassEnv.
	PassEnv []string

	// KillGrace is the delay between SIGTERM and SIGKILL on timeout or
	// cancellation, and the longest Run waits for output pipes to close
	// after the group is killed. Default: DefaultKillGrace.
	KillGrace time.Duration

	// StderrTailBytes bounds captured stderr. Default: DefaultStderrTailBytes.
	StderrTailBytes int

	// TempDir is where per-invocation temporary directories are created.
	// Default: os.TempDir().
	TempDir string
}

// Spec describes one invocation.
type Spec struct {
	Identity resolve.Identity

	// Command is the argv to execute; Command[0] is looked up on PATH.
	Command []string

	// Dir is the working directory of the child.
	Dir string

	// Env holds declared KEY=VALUE inputs, applied after the base environment.
	Env []string

	// Timeout bounds the invocation; zero disables it.
	Timeout time.Duration

	// MaxOutputBytes bounds captured stdout; zero disables it.
	MaxOutputBytes int64
}

// Runner launches loaders.
type Runner struct {
	opts Options
}

// New creates a Runner, filling unset options with defaults.
func New(opts Options) *Runner {
	if opts.PassEnv == nil {
		opts.PassEnv = DefaultPassEnv
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.StderrTailBytes <= 0 {
		opts.StderrTailBytes = DefaultStderrTailBytes
	}
	return &Runner{opts: opts}
}

// Run executes spec and blocks until the child (and its process group) has
// been terminated. It never returns nil; failures are reported through the
// Result's Outcome and Err.
func (r *Runner) Run(ctx context.Context, spec Spec) *Result {
	res := &Result{Identity: spec.Identity, StartedAt: time.Now(), ExitCode: -1}
	fail := func(o Outcome, err error) *Result {
		res.Outcome = o
		res.Err = err
		res.FinishedAt = time.Now()
		return res
	}

	if len(spec.Command) == 0 {
		return fail(OutcomeCrashed, fmt.Errorf("%w: empty command", ErrCrashed))
	}
	if err := ctx.Err(); err != nil {
		return fail(OutcomeCanceled, fmt.Errorf("%w: %v", ErrCanceled, err))
	}

	tmp, err := os.MkdirTemp(r.opts.TempDir, "golade-run-*")
	if err != nil {
		return fail(OutcomeCrashed, fmt.Errorf("%w: create temp dir: %v", ErrCrashed, err))
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	stdout := newBoundedBuffer(spec.MaxOutputBytes)
	stderr := &tailBuffer{max: r.opts.StderrTailBytes}

	// The child writes to real pipes so Wait returns as soon as the main
	// process exits; output is drained here.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fail(OutcomeCrashed, fmt.Errorf("%w: stdout pipe: %v", ErrCrashed, err))
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fail(OutcomeCrashed, fmt.Errorf("%w: stderr pipe: %v", ErrCrashed, err))
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = r.environ(spec, tmp)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	configureProcess(cmd)

	startErr := cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if startErr != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return fail(OutcomeCrashed, fmt.Errorf("%w: start %s: %v", ErrCrashed, spec.Command[0], startErr))
	}

	copied := make(chan struct{}, 2)
	drain := func(dst io.Writer, src *os.File) {
		_, _ = io.Copy(dst, src)
		copied <- struct{}{}
	}
	go drain(stdout, stdoutR)
	go drain(stderr, stderrR)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeoutC <-chan time.Time
	if spec.Timeout > 0 {
		timer := time.NewTimer(spec.Timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	var forced Outcome
	select {
	case <-done:
	case <-timeoutC:
		forced = OutcomeTimeout
		r.terminate(cmd.Process, done)
	case <-ctx.Done():
		forced = OutcomeCanceled
		r.terminate(cmd.Process, done)
	case <-stdout.overflow:
		forced = OutcomeOutputTooLarge
		_ = killGroup(cmd.Process)
		<-done
	}
	// Reap anything the loader left running in its group.
	_ = killGroup(cmd.Process)
	r.drainStreams(copied, stdoutR, stderrR)

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	state := cmd.ProcessState
	if state != nil {
		res.ExitCode = state.ExitCode()
	}

	switch {
	case forced == OutcomeTimeout:
		return fail(forced, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout))
	case forced == OutcomeCanceled:
		return fail(forced, fmt.Errorf("%w: %v", ErrCanceled, context.Cause(ctx)))
	case forced == OutcomeOutputTooLarge || stdout.Exceeded():
		return fail(OutcomeOutputTooLarge, fmt.Errorf("%w of %s", ErrOutputTooLarge,
			humanize.IBytes(uint64(spec.MaxOutputBytes))))
	case state == nil:
		return fail(OutcomeCrashed, fmt.Errorf("%w: no exit status", ErrCrashed))
	case state.ExitCode() == -1:
		return fail(OutcomeCrashed, fmt.Errorf("%w: %s", ErrCrashed, state.String()))
	case state.ExitCode() != 0:
		return fail(OutcomeNonZeroExit, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, state.ExitCode()))
	}

	res.Outcome = OutcomeSuccess
	res.FinishedAt = time.Now()
	return res
}

// terminate asks the process group to stop, escalating to SIGKILL after the
// grace period, and waits for the child to exit.
func (r *Runner) terminate(p *os.Process, done <-chan error) {
	_ = terminateGroup(p)

	grace := time.NewTimer(r.opts.KillGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		_ = killGroup(p)
		<-done
	}
}

// drainStreams waits for the output copiers to reach EOF. A descendant that
// left the process group can keep a pipe open; after KillGrace the read ends
// are closed to release the copiers.
func (r *Runner) drainStreams(copied <-chan struct{}, files ...*os.File) {
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	grace := time.NewTimer(r.opts.KillGrace)
	defer grace.Stop()

	for n := 0; n < len(files); n++ {
		select {
		case <-copied:
		case <-grace.C:
			for _, f := range files {
				_ = f.Close()
			}
			for ; n < len(files); n++ {
				<-copied
			}
			return
		}
	}
}

func (r *Runner) environ(spec Spec, tmp string) []string {
	var env []string
	if r.opts.InheritEnv {
		env = os.Environ()
	} else {
		for _, name := range r.opts.PassEnv {
			if v, ok := os.LookupEnv(name); ok {
				env = append(env, name+"="+v)
			}
		}
	}
	env = append(env, spec.Env...)
	return append(env,
		EnvSourcePath+"="+spec.Identity.SourcePath,
		EnvOutputPath+"="+spec.Identity.LogicalPath,
		EnvContentType+"="+spec.Identity.ContentType.MIME,
		"TMPDIR="+tmp,
		"TMP="+tmp,
		"TEMP="+tmp,
	)
}
