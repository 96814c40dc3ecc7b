// Package sandbox compiles and runs submitted code in isolated working
// directories under wall-time, memory and output-size limits.
package sandbox

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

	"github.com/sirupsen/logrus"

	"github.com/codearena/codearena/internal/concurrency"
	"github.com/codearena/codearena/internal/models"
)

// Outcome tags a single sandbox run.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeTLE        Outcome = "tle"
	OutcomeMLE        Outcome = "mle"
	OutcomeRTE        Outcome = "rte"
	OutcomeOOM        Outcome = "oom"
	OutcomeKilled     Outcome = "killed"
	OutcomeSpawnError Outcome = "spawn_error"
)

// ErrCompilationFailed reports a nonzero compiler exit or compile timeout.
var ErrCompilationFailed = errors.New("sandbox: compilation failed")

// Config holds executor settings.
type Config struct {
	CompileTimeout time.Duration
	MaxOutputBytes int64
	MaxConcurrent  int
	WorkDir        string
}

// DefaultConfig returns executor defaults.
func DefaultConfig() *Config {
	return &Config{
		CompileTimeout: 30 * time.Second,
		MaxOutputBytes: 10 * 1024 * 1024,
		MaxConcurrent:  4,
		WorkDir:        os.TempDir(),
	}
}

// Artifact is the handle to a compiled (or staged, for interpreted
// languages) submission, rooted in its private working directory.
type Artifact struct {
	Dir      string
	Language models.Language
}

// Cleanup removes the working directory and everything in it.
func (a *Artifact) Cleanup() {
	if a != nil && a.Dir != "" {
		_ = os.RemoveAll(a.Dir)
	}
}

// CompileResult reports the outcome of the compile step.
type CompileResult struct {
	OK        bool
	Artifact  *Artifact
	CompileMs int64
	Stderr    string
}

// Limits bound a single run.
type Limits struct {
	WallTimeMs     int
	MemoryMB       int
	StdoutCapBytes int64
}

// RunResult reports a single execution against one input.
type RunResult struct {
	ExitCode       int
	Stdout         string
	Stderr         string
	WallMs         int64
	CPUMs          int64
	MemPeakMB      float64
	OverheadMs     int64
	Signal         string
	Outcome        Outcome
	OutputOverflow bool
}

// NetMs returns wall time minus estimated startup overhead, floored at zero.
func (r *RunResult) NetMs() int64 {
	net := r.WallMs - r.OverheadMs
	if net < 0 {
		return 0
	}
	return net
}

// Executor runs submissions in fresh isolated directories. It is safe for
// concurrent use; a semaphore caps concurrent process spawns.
type Executor struct {
	config *Config
	sem    *concurrency.Semaphore
	logger *logrus.Logger
}

// NewExecutor creates a sandbox executor.
func NewExecutor(config *Config, logger *logrus.Logger) *Executor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	return &Executor{
		config: config,
		sem:    concurrency.NewSemaphore(config.MaxConcurrent),
		logger: logger,
	}
}

// Compile writes the source into a fresh working directory and compiles it.
// Interpreted languages skip the compiler invocation but still stage the
// source. On failure the working directory is destroyed before returning.
func (e *Executor) Compile(ctx context.Context, source []byte, lang models.Language) (*CompileResult, error) {
	spec, err := specFor(lang)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release()

	dir, err := os.MkdirTemp(e.config.WorkDir, "judge-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create workdir: %w", err)
	}
	artifact := &Artifact{Dir: dir, Language: lang}

	if err := os.WriteFile(dir+"/"+spec.SourceFile, source, 0o644); err != nil {
		artifact.Cleanup()
		return nil, fmt.Errorf("sandbox: write source: %w", err)
	}

	if len(spec.CompileArgs) == 0 {
		return &CompileResult{OK: true, Artifact: artifact}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.config.CompileTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, spec.CompileArgs[0], spec.CompileArgs[1:]...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		artifact.Cleanup()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sandbox: compile interrupted: %w", ctx.Err())
		}
		msg := stderr.String()
		if cctx.Err() != nil {
			msg = "compilation timed out after " + e.config.CompileTimeout.String()
		}
		return &CompileResult{OK: false, CompileMs: elapsed, Stderr: truncate(msg, 64*1024)}, nil
	}

	return &CompileResult{OK: true, Artifact: artifact, CompileMs: elapsed}, nil
}

// capWriter stores output up to a cap and flags overflow. On overflow the
// kill callback terminates the producing process.
type capWriter struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	cap      int64
	written  int64
	overflow bool
	kill     func()
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written += int64(len(p))
	if w.written > w.cap {
		if !w.overflow {
			w.overflow = true
			if w.kill != nil {
				w.kill()
			}
		}
		// Report success so the pipe copier does not error out before
		// the process dies.
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *capWriter) Overflowed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.overflow
}

// Run executes a compiled artifact against one input under limits. The wall
// limit is scaled by the language multiplier before enforcement.
func (e *Executor) Run(ctx context.Context, artifact *Artifact, stdin []byte, limits Limits) (*RunResult, error) {
	spec, err := specFor(artifact.Language)
	if err != nil {
		return nil, err
	}

	if err := e.sem.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.sem.Release()

	wallBudget := time.Duration(float64(limits.WallTimeMs)*spec.WallMultiplier) * time.Millisecond
	if wallBudget <= 0 {
		wallBudget = time.Second
	}
	stdoutCap := limits.StdoutCapBytes
	if stdoutCap <= 0 {
		stdoutCap = e.config.MaxOutputBytes
	}

	rctx, cancel := context.WithTimeout(ctx, wallBudget)
	defer cancel()

	args := make([]string, len(spec.RunArgs))
	for i, a := range spec.RunArgs {
		args[i] = strings.ReplaceAll(a, "{mem}", fmt.Sprintf("%d", limits.MemoryMB))
	}

	cmd := exec.CommandContext(rctx, args[0], args[1:]...)
	cmd.Dir = artifact.Dir
	cmd.Stdin = bytes.NewReader(stdin)
	setProcessGroup(cmd)

	stdout := &capWriter{cap: stdoutCap}
	stderr := &capWriter{cap: 64 * 1024}
	stdout.kill = func() { killProcessGroup(cmd) }
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.logger.WithError(err).Warn("Sandbox failed to spawn process")
		return &RunResult{Outcome: OutcomeSpawnError, ExitCode: -1}, nil
	}
	waitErr := cmd.Wait()
	wallMs := time.Since(start).Milliseconds()
	// Child processes in the group are gone with the leader on all exit
	// paths; the directory itself is cleaned up by the artifact owner.
	killProcessGroup(cmd)

	result := &RunResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		WallMs:     wallMs,
		OverheadMs: spec.StartupOverheadMs,
	}

	cpuMs, memMB := usageOf(cmd)
	result.CPUMs = cpuMs
	result.MemPeakMB = memMB

	if state := cmd.ProcessState; state != nil {
		result.ExitCode = state.ExitCode()
		if sig, ok := exitSignal(state); ok {
			result.Signal = sig
		}
	}

	switch {
	case ctx.Err() != nil:
		// The caller gave up (worker shutdown or eviction); the kill is
		// not the submission's fault.
		result.Outcome = OutcomeKilled
	case rctx.Err() == context.DeadlineExceeded:
		result.Outcome = OutcomeTLE
	case stdout.Overflowed():
		result.Outcome = OutcomeRTE
		result.OutputOverflow = true
	case limits.MemoryMB > 0 && result.MemPeakMB > float64(limits.MemoryMB):
		result.Outcome = OutcomeMLE
	case result.Signal == "SIGKILL":
		// The kernel OOM killer sends SIGKILL without our involvement.
		result.Outcome = OutcomeOOM
	case waitErr != nil || result.ExitCode != 0:
		result.Outcome = OutcomeRTE
	default:
		result.Outcome = OutcomeOK
	}

	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
