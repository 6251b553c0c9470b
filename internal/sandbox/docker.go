package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"baagent/internal/config"
	"baagent/internal/logging"
)

// dockerRunner launches one fresh container per call through the
// docker CLI. --rm guarantees removal on every exit path; the CLI is
// preferred over the daemon SDK so the runtime has no client library
// version coupling.
type dockerRunner struct {
	dockerPath string
	available  bool
	cfg        config.DockerConfig
	log        *logging.Logger
}

// runSpec is one container invocation.
type runSpec struct {
	argv        []string // command inside the container
	memoryLimit string   // e.g. "128m"
	workspace   string   // host dir mounted read-only at /work, "" = none
	stdin       string
	timeout     time.Duration
}

// runResult is the raw container outcome.
type runResult struct {
	stdout   string
	stderr   string
	exitCode int
	killed   bool // timeout or cancellation
	duration time.Duration
}

func newDockerRunner(cfg config.DockerConfig) *dockerRunner {
	r := &dockerRunner{cfg: cfg, log: logging.Get(logging.CategorySandbox)}
	path, err := exec.LookPath("docker")
	if err != nil {
		r.log.Warn("docker binary not found, sandbox unavailable")
		return r
	}
	r.dockerPath = path

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, path, "version", "--format", "{{.Server.Version}}").Run(); err != nil {
		r.log.Warn("docker daemon not responding: %v", err)
		return r
	}
	r.available = true
	return r
}

func (r *dockerRunner) Available() bool { return r.available }

// maxCaptureBytes bounds in-memory stdout/stderr capture per stream.
const maxCaptureBytes = 4 << 20

func (r *dockerRunner) run(ctx context.Context, spec runSpec) (*runResult, error) {
	if !r.available {
		return nil, fmt.Errorf("docker is not available")
	}

	args := r.buildArgs(spec)
	timeout := spec.timeout
	if timeout <= 0 {
		timeout = time.Duration(r.cfg.TimeoutSeconds) * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, r.dockerPath, args...)
	if spec.stdin != "" {
		cmd.Stdin = bytes.NewReader([]byte(spec.stdin))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, max: maxCaptureBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, max: maxCaptureBytes}

	start := time.Now()
	err := cmd.Run()
	res := &runResult{
		stdout:   stdout.String(),
		stderr:   stderr.String(),
		duration: time.Since(start),
	}

	switch {
	case execCtx.Err() != nil:
		// Timeout or ambient cancellation: CommandContext killed the CLI
		// and --rm reaps the container.
		res.killed = true
		res.exitCode = -1
		return res, execCtx.Err()
	case err == nil:
		res.exitCode = 0
		return res, nil
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.exitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, err
	}
}

// buildArgs assembles the docker run invocation: ephemeral container,
// resource caps, network off by default, workspace mounted read-only.
func (r *dockerRunner) buildArgs(spec runSpec) []string {
	args := []string{"run", "--rm"}

	if r.cfg.NetworkDisabled {
		args = append(args, "--network", "none")
	}
	memory := spec.memoryLimit
	if memory == "" {
		memory = r.cfg.MemoryLimit
	}
	if memory != "" {
		args = append(args, "--memory", memory)
	}
	if r.cfg.CPULimit > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(r.cfg.CPULimit, 'f', -1, 64))
	}
	args = append(args, "--security-opt", "no-new-privileges")
	args = append(args, "--read-only", "--tmpfs", "/tmp:size=64m")

	if spec.workspace != "" {
		args = append(args, "-v", spec.workspace+":/work:ro", "-w", "/work")
	}
	if spec.stdin != "" {
		args = append(args, "-i")
	}

	args = append(args, r.cfg.Image)
	args = append(args, spec.argv...)
	return args
}

// limitedWriter caps captured output, discarding the overflow.
type limitedWriter struct {
	w         io.Writer
	max       int
	written   int
	truncated bool
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	orig := len(p)
	if l.written >= l.max {
		l.truncated = true
		return orig, nil
	}
	if room := l.max - l.written; len(p) > room {
		l.truncated = true
		p = p[:room]
	}
	n, err := l.w.Write(p)
	l.written += n
	if err != nil {
		return n, err
	}
	return orig, nil
}
