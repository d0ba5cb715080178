// Package build runs the external image builder against a workspace.
package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/splax/kubeploy/internal/domain"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/metrics"
)

const (
	stdoutPrefix   = "[BUILD] "
	stderrPrefix   = "[BUILD-ERR] "
	killGrace      = 5 * time.Second
	defaultLogSize = 256 * 1024
)

var imageNameExpr = regexp.MustCompile(`[^a-z0-9._/-]+`)

// BuildTimeoutError reports a builder killed for exceeding its budget.
type BuildTimeoutError struct {
	Timeout time.Duration
}

func (e *BuildTimeoutError) Error() string {
	return fmt.Sprintf("build cancelled due to timeout after %s", e.Timeout)
}

// BuildFailureError reports a builder that exited non-zero.
type BuildFailureError struct {
	ExitCode int
}

func (e *BuildFailureError) Error() string {
	return fmt.Sprintf("build failed with exit code %d", e.ExitCode)
}

// Result is the outcome of one build. Status is SUCCESS, FAILED or CANCELLED.
type Result struct {
	Status   domain.BuildStatus
	Logs     string
	ImageTag string
	Duration time.Duration
	Err      error
}

// Config tunes the executor.
type Config struct {
	// Bin is the builder executable, invoked as `<Bin> build <dir> --name <tag>`.
	Bin      string
	LogLimit int
}

// Executor spawns builder processes. It holds no per-build state and may be
// used concurrently.
type Executor struct {
	cfg    Config
	logs   logstream.Sender
	logger *slog.Logger

	builds   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New constructs an Executor.
func New(cfg Config, logs logstream.Sender, logger *slog.Logger) *Executor {
	if cfg.Bin == "" {
		cfg.Bin = "nixpacks"
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = defaultLogSize
	}
	return &Executor{
		cfg:      cfg,
		logs:     logs,
		logger:   logger,
		builds:   metrics.NewCounterVec("build", "builds_total", "Builds by terminal status", "status"),
		duration: metrics.NewHistogramVec("build", "duration_seconds", "Build wall-clock duration", prometheus.ExponentialBuckets(5, 2, 8), "status"),
	}
}

// Tag derives a unique image tag from imageName.
func Tag(imageName string) string {
	name := strings.Trim(imageNameExpr.ReplaceAllString(strings.ToLower(imageName), "-"), "-./")
	if name == "" {
		name = "app"
	}
	return name + ":" + uuid.NewString()[:8]
}

// Build runs the builder in workspace. The process is bound to its own
// timeout rather than ctx, so a caller going away does not abort a build.
func (e *Executor) Build(_ context.Context, sessionID, workspace, imageName string, timeout time.Duration) Result {
	tag := Tag(imageName)
	start := time.Now()
	res := e.run(sessionID, workspace, tag, timeout)
	res.ImageTag = tag
	res.Duration = time.Since(start)
	e.builds.WithLabelValues(string(res.Status)).Inc()
	e.duration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())
	e.logger.Info("build finished", "session_id", sessionID, "image", tag, "status", res.Status, "duration_ms", res.Duration.Milliseconds())
	return res
}

func (e *Executor) run(sessionID, workspace, tag string, timeout time.Duration) Result {
	logs := newLogBuffer(e.cfg.LogLimit)

	cmd := exec.Command(e.cfg.Bin, "build", workspace, "--name", tag)
	cmd.Dir = workspace
	isolate(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failed(err)
	}
	if err := cmd.Start(); err != nil {
		return failed(err)
	}

	var drain errgroup.Group
	drain.Go(func() error { return e.pump(sessionID, stdout, stdoutPrefix, logs) })
	drain.Go(func() error { return e.pump(sessionID, stderr, stderrPrefix, logs) })

	done := make(chan error, 1)
	go func() {
		// Pipes must be drained before Wait closes them.
		drainErr := drain.Wait()
		waitErr := cmd.Wait()
		if waitErr == nil {
			waitErr = drainErr
		}
		done <- waitErr
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case err := <-done:
		return finished(err, logs)
	case <-timer:
	}

	if err := kill(cmd); err != nil {
		e.logger.Warn("kill builder failed", "session_id", sessionID, "error", err)
	}
	select {
	case <-done:
	case <-time.After(killGrace):
		e.logger.Error("builder did not exit after kill", "session_id", sessionID, "pid", cmd.Process.Pid)
	}
	logs.WriteLine("Build cancelled due to timeout")
	e.logs.Send(sessionID, logstream.KindDeploy, "Build cancelled due to timeout")
	return Result{Status: domain.BuildCancelled, Logs: logs.String(), Err: &BuildTimeoutError{Timeout: timeout}}
}

func (e *Executor) pump(sessionID string, r io.Reader, prefix string, logs *logBuffer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := prefix + scanner.Text()
		logs.WriteLine(line)
		e.logger.Debug("build output", "session_id", sessionID, "line", line)
		e.logs.Send(sessionID, logstream.KindDeploy, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func finished(err error, logs *logBuffer) Result {
	if err == nil {
		return Result{Status: domain.BuildSuccess, Logs: logs.String()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Result{Status: domain.BuildFailed, Logs: logs.String(), Err: &BuildFailureError{ExitCode: exitErr.ExitCode()}}
	}
	logs.WriteLine(err.Error())
	return Result{Status: domain.BuildFailed, Logs: logs.String(), Err: err}
}

func failed(err error) Result {
	return Result{Status: domain.BuildFailed, Logs: err.Error(), Err: err}
}

// logBuffer keeps the tail of the build output within a byte budget.
type logBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newLogBuffer(limit int) *logBuffer {
	return &logBuffer{limit: limit}
}

func (b *logBuffer) WriteLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, line...)
	b.buf = append(b.buf, '\n')
	if over := len(b.buf) - b.limit; over > 0 {
		cut := over
		if nl := indexByteFrom(b.buf, '\n', over); nl >= 0 {
			cut = nl + 1
		}
		b.buf = append(b.buf[:0], b.buf[cut:]...)
		b.truncated = true
	}
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return "[log truncated]\n" + string(b.buf)
	}
	return string(b.buf)
}

func indexByteFrom(buf []byte, c byte, from int) int {
	for i := from; i < len(buf); i++ {
		if buf[i] == c {
			return i
		}
	}
	return -1
}
