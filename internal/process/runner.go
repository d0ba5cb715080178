package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailLimit = 4096

// Runner executes external commands.
type Runner interface {
	// Run executes the command in dir and returns an error on non-zero exit.
	Run(ctx context.Context, dir, name string, args ...string) error
	// Output executes the command and returns its stdout.
	Output(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// CommandError reports a command that could not start or exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := "command failed: " + e.Command
	if e.ExitCode > 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Exec runs commands as child processes and mirrors their output into the log.
type Exec struct {
	logger *slog.Logger
	env    []string
}

// New constructs an Exec runner.
func New(logger *slog.Logger, extraEnv ...string) *Exec {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{logger: logger, env: extraEnv}
}

var _ Runner = (*Exec)(nil)

func (e *Exec) Run(ctx context.Context, dir, name string, args ...string) error {
	_, err := e.run(ctx, dir, false, name, args...)
	return err
}

func (e *Exec) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return e.run(ctx, dir, true, name, args...)
}

func (e *Exec) run(ctx context.Context, dir string, capture bool, name string, args ...string) ([]byte, error) {
	command := strings.TrimSpace(name + " " + strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), e.env...)

	var stdout bytes.Buffer
	stderr := &tailBuffer{limit: stderrTailLimit}
	outLog := &lineLogger{logger: e.logger, stream: "stdout", command: name}
	errLog := &lineLogger{logger: e.logger, stream: "stderr", command: name}
	if capture {
		cmd.Stdout = &stdout
	} else {
		cmd.Stdout = outLog
	}
	cmd.Stderr = io.MultiWriter(stderr, errLog)

	e.logger.Debug("running command", "command", command, "dir", dir)
	err := cmd.Run()
	outLog.flush()
	errLog.flush()
	if err != nil {
		cmdErr := &CommandError{Command: command, Stderr: strings.TrimSpace(stderr.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			cmdErr.ExitCode = exitErr.ExitCode()
		}
		return nil, cmdErr
	}
	return stdout.Bytes(), nil
}

// lineLogger splits written output into lines and logs each one.
type lineLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	stream  string
	command string
	partial []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	consumed := 0
	for {
		idx := bytes.IndexByte(l.partial[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(l.partial[consumed:consumed+idx]), "\r")
		consumed += idx + 1
		if line != "" {
			l.logger.Info("command output", "command", l.command, "stream", l.stream, "line", line)
		}
	}
	l.partial = append(l.partial[:0], l.partial[consumed:]...)
	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if line := strings.TrimSpace(string(l.partial)); line != "" {
		l.logger.Info("command output", "command", l.command, "stream", l.stream, "line", line)
	}
	l.partial = nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
