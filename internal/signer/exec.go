package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	DefaultTimeout = 2 * time.Minute

	// maxOutput caps how much of each stream is kept for diagnostics.
	maxOutput = 64 * 1024
)

// DefaultCommand runs the isnad signing script without on-chain anchoring;
// anchoring is done by the gateway itself.
var DefaultCommand = []string{"python3", "isnad-sign.py", "{file}", "{component}", "--no-anchor"}

// ExecSigner runs an external signing tool as a subprocess.
type ExecSigner struct {
	command []string
	dir     string
	env     []string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an ExecSigner.
type Option func(*ExecSigner)

// WithDir sets the working directory of the tool.
func WithDir(dir string) Option {
	return func(s *ExecSigner) { s.dir = dir }
}

// WithEnv appends environment variables ("KEY=value") to the tool's
// environment.
func WithEnv(env ...string) Option {
	return func(s *ExecSigner) { s.env = append(s.env, env...) }
}

// WithTimeout bounds a single invocation.
func WithTimeout(d time.Duration) Option {
	return func(s *ExecSigner) { s.timeout = d }
}

// NewExecSigner creates a signer running command. Arguments may contain the
// placeholders {file}, {component}, {version} and {id}.
func NewExecSigner(command []string, logger *slog.Logger, opts ...Option) (*ExecSigner, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("signer command is empty")
	}
	s := &ExecSigner{
		command: append([]string(nil), command...),
		timeout: DefaultTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	return s, nil
}

// Sign runs the tool for one job and waits for it to exit.
func (s *ExecSigner) Sign(ctx context.Context, job Job) (*Output, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	args := s.expand(job)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(cmd.Environ(), s.env...)
	}
	// Don't wait forever on pipes held open by grandchildren after a kill.
	cmd.WaitDelay = time.Second

	var stdout, stderr limitedBuffer
	stdout.max, stderr.max = maxOutput, maxOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	s.logger.Debug("starting signer", "audit_id", job.AuditID, "command", args[0])
	err := cmd.Run()
	out := &Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &ExitError{Code: exitErr.ExitCode(), Stdout: out.Stdout, Stderr: out.Stderr}
		}
		return out, fmt.Errorf("running signer %q: %w", args[0], err)
	}
	return out, nil
}

func (s *ExecSigner) expand(job Job) []string {
	r := strings.NewReplacer(
		"{file}", job.SourcePath,
		"{component}", job.Component,
		"{version}", job.Version,
		"{id}", job.AuditID,
	)
	args := make([]string, len(s.command))
	for i, a := range s.command {
		args[i] = r.Replace(a)
	}
	return args
}

// limitedBuffer keeps the first max bytes written to it and discards the
// rest without failing the writer.
type limitedBuffer struct {
	bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.Buffer.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}
