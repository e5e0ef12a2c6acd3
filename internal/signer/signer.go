// Package signer invokes the external tool that turns source code into a
// signed audit certificate.
package signer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTimeout is returned when the tool did not finish in time.
var ErrTimeout = errors.New("signer timed out")

// Job describes one signing run.
type Job struct {
	AuditID    string
	SourcePath string
	Component  string
	Version    string
}

// Output is what the tool wrote to its standard streams.
type Output struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Signer produces a certificate file next to the job's source file.
type Signer interface {
	Sign(ctx context.Context, job Job) (*Output, error)
}

// ExitError is returned when the tool exits with a non-zero status.
type ExitError struct {
	Code   int
	Stdout string
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("signer exited with status %d", e.Code)
}

// Diagnostic returns the tool's own explanation of the failure.
func (e *ExitError) Diagnostic() string {
	if s := strings.TrimSpace(e.Stderr); s != "" {
		return s
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		return s
	}
	return e.Error()
}
