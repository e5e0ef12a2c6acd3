package policy

import (
	"context"
	"fmt"
)

// Engine is the interface for policy evaluation backends.
type Engine interface {
	// Evaluate checks a request against loaded policies and returns a verdict.
	Evaluate(ctx context.Context, input *EvalInput) (*EvalResult, error)

	// Reload reloads policies from the source (file, remote, etc.).
	Reload(ctx context.Context) error
}

// AllowAll admits every request.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, *EvalInput) (*EvalResult, error) {
	return &EvalResult{Verdict: VerdictAllow, Rule: "_allow_all"}, nil
}

func (AllowAll) Reload(context.Context) error { return nil }

// sizeLimit denies submissions larger than max before consulting next.
type sizeLimit struct {
	Engine
	max int
}

// WithMaxCodeSize wraps e so that submissions over max bytes are denied.
// A non-positive max returns e unchanged.
func WithMaxCodeSize(e Engine, max int) Engine {
	if max <= 0 {
		return e
	}
	return &sizeLimit{Engine: e, max: max}
}

func (s *sizeLimit) Evaluate(ctx context.Context, input *EvalInput) (*EvalResult, error) {
	if input.Action == ActionSubmit && input.CodeSize > s.max {
		return &EvalResult{
			Verdict: VerdictDeny,
			Rule:    "_max_code_size",
			Message: fmt.Sprintf("code is %d bytes, limit is %d", input.CodeSize, s.max),
		}, nil
	}
	return s.Engine.Evaluate(ctx, input)
}

// Finder reports the kind of secret found in text, if any.
type Finder interface {
	Find(text string) (string, bool)
}

type secretScan struct {
	Engine
	finder Finder
}

// WithSecretScan wraps e so that submissions whose code contains a
// credential are denied. A nil finder returns e unchanged.
func WithSecretScan(e Engine, f Finder) Engine {
	if f == nil {
		return e
	}
	return &secretScan{Engine: e, finder: f}
}

func (s *secretScan) Evaluate(ctx context.Context, input *EvalInput) (*EvalResult, error) {
	if input.Action == ActionSubmit {
		if name, ok := s.finder.Find(input.Code); ok {
			return &EvalResult{
				Verdict: VerdictDeny,
				Rule:    "_secret_scanner:" + name,
				Message: fmt.Sprintf("potential secret detected in code: %s pattern matched", name),
			}, nil
		}
	}
	return s.Engine.Evaluate(ctx, input)
}
