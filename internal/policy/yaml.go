package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// YAMLEngine implements first-match-wins policy evaluation using YAML rules.
type YAMLEngine struct {
	mu   sync.RWMutex
	file *PolicyFile
	path string

	// compiled regex cache
	regexCache map[string]*regexp.Regexp
}

// NewYAMLEngine creates a new YAML policy engine from a file path.
func NewYAMLEngine(path string) (*YAMLEngine, error) {
	e := &YAMLEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewYAMLEngineFromPolicy creates a new YAML policy engine from an already-loaded policy.
func NewYAMLEngineFromPolicy(pf *PolicyFile) (*YAMLEngine, error) {
	if err := validate(pf); err != nil {
		return nil, err
	}
	e := &YAMLEngine{
		file:       pf,
		regexCache: make(map[string]*regexp.Regexp),
	}
	if err := e.compileRegexes(); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate checks the input against rules in order, returning the first match.
func (e *YAMLEngine) Evaluate(_ context.Context, input *EvalInput) (*EvalResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if max := e.file.Settings.MaxCodeSize; max > 0 && input.Action == ActionSubmit && input.CodeSize > max {
		return &EvalResult{
			Verdict: VerdictDeny,
			Rule:    "_max_code_size",
			Message: fmt.Sprintf("code is %d bytes, limit is %d", input.CodeSize, max),
		}, nil
	}

	for i := range e.file.Rules {
		rule := &e.file.Rules[i]
		if e.matches(rule, input) {
			return &EvalResult{
				Verdict: Verdict(rule.Action),
				Rule:    rule.Name,
				Message: rule.Message,
			}, nil
		}
	}

	return &EvalResult{
		Verdict: e.file.Settings.DefaultAction,
		Rule:    "_default",
		Message: "no matching rule; default action applied",
	}, nil
}

// Reload re-reads the policy file from disk.
func (e *YAMLEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	pf, err := LoadFile(e.path)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.file = pf
	e.regexCache = make(map[string]*regexp.Regexp)
	return e.compileRegexes()
}

// Policy returns the currently loaded policy.
func (e *YAMLEngine) Policy() *PolicyFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.file
}

func (e *YAMLEngine) compileRegexes() error {
	for _, rule := range e.file.Rules {
		for key, fm := range rule.Match.Fields {
			if fm.Regex != "" {
				re, err := regexp.Compile(fm.Regex)
				if err != nil {
					return fmt.Errorf("rule %q field %q: %w", rule.Name, key, err)
				}
				e.regexCache[rule.Name+":"+key] = re
			}
		}
	}
	return nil
}

func (e *YAMLEngine) matches(rule *Rule, input *EvalInput) bool {
	if rule.Match.Action != "" && rule.Match.Action != input.Action {
		return false
	}
	if rule.Match.Component != "" && rule.Match.Component != input.Component {
		return false
	}

	for key, fm := range rule.Match.Fields {
		if key == "_any_value" {
			if !e.matchAnyField(rule.Name, key, fm, input) {
				return false
			}
			continue
		}
		val, ok := input.field(key)
		if !ok || !e.matchField(rule.Name, key, fm, val) {
			return false
		}
	}
	return true
}

func (e *YAMLEngine) matchAnyField(ruleName, key string, fm FieldMatch, input *EvalInput) bool {
	for _, v := range []string{input.Component, input.Version, input.Code} {
		if e.matchField(ruleName, key, fm, v) {
			return true
		}
	}
	return false
}

func (e *YAMLEngine) matchField(ruleName, key string, fm FieldMatch, val string) bool {
	if fm.Exact != "" {
		return val == fm.Exact
	}
	if fm.Regex != "" {
		re, ok := e.regexCache[ruleName+":"+key]
		if !ok {
			return false
		}
		return re.MatchString(val)
	}
	return true
}
