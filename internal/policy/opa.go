package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
)

// Rego admission policies live in this package and must define verdict.
// rule_name and message are optional.
const (
	regoPackage = "data.isnad.admission"
	regoModule  = "admission.rego"
)

// OPAEngine evaluates admission with an embedded Rego policy.
//
// The policy sees the request as input.action ("submit" or "pay"),
// input.audit_id, input.component, input.version, input.code and
// input.code_size. A verdict other than "allow" denies.
type OPAEngine struct {
	mu    sync.RWMutex
	path  string
	query rego.PreparedEvalQuery
}

// NewOPAEngine compiles the policy at path.
func NewOPAEngine(path string) (*OPAEngine, error) {
	e := &OPAEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewOPAEngineFromSource compiles Rego source.
func NewOPAEngineFromSource(source string) (*OPAEngine, error) {
	query, err := compile(source)
	if err != nil {
		return nil, err
	}
	return &OPAEngine{query: query}, nil
}

// regoDecision is the document the policy package evaluates to.
type regoDecision struct {
	Verdict  Verdict `json:"verdict"`
	RuleName string  `json:"rule_name"`
	Message  string  `json:"message"`
}

func (e *OPAEngine) Evaluate(ctx context.Context, input *EvalInput) (*EvalResult, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating admission policy: %w", err)
	}

	var d regoDecision
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		raw, err := json.Marshal(rs[0].Expressions[0].Value)
		if err != nil {
			return nil, fmt.Errorf("encoding policy decision: %w", err)
		}
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decoding policy decision: %w", err)
		}
	}

	res := &EvalResult{Verdict: VerdictDeny, Rule: d.RuleName, Message: d.Message}
	if d.Verdict == VerdictAllow {
		res.Verdict = VerdictAllow
	}
	return res, nil
}

// Reload recompiles the policy file. The previous policy stays active if
// the new one does not compile.
func (e *OPAEngine) Reload(ctx context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading Rego policy: %w", err)
	}
	query, err := compile(string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", e.path, err)
	}

	e.mu.Lock()
	e.query = query
	e.mu.Unlock()
	return nil
}

func compile(source string) (rego.PreparedEvalQuery, error) {
	mod, err := ast.ParseModuleWithOpts(regoModule, source, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("parsing Rego policy: %w", err)
	}
	if got := mod.Package.Path.String(); got != regoPackage {
		return rego.PreparedEvalQuery{}, fmt.Errorf("Rego policy declares package %s, expected %s", got, regoPackage)
	}
	if !definesRule(mod, "verdict") {
		return rego.PreparedEvalQuery{}, errors.New("Rego policy does not define verdict")
	}

	return rego.New(
		rego.Query(regoPackage),
		rego.Module(regoModule, source),
		rego.Store(inmem.New()),
	).PrepareForEval(context.Background())
}

func definesRule(mod *ast.Module, name string) bool {
	for _, r := range mod.Rules {
		if r.Head.Ref().String() == name {
			return true
		}
	}
	return false
}
