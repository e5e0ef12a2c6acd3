package policy

// Verdict is the outcome of an admission check.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictDeny  Verdict = "deny"
)

// Actions an admission check is made for.
const (
	ActionSubmit = "submit"
	ActionPay    = "pay"
)

// PolicyFile represents the admission policy configuration.
type PolicyFile struct {
	Version  int      `yaml:"version" json:"version"`
	Settings Settings `yaml:"settings" json:"settings"`
	Rules    []Rule   `yaml:"rules" json:"rules"`
}

// Settings contains global policy settings.
type Settings struct {
	DefaultAction Verdict `yaml:"default_action" json:"default_action"`

	// MaxCodeSize rejects submissions with more bytes of code; zero means
	// no limit.
	MaxCodeSize int `yaml:"max_code_size,omitempty" json:"max_code_size,omitempty"`
}

// Rule represents a single policy rule.
type Rule struct {
	Name    string    `yaml:"name" json:"name"`
	Match   RuleMatch `yaml:"match" json:"match"`
	Action  string    `yaml:"action" json:"action"`
	Message string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// RuleMatch specifies conditions for matching a request.
type RuleMatch struct {
	Action    string                `yaml:"action,omitempty" json:"action,omitempty"`
	Component string                `yaml:"component,omitempty" json:"component,omitempty"`
	Fields    map[string]FieldMatch `yaml:"fields,omitempty" json:"fields,omitempty"`
}

// FieldMatch specifies a matching condition for one request field
// ("component", "version" or "code").
type FieldMatch struct {
	Exact string `yaml:"exact,omitempty" json:"exact,omitempty"`
	Regex string `yaml:"regex,omitempty" json:"regex,omitempty"`
}

// EvalInput is the input to a policy engine evaluation.
type EvalInput struct {
	Action    string `json:"action"`
	AuditID   string `json:"audit_id"`
	Component string `json:"component"`
	Version   string `json:"version"`
	Code      string `json:"code"`
	CodeSize  int    `json:"code_size"`
}

func (in *EvalInput) field(name string) (string, bool) {
	switch name {
	case "component":
		return in.Component, true
	case "version":
		return in.Version, true
	case "code":
		return in.Code, true
	case "audit_id":
		return in.AuditID, true
	}
	return "", false
}

// EvalResult is the output of a policy engine evaluation.
type EvalResult struct {
	Verdict Verdict `json:"verdict"`
	Rule    string  `json:"rule,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Allowed reports whether the request may proceed.
func (r *EvalResult) Allowed() bool {
	return r.Verdict == VerdictAllow
}
