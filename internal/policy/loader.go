package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a YAML policy file.
func LoadFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates YAML policy data.
func LoadBytes(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}
	if err := validate(&pf); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Open loads an engine from path: Rego for .rego files, YAML rules
// otherwise.
func Open(path string) (Engine, error) {
	if filepath.Ext(path) == ".rego" {
		return NewOPAEngine(path)
	}
	return NewYAMLEngine(path)
}

var validFields = map[string]bool{
	"component": true, "version": true, "code": true, "audit_id": true, "_any_value": true,
}

func validate(pf *PolicyFile) error {
	if pf.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d (expected 1)", pf.Version)
	}

	// Admission is open unless configured otherwise.
	if pf.Settings.DefaultAction == "" {
		pf.Settings.DefaultAction = VerdictAllow
	}
	if pf.Settings.DefaultAction != VerdictAllow && pf.Settings.DefaultAction != VerdictDeny {
		return fmt.Errorf("invalid default action %q", pf.Settings.DefaultAction)
	}
	if pf.Settings.MaxCodeSize < 0 {
		return fmt.Errorf("max_code_size must not be negative")
	}

	for i, rule := range pf.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if rule.Action != string(VerdictAllow) && rule.Action != string(VerdictDeny) {
			return fmt.Errorf("rule %q: invalid action %q", rule.Name, rule.Action)
		}
		switch rule.Match.Action {
		case "", ActionSubmit, ActionPay:
		default:
			return fmt.Errorf("rule %q: unknown match.action %q", rule.Name, rule.Match.Action)
		}
		for key, fm := range rule.Match.Fields {
			if !validFields[key] {
				return fmt.Errorf("rule %q: unknown field %q", rule.Name, key)
			}
			if fm.Regex != "" {
				if _, err := regexp.Compile(fm.Regex); err != nil {
					return fmt.Errorf("rule %q: field %q regex invalid: %w", rule.Name, key, err)
				}
			}
		}
	}
	return nil
}
