// Package secret detects and masks credentials in text.
package secret

import (
	"regexp"
)

// Mask replaces a detected secret.
const Mask = "[REDACTED]"

// Pattern is a named regex for one kind of secret.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
}

// DefaultPatterns returns the built-in set of secret detection patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Name: "aws_access_key", Regex: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{Name: "github_token", Regex: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`)},
		{Name: "github_pat_fine", Regex: regexp.MustCompile(`github_pat_[A-Za-z0-9_]{22,255}`)},
		{Name: "private_key", Regex: regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY(?: BLOCK)?-----|\z)`)},
		{Name: "wallet_key", Regex: regexp.MustCompile(`(?i)"?private_?key"?\s*[=:]\s*"?(?:0x)?[0-9a-f]{64}"?`)},
		{Name: "alchemy_url", Regex: regexp.MustCompile(`(alchemy\.com/v2/)[A-Za-z0-9_\-]{16,}`)},
		{Name: "generic_api_key", Regex: regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api_secret)['":\s]*[=:]\s*['"]?[A-Za-z0-9\-_]{20,60}['"]?`)},
		{Name: "generic_secret", Regex: regexp.MustCompile(`(?i)(?:secret|password|passwd|passphrase|auth_token|access_token|bearer)['":\s]*[=:]\s*['"]?[A-Za-z0-9\-_!@#$%^&*]{8,100}['"]?`)},
		{Name: "slack_token", Regex: regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}[a-zA-Z0-9-]*`)},
		{Name: "stripe_key", Regex: regexp.MustCompile(`(?:sk|pk)_(?:live|test)_[A-Za-z0-9]{20,100}`)},
		{Name: "google_api_key", Regex: regexp.MustCompile(`AIza[A-Za-z0-9\-_]{35}`)},
		{Name: "jwt_token", Regex: regexp.MustCompile(`eyJ[A-Za-z0-9-_]+\.eyJ[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+`)},
	}
}

// Scanner finds secrets by pattern.
type Scanner struct {
	patterns []Pattern
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPatterns sets custom secret patterns (replaces defaults).
func WithPatterns(patterns []Pattern) Option {
	return func(s *Scanner) {
		s.patterns = patterns
	}
}

// NewScanner creates a scanner with the default patterns.
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{patterns: DefaultPatterns()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Find returns the name of the first pattern matching text.
func (s *Scanner) Find(text string) (string, bool) {
	for _, p := range s.patterns {
		if p.Regex.MatchString(text) {
			return p.Name, true
		}
	}
	return "", false
}

// Redact masks every match in text. The Alchemy key is masked but the
// host part of the URL kept.
func (s *Scanner) Redact(text string) string {
	for _, p := range s.patterns {
		if p.Name == "alchemy_url" {
			text = p.Regex.ReplaceAllString(text, "${1}"+Mask)
			continue
		}
		text = p.Regex.ReplaceAllLiteralString(text, Mask)
	}
	return text
}

var defaultScanner = NewScanner()

// Redact masks secrets in text using the default patterns.
func Redact(text string) string {
	return defaultScanner.Redact(text)
}
