package tools

import "regexp"

// Credential-shaped substrings get replaced before tool output reaches the
// model or the chat transcript. Patterns with capture groups keep the
// surrounding syntax and redact only the secret part.
var scrubRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bxox[bporsa]-[A-Za-z0-9-]{10,}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED]"},
	{regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`), "[REDACTED]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]{16,}`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"'&]{8,}`), "${1}${2}[REDACTED]"},
	{regexp.MustCompile(`(?i)\b(postgres|postgresql|mysql|redis|amqp|mongodb)(\+srv)?://[^@\s/]+@`), "${1}${2}://[REDACTED]@"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[REDACTED PRIVATE KEY]"},
}

// ScrubCredentials redacts API keys, tokens, connection-string passwords,
// and private key blocks from s.
func ScrubCredentials(s string) string {
	for _, rule := range scrubRules {
		s = rule.re.ReplaceAllString(s, rule.repl)
	}
	return s
}
