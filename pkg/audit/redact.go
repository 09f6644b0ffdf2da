package audit

import (
	"regexp"
)

// redactRule pairs a pattern with the label stamped into its replacement.
type redactRule struct {
	label   string
	pattern *regexp.Regexp
}

// Rules run in declaration order: documents carrying both an SSN and a card
// number redact the SSN first so the looser card pattern cannot swallow it.
// Replacement tokens never re-match any rule, which makes redaction
// idempotent.
var defaultRedactRules = []redactRule{
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"credit_card", regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`)},
	{"email", regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`)},
	{"phone", regexp.MustCompile(`(\+\d{1,2}\s?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
	{"api_key", regexp.MustCompile(`\b(?:sk|pk|rk|api|key|token)[-_][A-Za-z0-9_-]{16,}\b`)},
}

// Redactor strips sensitive substrings from the free-text fields of audit
// events while leaving identifiers, decisions, and timestamps intact, so a
// redacted trail still reconstructs who did what and when.
type Redactor struct {
	rules []redactRule
}

// NewRedactor returns a redactor covering SSNs, card numbers, email
// addresses, phone numbers, and API-key-shaped tokens.
func NewRedactor() *Redactor {
	return &Redactor{rules: defaultRedactRules}
}

// Redact replaces every sensitive substring with a [REDACTED:<type>] token.
func (r *Redactor) Redact(text string) string {
	for _, rule := range r.rules {
		text = rule.pattern.ReplaceAllString(text, "[REDACTED:"+rule.label+"]")
	}
	return text
}

// RedactEvent redacts the Text and Reason fields of an event and returns the
// result. All other fields pass through unchanged.
func (r *Redactor) RedactEvent(e Event) Event {
	if e.Text != "" {
		e.Text = r.Redact(e.Text)
	}
	if e.Reason != "" {
		e.Reason = r.Redact(e.Reason)
	}
	return e
}
