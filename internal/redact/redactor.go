// Package redact masks secrets in invocation parameters and tool output.
//
// Redaction runs in two passes: keyword adjacency (map keys, and key=value
// or key: value pairs in free text) followed by the pattern table. The
// passes repeat until the text stops changing, so the result is a fixed
// point and Redact(Redact(x)) == Redact(x).
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// Style selects how a detected secret is masked.
type Style string

const (
	// StyleFull replaces the secret with the placeholder.
	StyleFull Style = "full"
	// StyleHint keeps the first and last two characters around "***".
	StyleHint Style = "hint"
)

// Scope says which parts of an invocation a tool wants redacted.
type Scope string

const (
	ScopeNone      Scope = "none"
	ScopeArguments Scope = "arguments"
	ScopeOutput    Scope = "output"
	ScopeBoth      Scope = "both"
)

// ParseScope accepts the registry spelling of a scope. Empty means both.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeBoth:
		return ScopeBoth, nil
	case ScopeNone:
		return ScopeNone, nil
	case ScopeArguments:
		return ScopeArguments, nil
	case ScopeOutput:
		return ScopeOutput, nil
	}
	return "", fmt.Errorf("unknown redaction scope %q", s)
}

func (s Scope) arguments() bool { return s == ScopeArguments || s == ScopeBoth }
func (s Scope) output() bool    { return s == ScopeOutput || s == ScopeBoth }

const (
	DefaultPlaceholder = "[REDACTED]"
	hintKeep           = 2
	hintMinLen         = 8
)

// maxPasses bounds the fixed-point loop. Text that is still changing after
// this many rounds is withheld as a whole.
const maxPasses = 4

var (
	hintShape = regexp.MustCompile(`^.{0,2}\*{3}.{0,2}$`)
	typeHint  = regexp.MustCompile(`^<redacted(:[a-z]+)?>$`)
	// key, separator, opening quote, optional auth scheme, value
	keyValue  = regexp.MustCompile(`(?i)([A-Za-z0-9_.\-]+)(["']?\s*[=:]\s*)(["']?)((?:bearer|basic|token)\s+)?([^\s"'&,;]+)`)
)

// Options configures a Redactor.
type Options struct {
	Style       Style
	Placeholder string
}

// Redactor applies a rule table. It is immutable and safe for concurrent use.
type Redactor struct {
	rules       *Rules
	style       Style
	placeholder string
}

// New creates a Redactor. A nil rule table means the embedded defaults.
func New(rules *Rules, opts Options) *Redactor {
	if rules == nil {
		rules = DefaultRules()
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	if opts.Style != StyleHint {
		opts.Style = StyleFull
	}
	return &Redactor{rules: rules, style: opts.Style, placeholder: opts.Placeholder}
}

// RulesVersion identifies the active rule table.
func (r *Redactor) RulesVersion() string { return r.rules.Version }

// Placeholder returns the FULL-style replacement string.
func (r *Redactor) Placeholder() string { return r.placeholder }

// Params returns a redacted copy of an invocation's parameters. Values under
// sensitive keys are always masked; the pattern pass over the remaining
// values only runs when scope covers arguments.
func (r *Redactor) Params(scope Scope, params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	out, _ := r.value(params, scope.arguments()).(map[string]any)
	return out
}

// Output redacts captured stdout or stderr when scope covers output.
func (r *Redactor) Output(scope Scope, s string) string {
	if !scope.output() {
		return s
	}
	return r.Text(s)
}

// Value redacts an arbitrary decoded JSON value with both passes.
func (r *Redactor) Value(v any) any {
	return r.value(v, true)
}

func (r *Redactor) value(v any, patterns bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if r.rules.SensitiveKey(k) {
				out[k] = r.maskValue(val)
				continue
			}
			out[k] = r.value(val, patterns)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value(val, patterns)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = r.value(val, patterns)
		}
		return out
	case string:
		if patterns {
			return r.Text(t)
		}
		return r.settle(t, r.adjacencyPass)
	default:
		return v
	}
}

// maskValue masks a value found under a sensitive key regardless of its shape.
func (r *Redactor) maskValue(v any) any {
	if s, ok := v.(string); ok {
		return r.mask(s)
	}
	if v == nil {
		return nil
	}
	if r.style == StyleFull {
		return r.placeholder
	}
	return "<redacted:" + jsonKind(v) + ">"
}

// Text applies keyword adjacency then every pattern rule to free text.
func (r *Redactor) Text(s string) string {
	if s == "" {
		return s
	}
	return r.settle(s, r.textPass)
}

func (r *Redactor) textPass(s string) string {
	s = r.adjacencyPass(s)
	for i := range r.rules.Patterns {
		s = r.patternPass(&r.rules.Patterns[i], s)
	}
	return s
}

// settle reapplies pass until its output stops changing.
func (r *Redactor) settle(s string, pass func(string) string) string {
	for i := 0; i < maxPasses; i++ {
		next := pass(s)
		if next == s {
			return s
		}
		s = next
	}
	return r.placeholder
}

// adjacencyPass masks the value of every key=value or key: value pair whose
// key is sensitive by the same rule as map keys. A pair with an innocent key
// is skipped past its separator only, so "x=password=hunter2" still masks
// the inner pair.
func (r *Redactor) adjacencyPass(s string) string {
	var b strings.Builder
	pos, written := 0, 0
	for pos < len(s) {
		m := keyValue.FindStringSubmatchIndex(s[pos:])
		if m == nil {
			break
		}
		if !r.rules.SensitiveKey(s[pos+m[2] : pos+m[3]]) {
			pos += m[5]
			continue
		}
		// group 5 is the value
		vs, ve := pos+m[10], pos+m[11]
		b.WriteString(s[written:vs])
		b.WriteString(r.mask(s[vs:ve]))
		written, pos = ve, ve
	}
	if written == 0 {
		return s
	}
	b.WriteString(s[written:])
	return b.String()
}

func (r *Redactor) patternPass(p *PatternRule, s string) string {
	idx := p.re.FindAllStringSubmatchIndex(s, -1)
	if idx == nil {
		return s
	}
	var b strings.Builder
	last := 0
	for _, m := range idx {
		start, end := m[2*p.Group], m[2*p.Group+1]
		if start < 0 {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteString(r.mask(s[start:end]))
		last = end
	}
	b.WriteString(s[last:])
	return b.String()
}

// mask returns the masked form of a secret. Already-masked input is
// returned unchanged.
func (r *Redactor) mask(secret string) string {
	if r.isMasked(secret) {
		return secret
	}
	if r.style == StyleFull {
		return r.placeholder
	}
	runes := []rune(secret)
	if len(runes) < hintMinLen {
		return r.placeholder
	}
	return string(runes[:hintKeep]) + "***" + string(runes[len(runes)-hintKeep:])
}

func (r *Redactor) isMasked(s string) bool {
	if s == r.placeholder || typeHint.MatchString(s) {
		return true
	}
	return r.style == StyleHint && hintShape.MatchString(s)
}

func jsonKind(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, float32, int, int64, int32, uint, uint64, uint32:
		return "number"
	case map[string]any:
		return "object"
	case []any, []string:
		return "array"
	}
	return "value"
}
