package redact

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

//go:embed rules.json
var defaultRulesJSON []byte

// PatternRule is one named regular expression. When Group is non-zero only
// that capture group is masked and the surrounding match is kept.
type PatternRule struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Regex string `json:"regex"`
	Group int    `json:"group,omitempty"`

	re *regexp.Regexp
}

// Rules is the versioned redaction table. Keywords match anywhere inside a
// key; KeyTokens only match a whole word of a key (so "key" hits "api.key"
// but not "monkey"). Keys found in free text follow the same rule.
type Rules struct {
	Version   string        `json:"version"`
	Keywords  []string      `json:"keywords"`
	KeyTokens []string      `json:"key_tokens"`
	Patterns  []PatternRule `json:"patterns"`

	tokens map[string]struct{}
}

// LoadRules parses and compiles a rule table.
func LoadRules(data []byte) (*Rules, error) {
	var r Rules
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("LoadRules: %w", err)
	}
	if r.Version == "" {
		return nil, fmt.Errorf("LoadRules: missing version")
	}
	if err := r.compile(); err != nil {
		return nil, fmt.Errorf("LoadRules: %w", err)
	}
	return &r, nil
}

// LoadRulesFile reads a rule table from disk.
func LoadRulesFile(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRulesFile: %w", err)
	}
	return LoadRules(data)
}

// DefaultRules returns the embedded rule table.
func DefaultRules() *Rules {
	r, err := LoadRules(defaultRulesJSON)
	if err != nil {
		panic(fmt.Sprintf("embedded redaction rules are invalid: %v", err))
	}
	return r
}

func (r *Rules) compile() error {
	for i := range r.Keywords {
		r.Keywords[i] = strings.ToLower(r.Keywords[i])
	}
	r.tokens = make(map[string]struct{}, len(r.KeyTokens))
	for _, t := range r.KeyTokens {
		r.tokens[strings.ToLower(t)] = struct{}{}
	}

	for i := range r.Patterns {
		p := &r.Patterns[i]
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return fmt.Errorf("pattern %s: %w", p.Name, err)
		}
		if p.Group < 0 || p.Group > re.NumSubexp() {
			return fmt.Errorf("pattern %s: group %d out of range", p.Name, p.Group)
		}
		p.re = re
	}
	return nil
}

// SensitiveKey reports whether a map key names a secret.
func (r *Rules) SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range r.Keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, tok := range splitKey(key) {
		if _, ok := r.tokens[tok]; ok {
			return true
		}
	}
	return false
}

// splitKey breaks snake, kebab, dotted and camelCase keys into lower-case words.
func splitKey(key string) []string {
	var (
		words []string
		cur   strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	runes := []rune(key)
	for i, c := range runes {
		isUpper := c >= 'A' && c <= 'Z'
		isAlnum := isUpper || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
		if !isAlnum {
			flush()
			continue
		}
		if isUpper && i > 0 {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' {
				flush()
			}
		}
		cur.WriteRune(c)
	}
	flush()
	return words
}
