package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/redact"
)

// identifierPattern is shared by tool ids, parameter names and subcommands.
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidIdentifier reports whether s may be used as a tool id, parameter name
// or subcommand.
func ValidIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// ReservedParams are consumed by the sandbox and cannot be declared by tools.
var ReservedParams = map[string]struct{}{
	"confirm":  {},
	"function": {},
	"command":  {},
}

// Validate checks a definition for internal consistency. It normalizes the
// redaction scope in place.
func Validate(def *ToolDefinition) error {
	if !ValidIdentifier(def.ID) {
		return fmt.Errorf("invalid tool id %q", def.ID)
	}
	if def.Program == "" {
		return errors.New("program is required")
	}
	if !filepath.IsAbs(def.Program) {
		return errors.New("program must be an absolute path")
	}
	if def.WorkingDir != "" && !filepath.IsAbs(def.WorkingDir) {
		return errors.New("working_dir must be an absolute path")
	}

	scope, err := redact.ParseScope(string(def.RedactionScope))
	if err != nil {
		return err
	}
	def.RedactionScope = scope

	if def.MaxConcurrent < 0 {
		return errors.New("max_concurrent must not be negative")
	}
	if def.Limits.TimeoutSeconds < 0 {
		return errors.New("limits.timeout_seconds must not be negative")
	}
	if rl := def.RateLimit; rl != nil {
		if rl.MaxCalls <= 0 || rl.WindowSeconds <= 0 {
			return errors.New("rate_limit requires positive max_calls and window_seconds")
		}
	}

	seen := make(map[string]struct{}, len(def.Parameters))
	hasPath := false
	for i := range def.Parameters {
		p := &def.Parameters[i]
		if !ValidIdentifier(p.Name) {
			return fmt.Errorf("invalid parameter name %q", p.Name)
		}
		if _, ok := ReservedParams[p.Name]; ok {
			return fmt.Errorf("parameter %q is reserved", p.Name)
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeArray, TypeObject:
		case "":
			p.Type = TypeString
		default:
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
		if p.Format != "" {
			if _, err := regexp.Compile(p.Format); err != nil {
				return fmt.Errorf("parameter %q: invalid format: %w", p.Name, err)
			}
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("parameter %q: min greater than max", p.Name)
		}
		if p.Schema != nil && p.Type != TypeArray && p.Type != TypeObject {
			return fmt.Errorf("parameter %q: schema only applies to array and object parameters", p.Name)
		}
		if p.Path {
			if p.Type != TypeString {
				return fmt.Errorf("parameter %q: path parameters must be strings", p.Name)
			}
			hasPath = true
		}
	}

	if hasPath && len(def.Workspace.AllowedRoots) == 0 {
		return errors.New("path parameters require at least one workspace.allowed_roots entry")
	}
	for _, root := range def.Workspace.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("workspace root %q is not absolute", root)
		}
	}
	return nil
}
