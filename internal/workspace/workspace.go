// Package workspace confines path parameters to a tool's allowed roots.
package workspace

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/validate"
	"go.uber.org/zap"
)

// MaxPathLength bounds both submitted values and resolved paths.
const MaxPathLength = 4096

// encodedSeparator matches percent-encoded dots, slashes, backslashes and
// percent signs, which covers single and double encoded traversal.
var encodedSeparator = regexp.MustCompile(`(?i)%(2e|2f|5c|25)`)

// errOutside is returned internally when a candidate escapes every root.
var errOutside = errors.New("outside allowed roots")

// Validator resolves path parameters. It holds no state.
type Validator struct {
	logger *zap.Logger
}

// New creates a Validator.
func New(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Authorize resolves every path parameter of inv and records the canonical
// paths on it. The first failing parameter is reported.
func (v *Validator) Authorize(def *registry.ToolDefinition, inv *validate.Invocation) error {
	resolved := make(map[string]string, len(inv.PathParams))
	for _, name := range def.PathParams() {
		value, ok := inv.PathParams[name]
		if !ok {
			continue
		}
		canonical, err := v.Resolve(def.Workspace, name, value)
		if err != nil {
			return err
		}
		resolved[name] = canonical
	}
	inv.SetResolvedPaths(resolved)
	return nil
}

// Recheck resolves every path parameter again and fails if any result no
// longer validates or differs from what Authorize recorded. It runs right
// before the process is spawned.
func (v *Validator) Recheck(def *registry.ToolDefinition, inv *validate.Invocation) error {
	for name, value := range inv.PathParams {
		want, ok := inv.ResolvedPath(name)
		if !ok {
			return &faults.PathTraversalError{Param: name, Value: value}
		}
		got, err := v.Resolve(def.Workspace, name, value)
		if err != nil {
			return err
		}
		if got != want {
			v.logger.Warn("path parameter changed between authorization and spawn",
				zap.String("tool_id", def.ID),
				zap.String("param", name),
			)
			return &faults.PathTraversalError{Param: name, Value: value}
		}
	}
	return nil
}

// Resolve returns the canonical path for value or a PathTraversalError
// carrying only the parameter name and the submitted value.
func (v *Validator) Resolve(policy registry.WorkspacePolicy, param, value string) (string, error) {
	reject := &faults.PathTraversalError{Param: param, Value: value}

	if value == "" || len(value) > MaxPathLength || strings.ContainsRune(value, 0) {
		return "", reject
	}
	if encodedSeparator.MatchString(value) {
		return "", reject
	}
	// Backslashes are treated as separators on every platform so that
	// Windows-style traversal cannot hide inside a single path element.
	normalized := strings.ReplaceAll(value, `\`, "/")
	normalized = filepath.FromSlash(normalized)

	if filepath.IsAbs(normalized) && !policy.AllowAbsolutePaths {
		return "", reject
	}

	for _, root := range policy.AllowedRoots {
		canonical, err := v.resolveUnder(root, normalized, policy.FollowSymlinks)
		if err == nil && len(canonical) <= MaxPathLength {
			return canonical, nil
		}
		if err != nil && !errors.Is(err, errOutside) {
			v.logger.Debug("path resolution failed under root",
				zap.String("param", param),
				zap.Error(err),
			)
		}
	}
	return "", reject
}

// resolveUnder canonicalizes value relative to root and checks containment.
func (v *Validator) resolveUnder(root, value string, followSymlinks bool) (string, error) {
	rawRoot := filepath.Clean(root)
	canonRoot, err := filepath.EvalSymlinks(rawRoot)
	if err != nil {
		return "", err
	}

	var rel string
	if filepath.IsAbs(value) {
		clean := filepath.Clean(value)
		switch {
		case within(clean, rawRoot):
			rel, _ = filepath.Rel(rawRoot, clean)
		case within(clean, canonRoot):
			rel, _ = filepath.Rel(canonRoot, clean)
		default:
			return "", errOutside
		}
	} else {
		joined := filepath.Join(rawRoot, value)
		if !within(joined, rawRoot) {
			return "", errOutside
		}
		rel, _ = filepath.Rel(rawRoot, joined)
	}

	cur := canonRoot
	if rel == "." {
		return cur, nil
	}
	parts := strings.Split(rel, string(filepath.Separator))
	for i, part := range parts {
		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			// Nothing below a missing element can be a link yet; Recheck
			// covers links created before spawn.
			cur = filepath.Join(append([]string{cur}, parts[i:]...)...)
			break
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			if !followSymlinks {
				return "", errOutside
			}
			target, err := filepath.EvalSymlinks(next)
			if err != nil {
				return "", err
			}
			next = target
		}
		cur = next
	}

	if !within(cur, canonRoot) {
		return "", errOutside
	}
	return cur, nil
}

// within reports whether path equals root or lies beneath it.
func within(path, root string) bool {
	if path == root {
		return true
	}
	if !strings.HasSuffix(root, string(filepath.Separator)) {
		root += string(filepath.Separator)
	}
	return strings.HasPrefix(path, root)
}
