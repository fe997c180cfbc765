package validate

import (
	"encoding/json"
	"sort"
	"strconv"
)

// Invocation is a request whose parameters passed validation. It is the
// only input the sandbox accepts.
type Invocation struct {
	ToolID     string
	Params     map[string]any
	Subcommand string
	Confirmed  bool
	// PathParams maps path parameter names to the value the caller sent.
	PathParams map[string]string

	fixedArgs []string
	resolved  map[string]string
}

// SetResolvedPaths records canonical paths for path parameters. Argv uses
// them in place of the submitted values.
func (inv *Invocation) SetResolvedPaths(resolved map[string]string) {
	inv.resolved = resolved
}

// ResolvedPath returns the canonical path recorded for a parameter.
func (inv *Invocation) ResolvedPath(name string) (string, bool) {
	p, ok := inv.resolved[name]
	return p, ok
}

// Argv builds the argument vector that follows the program path: fixed
// arguments, the optional subcommand, then one --name=value token per
// parameter in lexicographic order of name.
func (inv *Invocation) Argv() []string {
	names := make([]string, 0, len(inv.Params))
	for name := range inv.Params {
		names = append(names, name)
	}
	sort.Strings(names)

	argv := make([]string, 0, len(inv.fixedArgs)+len(names)+1)
	argv = append(argv, inv.fixedArgs...)
	if inv.Subcommand != "" {
		argv = append(argv, inv.Subcommand)
	}
	for _, name := range names {
		value := Render(inv.Params[name])
		if p, ok := inv.resolved[name]; ok {
			value = p
		}
		argv = append(argv, "--"+name+"="+value)
	}
	return argv
}

// Render formats a coerced parameter value as a single argv token.
func Render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
