package registry

import (
	"time"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/redact"
)

// ParamType is the declared type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ToolDefinition describes one executable exposed to callers.
// Definitions are immutable once placed in a Snapshot.
type ToolDefinition struct {
	ID               string          `json:"id" toml:"id"`
	Description      string          `json:"description" toml:"description"`
	Program          string          `json:"program" toml:"program"`
	Args             []string        `json:"args" toml:"args"`
	WorkingDir       string          `json:"working_dir" toml:"working_dir"`
	EnvPassthrough   []string        `json:"env_passthrough" toml:"env_passthrough"`
	Parameters       []ParameterSpec `json:"parameters" toml:"parameters"`
	Limits           ResourceLimits  `json:"limits" toml:"limits"`
	ConcurrencyClass string          `json:"concurrency_class" toml:"concurrency_class"`
	MaxConcurrent    int             `json:"max_concurrent" toml:"max_concurrent"`
	RateLimit        *RateLimit      `json:"rate_limit" toml:"rate_limit"`
	Workspace        WorkspacePolicy `json:"workspace" toml:"workspace"`
	Flags            Flags           `json:"flags" toml:"flags"`
	RedactionScope   redact.Scope    `json:"redaction_scope" toml:"redaction_scope"`
	Strict           bool            `json:"strict" toml:"strict"`

	// Enabled is false when the entry failed validation at load time.
	Enabled        bool   `json:"-" toml:"-"`
	DisabledReason string `json:"-" toml:"-"`
}

// ParameterSpec declares one named parameter.
// Min and Max bound the value of numeric parameters and the length of
// strings and arrays. Schema is a JSON Schema applied to array and object values.
type ParameterSpec struct {
	Name        string         `json:"name" toml:"name"`
	Type        ParamType      `json:"type" toml:"type"`
	Description string         `json:"description" toml:"description"`
	Required    bool           `json:"required" toml:"required"`
	Default     any            `json:"default" toml:"default"`
	Format      string         `json:"format" toml:"format"`
	Min         *float64       `json:"min" toml:"min"`
	Max         *float64       `json:"max" toml:"max"`
	Path        bool           `json:"path" toml:"path"`
	Schema      map[string]any `json:"schema" toml:"schema"`
}

// ResourceLimits are enforced on the child process. Zero means unlimited,
// except Timeout which falls back to the executor default.
type ResourceLimits struct {
	MaxCPUSeconds  uint64  `json:"max_cpu_seconds" toml:"max_cpu_seconds"`
	MaxMemoryBytes uint64  `json:"max_memory_bytes" toml:"max_memory_bytes"`
	MaxProcesses   uint64  `json:"max_processes" toml:"max_processes"`
	MaxFileBytes   uint64  `json:"max_file_bytes" toml:"max_file_bytes"`
	TimeoutSeconds float64 `json:"timeout_seconds" toml:"timeout_seconds"`
}

func (l ResourceLimits) Timeout() time.Duration {
	return time.Duration(l.TimeoutSeconds * float64(time.Second))
}

// RateLimit defines a sliding-window rate constraint.
type RateLimit struct {
	MaxCalls      int `json:"max_calls" toml:"max_calls"`
	WindowSeconds int `json:"window_seconds" toml:"window_seconds"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

// WorkspacePolicy bounds the filesystem reachable through path parameters.
type WorkspacePolicy struct {
	AllowedRoots       []string `json:"allowed_roots" toml:"allowed_roots"`
	AllowAbsolutePaths bool     `json:"allow_absolute_paths" toml:"allow_absolute_paths"`
	FollowSymlinks     bool     `json:"follow_symlinks" toml:"follow_symlinks"`
}

// Flags are behavioral hints surfaced to callers. RequiresConfirmation is
// enforced: the caller must pass confirm=true.
type Flags struct {
	RequiresConfirmation bool `json:"requires_confirmation" toml:"requires_confirmation"`
	ReadOnly             bool `json:"read_only" toml:"read_only"`
	Destructive          bool `json:"destructive" toml:"destructive"`
	Interactive          bool `json:"interactive" toml:"interactive"`
}

// Param returns the declared parameter with the given name.
func (d *ToolDefinition) Param(name string) (*ParameterSpec, bool) {
	for i := range d.Parameters {
		if d.Parameters[i].Name == name {
			return &d.Parameters[i], true
		}
	}
	return nil, false
}

// PathParams returns the names of parameters that carry filesystem paths.
func (d *ToolDefinition) PathParams() []string {
	var names []string
	for _, p := range d.Parameters {
		if p.Path {
			names = append(names, p.Name)
		}
	}
	return names
}
