package validate

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
)

func ptr(f float64) *float64 { return &f }

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(16)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func searchTool() *registry.ToolDefinition {
	return &registry.ToolDefinition{
		ID:      "search",
		Program: "/usr/bin/search",
		Args:    []string{"--json"},
		Parameters: []registry.ParameterSpec{
			{Name: "query", Type: registry.TypeString, Required: true, Min: ptr(1), Max: ptr(20)},
			{Name: "limit", Type: registry.TypeInteger, Default: int64(10), Min: ptr(1), Max: ptr(100)},
			{Name: "ratio", Type: registry.TypeNumber},
			{Name: "verbose", Type: registry.TypeBoolean},
			{Name: "lang", Type: registry.TypeString, Format: `[a-z]{2}`},
			{Name: "tags", Type: registry.TypeArray, Schema: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			}},
			{Name: "path", Type: registry.TypeString, Path: true},
		},
		Strict: true,
	}
}

func violationsOf(t *testing.T, err error) []faults.Violation {
	t.Helper()
	var verr *faults.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	return verr.Violations
}

func TestValidate_Success(t *testing.T) {
	v := newValidator(t)
	inv, err := v.Validate(searchTool(), map[string]any{
		"query":   "hello",
		"ratio":   "0.5",
		"verbose": "true",
		"lang":    "en",
		"tags":    []any{"a", "b"},
		"path":    "docs/readme.md",
	})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Params["limit"] != int64(10) {
		t.Fatalf("expected default limit 10, got %v", inv.Params["limit"])
	}
	if inv.Params["ratio"] != 0.5 {
		t.Fatalf("expected ratio coerced to 0.5, got %v", inv.Params["ratio"])
	}
	if inv.Params["verbose"] != true {
		t.Fatalf("expected verbose coerced to true, got %v", inv.Params["verbose"])
	}
	if inv.PathParams["path"] != "docs/readme.md" {
		t.Fatalf("expected path param recorded, got %v", inv.PathParams)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate(searchTool(), map[string]any{
		"limit":   float64(1000),
		"ratio":   "abc",
		"lang":    "english",
		"tags":    []any{float64(1)},
		"unknown": "x",
	})
	got := violationsOf(t, err)

	want := map[string]faults.ViolationKind{
		"lang":    faults.FormatError,
		"limit":   faults.RangeError,
		"query":   faults.MissingParameter,
		"ratio":   faults.TypeMismatch,
		"tags":    faults.FormatError,
		"unknown": faults.UnknownParameter,
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d violations, got %d: %+v", len(want), len(got), got)
	}
	for i, vio := range got {
		if want[vio.Param] != vio.Kind {
			t.Fatalf("expected %s for %s, got %s", want[vio.Param], vio.Param, vio.Kind)
		}
		if i > 0 && got[i-1].Param > vio.Param {
			t.Fatal("expected violations sorted by parameter name")
		}
	}
}

func TestValidate_MissingRequiredHasNoInvocation(t *testing.T) {
	v := newValidator(t)
	inv, err := v.Validate(searchTool(), map[string]any{})
	if err == nil {
		t.Fatal("expected error for missing required parameter")
	}
	if inv != nil {
		t.Fatal("expected no invocation on failure")
	}
	got := violationsOf(t, err)
	if len(got) != 1 || got[0].Kind != faults.MissingParameter || got[0].Param != "query" {
		t.Fatalf("expected single MissingParameter for query, got %+v", got)
	}
}

func TestValidate_ErrorDetailNeverEchoesValue(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate(searchTool(), map[string]any{"query": "hunter2-secret-value-too-long-for-max"})
	for _, vio := range violationsOf(t, err) {
		if strings.Contains(vio.Detail, "hunter2") {
			t.Fatalf("expected detail without submitted value, got %q", vio.Detail)
		}
	}
}

func TestValidate_RejectsNulBytes(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate(searchTool(), map[string]any{"query": "a\x00b"})
	got := violationsOf(t, err)
	if got[0].Kind != faults.FormatError {
		t.Fatalf("expected FormatError, got %s", got[0].Kind)
	}
}

func TestValidate_IntegerCoercion(t *testing.T) {
	v := newValidator(t)
	def := &registry.ToolDefinition{
		ID:         "n",
		Program:    "/bin/n",
		Parameters: []registry.ParameterSpec{{Name: "n", Type: registry.TypeInteger}},
	}

	for _, in := range []any{float64(3), "3", int64(3), 3} {
		inv, err := v.Validate(def, map[string]any{"n": in})
		if err != nil {
			t.Fatalf("input %#v: %v", in, err)
		}
		if inv.Params["n"] != int64(3) {
			t.Fatalf("input %#v: expected int64(3), got %#v", in, inv.Params["n"])
		}
	}
	for _, in := range []any{3.5, "three", true, []any{}} {
		if _, err := v.Validate(def, map[string]any{"n": in}); err == nil {
			t.Fatalf("input %#v: expected TypeMismatch", in)
		}
	}
}

func TestValidate_IntegerBounds(t *testing.T) {
	v := newValidator(t)
	def := &registry.ToolDefinition{
		ID:         "n",
		Program:    "/bin/n",
		Parameters: []registry.ParameterSpec{{Name: "n", Type: registry.TypeInteger}},
	}

	for _, in := range []any{float64(1 << 63), -float64(1 << 64), "9223372036854775808", json.Number("9223372036854775808")} {
		_, err := v.Validate(def, map[string]any{"n": in})
		vs := violationsOf(t, err)
		if len(vs) != 1 || vs[0].Kind != faults.TypeMismatch {
			t.Fatalf("input %#v: expected one TypeMismatch, got %v", in, vs)
		}
	}

	tests := []struct {
		in   any
		want int64
	}{
		{-float64(1 << 63), math.MinInt64},
		{float64(1 << 62), 1 << 62},
		{"9223372036854775807", math.MaxInt64},
		{int64(math.MaxInt64), math.MaxInt64},
		{json.Number("-9223372036854775808"), math.MinInt64},
	}
	for _, tt := range tests {
		inv, err := v.Validate(def, map[string]any{"n": tt.in})
		if err != nil {
			t.Fatalf("input %#v: %v", tt.in, err)
		}
		if inv.Params["n"] != tt.want {
			t.Fatalf("input %#v: expected %d, got %#v", tt.in, tt.want, inv.Params["n"])
		}
	}
}

func TestValidate_NonStrictPassesUnknownThrough(t *testing.T) {
	v := newValidator(t)
	def := searchTool()
	def.Strict = false

	inv, err := v.Validate(def, map[string]any{"query": "q", "extra": float64(2)})
	if err != nil {
		t.Fatal(err)
	}
	if inv.Params["extra"] != float64(2) {
		t.Fatalf("expected passthrough, got %v", inv.Params["extra"])
	}

	_, err = v.Validate(def, map[string]any{"query": "q", "--rm -rf": "x"})
	if got := violationsOf(t, err); got[0].Kind != faults.UnknownParameter {
		t.Fatalf("expected UnknownParameter for invalid name, got %+v", got)
	}
}

func TestValidate_ReservedParameters(t *testing.T) {
	v := newValidator(t)
	inv, err := v.Validate(searchTool(), map[string]any{
		"query":    "q",
		"confirm":  "yes",
		"command":  "ignored",
		"function": "list",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !inv.Confirmed {
		t.Fatal("expected confirm=yes to confirm")
	}
	if inv.Subcommand != "list" {
		t.Fatalf("expected function to win over command, got %q", inv.Subcommand)
	}
	if _, ok := inv.Params["confirm"]; ok {
		t.Fatal("expected confirm to stay out of tool parameters")
	}

	_, err = v.Validate(searchTool(), map[string]any{"query": "q", "command": "rm; reboot"})
	if got := violationsOf(t, err); got[0].Param != "command" || got[0].Kind != faults.FormatError {
		t.Fatalf("expected FormatError for command, got %+v", got)
	}
}

func TestInvocation_ArgvIsDeterministic(t *testing.T) {
	v := newValidator(t)
	def := searchTool()
	def.Strict = false
	raw := map[string]any{
		"query":    "hello world",
		"verbose":  false,
		"tags":     []any{"x"},
		"zeta":     map[string]any{"b": float64(1), "a": "s"},
		"path":     "a.txt",
		"function": "find",
	}

	first, err := v.Validate(def, raw)
	if err != nil {
		t.Fatal(err)
	}
	first.SetResolvedPaths(map[string]string{"path": "/workspace/a.txt"})

	want := []string{
		"--json",
		"find",
		"--limit=10",
		"--path=/workspace/a.txt",
		"--query=hello world",
		"--tags=[\"x\"]",
		"--verbose=false",
		`--zeta={"a":"s","b":1}`,
	}
	for i := 0; i < 5; i++ {
		got := first.Argv()
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func BenchmarkValidate(b *testing.B) {
	v, _ := New(16)
	def := searchTool()
	raw := map[string]any{"query": "hello", "lang": "en", "tags": []any{"a"}}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = v.Validate(def, raw)
	}
}
