package main

import (
	"bytes"
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"path=notes.txt", "tags=[\"a\",\"b\"]", "expr=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if got["path"] != "notes.txt" {
		t.Errorf("unexpected path %v", got["path"])
	}
	if tags, ok := got["tags"].([]any); !ok || len(tags) != 2 {
		t.Errorf("expected JSON array, got %#v", got["tags"])
	}
	if got["expr"] != "a=b" {
		t.Errorf("only the first '=' separates name and value, got %v", got["expr"])
	}

	for _, bad := range []string{"novalue", "=x", "obj={oops"} {
		if _, err := parseParams([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestPrintResult(t *testing.T) {
	ok, _ := structpb.NewStruct(map[string]any{
		"status": "SUCCESS", "tool_id": "ls", "correlation_id": "c1",
		"stdout": "a\nb\n", "exit_code": 0, "stdout_truncated": true,
	})
	var out, errOut bytes.Buffer
	if err := printResult(&out, &errOut, ok); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.String() != "a\nb\n" {
		t.Errorf("unexpected stdout %q", out.String())
	}
	if !strings.Contains(errOut.String(), "[SUCCESS] ls") || !strings.Contains(errOut.String(), "stdout=truncated") {
		t.Errorf("unexpected status line %q", errOut.String())
	}

	rejected, _ := structpb.NewStruct(map[string]any{
		"status": "REJECTED", "tool_id": "ls",
		"error": map[string]any{
			"kind":         "VALIDATION",
			"safe_message": "invalid parameters",
			"violations":   []any{map[string]any{"param": "path", "kind": "MISSING_PARAMETER", "detail": "required"}},
		},
	})
	err := printResult(&out, &errOut, rejected)
	if err == nil || !strings.Contains(err.Error(), "VALIDATION") || !strings.Contains(err.Error(), "path MISSING_PARAMETER") {
		t.Fatalf("expected validation error with violations, got %v", err)
	}
}
