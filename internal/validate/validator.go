// Package validate checks raw invocation parameters against a tool's
// declared schema and produces an Invocation.
package validate

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/faults"
	"github.com/triage-ai/palisade/services/tool_sandbox/internal/registry"
)

const defaultCacheSize = 512

// Validator is safe for concurrent use. Compiled format patterns and JSON
// Schemas are cached across calls.
type Validator struct {
	patterns *lru.Cache[string, *regexp.Regexp]
	schemas  *lru.Cache[string, *jsonschema.Schema]
}

// New creates a Validator whose caches hold up to cacheSize entries each.
func New(cacheSize int) (*Validator, error) {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	patterns, err := lru.New[string, *regexp.Regexp](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("validate.New: %w", err)
	}
	schemas, err := lru.New[string, *jsonschema.Schema](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("validate.New: %w", err)
	}
	return &Validator{patterns: patterns, schemas: schemas}, nil
}

// Validate checks raw against def. All violations are collected; on any
// violation it returns a *faults.ValidationError and no Invocation.
func (v *Validator) Validate(def *registry.ToolDefinition, raw map[string]any) (*Invocation, error) {
	inv := &Invocation{
		ToolID:     def.ID,
		Params:     make(map[string]any, len(raw)),
		PathParams: make(map[string]string),
		fixedArgs:  def.Args,
	}
	var violations []faults.Violation
	add := func(param string, kind faults.ViolationKind, format string, args ...any) {
		violations = append(violations, faults.Violation{Param: param, Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	for i := range def.Parameters {
		spec := &def.Parameters[i]
		value, present := raw[spec.Name]
		if present && value == nil {
			present = false
		}
		if !present {
			if spec.Default != nil {
				value = spec.Default
			} else {
				if spec.Required {
					add(spec.Name, faults.MissingParameter, "is required")
				}
				continue
			}
		}

		coerced, ok := coerce(spec.Type, value)
		if !ok {
			add(spec.Name, faults.TypeMismatch, "expected %s", spec.Type)
			continue
		}
		if s, isString := coerced.(string); isString && strings.ContainsRune(s, 0) {
			add(spec.Name, faults.FormatError, "must not contain NUL bytes")
			continue
		}
		if detail := v.checkFormat(spec, coerced); detail != "" {
			add(spec.Name, faults.FormatError, "%s", detail)
		}
		if detail := checkRange(spec, coerced); detail != "" {
			add(spec.Name, faults.RangeError, "%s", detail)
		}
		if detail := v.checkSchema(def.ID, spec, coerced); detail != "" {
			add(spec.Name, faults.FormatError, "%s", detail)
		}

		inv.Params[spec.Name] = coerced
		if spec.Path {
			inv.PathParams[spec.Name] = coerced.(string)
		}
	}

	if value, ok := raw["confirm"]; ok && value != nil {
		b, ok := coerce(registry.TypeBoolean, value)
		if !ok {
			add("confirm", faults.TypeMismatch, "expected boolean")
		} else {
			inv.Confirmed = b.(bool)
		}
	}
	for _, key := range []string{"command", "function"} {
		value, ok := raw[key]
		if !ok || value == nil {
			continue
		}
		s, isString := value.(string)
		if !isString || !registry.ValidIdentifier(s) {
			add(key, faults.FormatError, "must match [A-Za-z0-9_-]{1,64}")
			continue
		}
		inv.Subcommand = s
	}

	for name, value := range raw {
		if _, declared := def.Param(name); declared {
			continue
		}
		if _, reserved := registry.ReservedParams[name]; reserved {
			continue
		}
		if def.Strict {
			add(name, faults.UnknownParameter, "is not declared by this tool")
			continue
		}
		if !registry.ValidIdentifier(name) {
			add(name, faults.UnknownParameter, "is not a valid parameter name")
			continue
		}
		if value == nil {
			continue
		}
		if s, isString := value.(string); isString && strings.ContainsRune(s, 0) {
			add(name, faults.FormatError, "must not contain NUL bytes")
			continue
		}
		inv.Params[name] = normalize(value)
	}

	if len(violations) > 0 {
		sort.SliceStable(violations, func(i, j int) bool {
			if violations[i].Param != violations[j].Param {
				return violations[i].Param < violations[j].Param
			}
			return violations[i].Kind < violations[j].Kind
		})
		return nil, &faults.ValidationError{ToolID: def.ID, Violations: violations}
	}
	return inv, nil
}

// coerce converts value to the declared type. Strings holding numbers or
// booleans are accepted for scalar types; floats with an integral value are
// accepted as integers.
func coerce(t registry.ParamType, value any) (any, bool) {
	switch t {
	case registry.TypeString, "":
		switch x := value.(type) {
		case string:
			return x, true
		case bool:
			return strconv.FormatBool(x), true
		case float64, float32, int, int64, int32, json.Number:
			if n, ok := toFloat(x); ok {
				return strconv.FormatFloat(n, 'f', -1, 64), true
			}
		}
		return nil, false

	case registry.TypeInteger:
		switch x := value.(type) {
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			return n, err == nil
		case bool:
			return nil, false
		case int64:
			return x, true
		case int:
			return int64(x), true
		case int32:
			return int64(x), true
		case json.Number:
			n, err := x.Int64()
			return n, err == nil
		default:
			f, ok := toFloat(x)
			// float64(math.MaxInt64) rounds up to 2^63, so the upper bound is exclusive.
			if !ok || f != math.Trunc(f) || f >= 1<<63 || f < -1<<63 {
				return nil, false
			}
			return int64(f), true
		}

	case registry.TypeNumber:
		if s, ok := value.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return nil, false
			}
			return f, true
		}
		if _, isBool := value.(bool); isBool {
			return nil, false
		}
		f, ok := toFloat(value)
		return f, ok

	case registry.TypeBoolean:
		switch x := value.(type) {
		case bool:
			return x, true
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "1", "yes":
				return true, true
			case "false", "0", "no":
				return false, true
			}
		}
		return nil, false

	case registry.TypeArray:
		switch x := value.(type) {
		case []any:
			return normalize(x), true
		case []string:
			return normalize(x), true
		}
		return nil, false

	case registry.TypeObject:
		if m, ok := value.(map[string]any); ok {
			return normalize(m), true
		}
		return nil, false
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalize converts TOML and JSON decoder output into the shapes produced
// by encoding/json so values render and compare consistently.
func normalize(v any) any {
	switch x := v.(type) {
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	}
	return v
}

func (v *Validator) checkFormat(spec *registry.ParameterSpec, value any) string {
	if spec.Format == "" {
		return ""
	}
	s, ok := value.(string)
	if !ok {
		return ""
	}
	re, err := v.pattern(spec.Format)
	if err != nil {
		return "has an invalid format declaration"
	}
	if !re.MatchString(s) {
		return "does not match the required format"
	}
	return ""
}

func (v *Validator) pattern(format string) (*regexp.Regexp, error) {
	if re, ok := v.patterns.Get(format); ok {
		return re, nil
	}
	re, err := regexp.Compile(`^(?:` + format + `)$`)
	if err != nil {
		return nil, err
	}
	v.patterns.Add(format, re)
	return re, nil
}

func checkRange(spec *registry.ParameterSpec, value any) string {
	if spec.Min == nil && spec.Max == nil {
		return ""
	}
	var (
		n    float64
		what string
	)
	switch x := value.(type) {
	case int64:
		n, what = float64(x), "value"
	case float64:
		n, what = x, "value"
	case string:
		n, what = float64(utf8.RuneCountInString(x)), "length"
	case []any:
		n, what = float64(len(x)), "length"
	default:
		return ""
	}
	if spec.Min != nil && n < *spec.Min {
		return fmt.Sprintf("%s must be >= %s", what, strconv.FormatFloat(*spec.Min, 'g', -1, 64))
	}
	if spec.Max != nil && n > *spec.Max {
		return fmt.Sprintf("%s must be <= %s", what, strconv.FormatFloat(*spec.Max, 'g', -1, 64))
	}
	return ""
}

func (v *Validator) checkSchema(toolID string, spec *registry.ParameterSpec, value any) string {
	if spec.Schema == nil {
		return ""
	}
	sch, err := v.schema(toolID, spec)
	if err != nil {
		return "has an invalid schema declaration"
	}

	// Round-trip through the schema library's decoder so numbers have the
	// representation it expects.
	b, err := json.Marshal(value)
	if err != nil {
		return "could not be encoded for schema validation"
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return "could not be encoded for schema validation"
	}
	if err := sch.Validate(doc); err != nil {
		return "does not match the declared schema"
	}
	return ""
}

func (v *Validator) schema(toolID string, spec *registry.ParameterSpec) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(spec.Schema)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	key := toolID + "/" + spec.Name + "/" + hex.EncodeToString(sum[:8])
	if sch, ok := v.schemas.Get(key); ok {
		return sch, nil
	}

	obj, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", obj); err != nil {
		return nil, err
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, err
	}
	v.schemas.Add(key, sch)
	return sch, nil
}
