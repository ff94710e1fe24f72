package command

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/msageha/aispire/internal/model"
)

// Kind is the declared type of a template parameter.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindAny    Kind = "any"
)

var knownKinds = map[Kind]bool{
	KindString: true,
	KindNumber: true,
	KindInt:    true,
	KindBool:   true,
	KindList:   true,
	KindAny:    true,
}

// ParamSpec declares one template parameter. A parameter with a default is
// optional.
type ParamSpec struct {
	Name       string `json:"name"`
	Kind       Kind   `json:"kind"`
	Default    any    `json:"default,omitempty"`
	HasDefault bool   `json:"optional"`
}

// parseParamLine parses "<name> <kind> [= <default>]".
func parseParamLine(line string) (ParamSpec, error) {
	decl, def, hasDefault := strings.Cut(line, "=")
	fields := strings.Fields(decl)
	if len(fields) != 2 {
		return ParamSpec{}, fmt.Errorf("param declaration %q: want \"<name> <kind> [= default]\"", line)
	}
	spec := ParamSpec{Name: fields[0], Kind: Kind(fields[1])}
	if !knownKinds[spec.Kind] {
		return ParamSpec{}, fmt.Errorf("param %s: unknown kind %q", spec.Name, spec.Kind)
	}
	if hasDefault {
		v, err := parseDefault(spec.Kind, strings.TrimSpace(def))
		if err != nil {
			return ParamSpec{}, fmt.Errorf("param %s: %w", spec.Name, err)
		}
		spec.Default = v
		spec.HasDefault = true
	}
	return spec, nil
}

func parseDefault(kind Kind, s string) (any, error) {
	switch kind {
	case KindNumber:
		return strconv.ParseFloat(s, 64)
	case KindInt:
		return strconv.Atoi(s)
	case KindBool:
		return strconv.ParseBool(s)
	case KindList:
		if s != "" {
			return nil, fmt.Errorf("list defaults must be empty")
		}
		return []any{}, nil
	default:
		return s, nil
	}
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "int"
	case float32, float64:
		return "number"
	case []any, []int, []int64, []float64, []string:
		return "list"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func matchesKind(kind Kind, v any) bool {
	switch kind {
	case KindAny:
		return true
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindNumber:
		k := kindOf(v)
		return k == "int" || k == "number"
	case KindInt:
		switch n := v.(type) {
		case float64:
			return n == math.Trunc(n)
		case float32:
			return float64(n) == math.Trunc(float64(n))
		}
		return kindOf(v) == "int"
	case KindList:
		return kindOf(v) == "list"
	}
	return false
}

// ValidateParameters checks that every required parameter is present and that
// present parameters match their declared kind. It returns params with
// defaults filled in; unknown parameters are passed through.
func ValidateParameters(params map[string]any, specs []ParamSpec) (map[string]any, error) {
	out := make(map[string]any, len(params)+len(specs))
	for k, v := range params {
		out[k] = v
	}
	for _, spec := range specs {
		v, ok := params[spec.Name]
		if !ok || v == nil {
			if !spec.HasDefault {
				return nil, model.Errorf(model.CategoryValidation, "missing required parameter: %s", spec.Name)
			}
			out[spec.Name] = spec.Default
			continue
		}
		if !matchesKind(spec.Kind, v) {
			return nil, model.Errorf(model.CategoryValidation,
				"invalid type for parameter '%s': expected %s, got %s", spec.Name, spec.Kind, kindOf(v))
		}
		if spec.Kind == KindInt {
			if f, isFloat := v.(float64); isFloat {
				out[spec.Name] = int64(f)
			}
		}
	}
	return out, nil
}
