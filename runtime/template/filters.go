package template

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
)

// looseEqFn is the function name equality operators are rewritten to.
const looseEqFn = "__loose_eq"

// filterOptions returns the compile options shared by every expression:
// the filter functions playbooks pipe through and the loose-equality
// rewrite. Builtins shadowed by a filter are disabled so the filter
// semantics apply to every value type.
func filterOptions() []expr.Option {
	return []expr.Option{
		expr.AllowUndefinedVariables(),
		expr.Patch(looseComparePatcher{}),
		expr.DisableBuiltin("join"),
		expr.DisableBuiltin("upper"),
		expr.DisableBuiltin("lower"),
		expr.DisableBuiltin("trim"),
		expr.DisableBuiltin("keys"),
		expr.Function("join", filterJoin),
		expr.Function("default", filterDefault),
		expr.Function("to_json", filterToJSON),
		expr.Function("upper", filterUpper),
		expr.Function("lower", filterLower),
		expr.Function("length", filterLength),
		expr.Function("keys", filterKeys),
		expr.Function("trim", filterTrim),
		expr.Function("b64encode", filterB64Encode),
		expr.Function("b64decode", filterB64Decode),
		expr.Function(looseEqFn, func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("equality needs two operands")
			}
			return LooseEqual(params[0], params[1]), nil
		}),
	}
}

// looseComparePatcher rewrites == and != into loose comparisons:
// whitespace-trimmed, with string/number coercion when both operands parse
// as numbers.
type looseComparePatcher struct{}

func (looseComparePatcher) Visit(node *ast.Node) {
	bn, ok := (*node).(*ast.BinaryNode)
	if !ok {
		return
	}
	call := &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: looseEqFn},
		Arguments: []ast.Node{bn.Left, bn.Right},
	}
	switch bn.Operator {
	case "==":
		ast.Patch(node, call)
	case "!=":
		ast.Patch(node, &ast.UnaryNode{Operator: "not", Node: call})
	}
}

// LooseEqual compares two values the way playbook conditions expect:
// result views unwrap to their data payload, strings are trimmed, and a
// string compares numerically against a number (or a numeric string) when
// both sides parse as numbers.
func LooseEqual(a, b any) bool {
	a, b = unwrap(a), unwrap(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum && bNum {
		return af == bf
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.TrimSpace(as) == strings.TrimSpace(bs)
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// toFloat reports whether the value is a number or a numeric string.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func filterJoin(params ...any) (any, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("join: missing value")
	}
	sep := ","
	if len(params) > 1 {
		s, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("join: separator must be a string")
		}
		sep = s
	}
	items, ok := unwrap(params[0]).([]any)
	if !ok {
		if ss, ok := unwrap(params[0]).([]string); ok {
			return strings.Join(ss, sep), nil
		}
		return nil, fmt.Errorf("join: value is not a list")
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Stringify(it)
	}
	return strings.Join(parts, sep), nil
}

func filterDefault(params ...any) (any, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("default: needs a fallback")
	}
	v := unwrap(params[0])
	if v == nil {
		return params[1], nil
	}
	if s, ok := v.(string); ok && s == "" {
		return params[1], nil
	}
	return v, nil
}

func filterToJSON(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("to_json: needs one value")
	}
	buf, err := json.Marshal(unwrap(params[0]))
	if err != nil {
		return nil, fmt.Errorf("to_json: %w", err)
	}
	return string(buf), nil
}

func filterUpper(params ...any) (any, error) {
	s, err := oneString("upper", params)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

func filterLower(params ...any) (any, error) {
	s, err := oneString("lower", params)
	if err != nil {
		return nil, err
	}
	return strings.ToLower(s), nil
}

func filterTrim(params ...any) (any, error) {
	s, err := oneString("trim", params)
	if err != nil {
		return nil, err
	}
	return strings.TrimSpace(s), nil
}

func filterLength(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("length: needs one value")
	}
	switch v := unwrap(params[0]).(type) {
	case nil:
		return 0, nil
	case string:
		return len(v), nil
	case []any:
		return len(v), nil
	case map[string]any:
		return len(v), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", v)
	}
}

func filterKeys(params ...any) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("keys: needs one value")
	}
	m, ok := unwrap(params[0]).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys: value is not a map")
	}
	out := make([]any, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].(string) < out[j].(string) })
	return out, nil
}

func filterB64Encode(params ...any) (any, error) {
	s, err := oneString("b64encode", params)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.EncodeToString([]byte(s)), nil
}

func filterB64Decode(params ...any) (any, error) {
	s, err := oneString("b64decode", params)
	if err != nil {
		return nil, err
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("b64decode: %w", err)
	}
	return string(buf), nil
}

func oneString(name string, params []any) (string, error) {
	if len(params) != 1 {
		return "", fmt.Errorf("%s: needs one value", name)
	}
	v := unwrap(params[0])
	if s, ok := v.(string); ok {
		return s, nil
	}
	return Stringify(v), nil
}

// Stringify renders a resolved value for interpolation into surrounding
// text: nil becomes empty, numbers render without exponent notation, and
// composite values render as compact JSON.
func Stringify(v any) string {
	switch t := unwrap(v).(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(buf)
	}
}
