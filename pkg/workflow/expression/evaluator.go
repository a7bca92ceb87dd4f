package expression

import (
	"fmt"
	"math"
	"sync"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// Evaluator parses and caches compiled expressions and evaluates them
// against a run's context map. It holds no per-call state and is safe
// for concurrent use by multiple workflow runs.
type Evaluator struct {
	mu    sync.Mutex
	cache map[string]node
}

// New returns a ready-to-use Evaluator with an empty compile cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]node)}
}

// Evaluate parses expr (or reuses a cached parse) and walks it against
// env, applying JavaScript-style truthiness to the final value. A
// syntax error or an operator type mismatch is reported as
// *conductorerrors.ExpressionError.
func (e *Evaluator) Evaluate(expr string, env map[string]interface{}) (bool, error) {
	n, err := e.compile(expr)
	if err != nil {
		return false, &conductorerrors.ExpressionError{Expression: expr, Message: err.Error(), Cause: err}
	}
	v, err := evalNode(n, env)
	if err != nil {
		return false, &conductorerrors.ExpressionError{Expression: expr, Message: err.Error(), Cause: err}
	}
	return isTruthy(v), nil
}

// EvaluateValue parses expr and returns its raw result without coercing
// to bool, for callers that need the transformed value itself (e.g. a
// loop condition evaluated against an accumulating context).
func (e *Evaluator) EvaluateValue(expr string, env map[string]interface{}) (interface{}, error) {
	n, err := e.compile(expr)
	if err != nil {
		return nil, &conductorerrors.ExpressionError{Expression: expr, Message: err.Error(), Cause: err}
	}
	v, err := evalNode(n, env)
	if err != nil {
		return nil, &conductorerrors.ExpressionError{Expression: expr, Message: err.Error(), Cause: err}
	}
	return v, nil
}

func (e *Evaluator) compile(expr string) (node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.cache[expr]; ok {
		return n, nil
	}
	n, err := parseExpression(expr)
	if err != nil {
		return nil, err
	}
	e.cache[expr] = n
	return n, nil
}

// ClearCache drops all compiled expressions.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]node)
}

// CacheSize reports how many distinct expressions are currently compiled.
func (e *Evaluator) CacheSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

func evalNode(n node, env map[string]interface{}) (interface{}, error) {
	switch t := n.(type) {
	case literalNode:
		return t.value, nil

	case identNode:
		v, ok := env[t.name]
		if !ok {
			return nil, nil
		}
		return v, nil

	case propertyNode:
		base, err := evalNode(t.base, env)
		if err != nil {
			return nil, err
		}
		return lookupProperty(base, t.prop), nil

	case indexNode:
		base, err := evalNode(t.base, env)
		if err != nil {
			return nil, err
		}
		idx, err := evalNode(t.index, env)
		if err != nil {
			return nil, err
		}
		return lookupIndex(base, idx)

	case arrayNode:
		out := make([]interface{}, len(t.elements))
		for i, el := range t.elements {
			v, err := evalNode(el, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case unaryNode:
		v, err := evalNode(t.operand, env)
		if err != nil {
			return nil, err
		}
		return !isTruthy(v), nil

	case binaryNode:
		return evalBinary(t, env)

	case inNode:
		left, err := evalNode(t.left, env)
		if err != nil {
			return nil, err
		}
		right, err := evalNode(t.right, env)
		if err != nil {
			return nil, err
		}
		return evalIn(left, right)

	case ternaryNode:
		cond, err := evalNode(t.cond, env)
		if err != nil {
			return nil, err
		}
		if isTruthy(cond) {
			return evalNode(t.then, env)
		}
		return evalNode(t.els, env)

	case pipeNode:
		v, err := evalNode(t.base, env)
		if err != nil {
			return nil, err
		}
		for _, call := range t.transforms {
			args := make([]interface{}, len(call.args))
			for i, a := range call.args {
				av, err := evalNode(a, env)
				if err != nil {
					return nil, err
				}
				args[i] = av
			}
			v, err = applyTransform(call.name, v, args)
			if err != nil {
				return nil, err
			}
		}
		return v, nil
	}
	return nil, fmt.Errorf("unhandled expression node %T", n)
}

func evalBinary(b binaryNode, env map[string]interface{}) (interface{}, error) {
	switch b.op {
	case "&&":
		left, err := evalNode(b.left, env)
		if err != nil {
			return nil, err
		}
		if !isTruthy(left) {
			return false, nil
		}
		right, err := evalNode(b.right, env)
		if err != nil {
			return nil, err
		}
		return isTruthy(right), nil

	case "||":
		left, err := evalNode(b.left, env)
		if err != nil {
			return nil, err
		}
		if isTruthy(left) {
			return true, nil
		}
		right, err := evalNode(b.right, env)
		if err != nil {
			return nil, err
		}
		return isTruthy(right), nil
	}

	left, err := evalNode(b.left, env)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.right, env)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return valuesEqual(left, right), nil
	case "!=":
		return !valuesEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareValues(b.op, left, right)
	}
	return nil, fmt.Errorf("unknown operator %q", b.op)
}

func evalIn(left, right interface{}) (interface{}, error) {
	switch coll := right.(type) {
	case []interface{}:
		for _, item := range coll {
			if valuesEqual(left, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := left.(string)
		if !ok {
			return nil, fmt.Errorf("'in' left operand must be a string when testing against a string")
		}
		return stringContains(coll, s), nil
	case map[string]interface{}:
		s, ok := left.(string)
		if !ok {
			return nil, fmt.Errorf("'in' left operand must be a string when testing against an object's keys")
		}
		_, ok = coll[s]
		return ok, nil
	case nil:
		return false, nil
	}
	return nil, fmt.Errorf("'in' right operand must be an array, string or object")
}

func stringContains(haystack, needle string) bool {
	return len(needle) == 0 || indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	n := len(needle)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(haystack); i++ {
		if haystack[i:i+n] == needle {
			return i
		}
	}
	return -1
}

func lookupProperty(base interface{}, prop string) interface{} {
	switch t := base.(type) {
	case map[string]interface{}:
		v, ok := t[prop]
		if !ok {
			return nil
		}
		return v
	case nil:
		return nil
	default:
		return nil
	}
}

func lookupIndex(base, idx interface{}) (interface{}, error) {
	switch t := base.(type) {
	case []interface{}:
		n, ok := asFloat(idx)
		if !ok {
			return nil, fmt.Errorf("array index must be a number")
		}
		i := int(n)
		if i < 0 || i >= len(t) {
			return nil, nil
		}
		return t[i], nil
	case map[string]interface{}:
		key, ok := idx.(string)
		if !ok {
			return nil, fmt.Errorf("object index must be a string")
		}
		v, ok := t[key]
		if !ok {
			return nil, nil
		}
		return v, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("cannot index into %T", base)
	}
}

// isTruthy implements JavaScript truthiness: nil, false, 0, NaN and ""
// are falsy; every other value, including empty arrays and objects, is
// truthy.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func valuesEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aIsNum := asFloat(a)
	bf, bIsNum := asFloat(b)
	if aIsNum && bIsNum {
		return af == bf
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		return as == bs
	}
	ab, aIsBool := a.(bool)
	bb, bIsBool := b.(bool)
	if aIsBool && bIsBool {
		return ab == bb
	}
	if aIsNum != bIsNum || aIsStr != bIsStr || aIsBool != bIsBool {
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(op string, a, b interface{}) (bool, error) {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return compareFloats(op, af, bf), nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return compareStrings(op, as, bs), nil
		}
	}
	return false, fmt.Errorf("cannot compare %T with %T using %s", a, b, op)
}

func compareFloats(op string, a, b float64) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func compareStrings(op string, a, b string) bool {
	switch op {
	case "<":
		return a < b
	case "<=":
		return a <= b
	case ">":
		return a > b
	case ">=":
		return a >= b
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

func toDisplayString(v interface{}) string {
	if f, ok := asFloat(v); ok {
		if f == math.Trunc(f) {
			return fmt.Sprintf("%d", int64(f))
		}
		return fmt.Sprintf("%g", f)
	}
	return fmt.Sprintf("%v", v)
}
