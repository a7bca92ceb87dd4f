package expression

import (
	"regexp"
	"strings"
)

// applyTransform runs one pipe-chain stage against value. Transforms
// that expect a string operand coerce via toString first, matching the
// forgiving style of the other context accessors in this package.
func applyTransform(name string, value interface{}, args []interface{}) (interface{}, error) {
	switch name {
	case "lower":
		return strings.ToLower(toStringValue(value)), nil
	case "upper":
		return strings.ToUpper(toStringValue(value)), nil
	case "trim":
		return strings.TrimSpace(toStringValue(value)), nil
	case "not":
		return !isTruthy(value), nil
	case "length":
		return float64(valueLength(value)), nil
	case "split":
		delim := ","
		if len(args) > 0 {
			delim = toStringValue(args[0])
		}
		parts := strings.Split(toStringValue(value), delim)
		out := make([]interface{}, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "contains":
		if len(args) == 0 {
			return false, &argError{transform: "contains"}
		}
		return strings.Contains(toStringValue(value), toStringValue(args[0])), nil
	case "startsWith":
		if len(args) == 0 {
			return false, &argError{transform: "startsWith"}
		}
		return strings.HasPrefix(toStringValue(value), toStringValue(args[0])), nil
	case "endsWith":
		if len(args) == 0 {
			return false, &argError{transform: "endsWith"}
		}
		return strings.HasSuffix(toStringValue(value), toStringValue(args[0])), nil
	case "match":
		if len(args) == 0 {
			return false, &argError{transform: "match"}
		}
		re, err := regexp.Compile(toStringValue(args[0]))
		if err != nil {
			return false, err
		}
		return re.MatchString(toStringValue(value)), nil
	}
	return nil, &unknownTransformError{name: name}
}

type argError struct{ transform string }

func (e *argError) Error() string { return "transform " + e.transform + " requires an argument" }

type unknownTransformError struct{ name string }

func (e *unknownTransformError) Error() string { return "unknown transform: " + e.name }

func valueLength(v interface{}) int {
	switch t := v.(type) {
	case string:
		return len([]rune(t))
	case []interface{}:
		return len(t)
	case map[string]interface{}:
		return len(t)
	default:
		return 0
	}
}

func toStringValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return toDisplayString(t)
	}
}
