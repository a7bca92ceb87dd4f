package workflow

import (
	"strings"
	"text/template"
)

// TemplateFuncMap returns the function set available inside
// `{{ ... }}` template strings in step inputs, independent of the
// pipe-transform language the expression evaluator offers for
// conditions and when-clauses.
func TemplateFuncMap() template.FuncMap {
	return template.FuncMap{
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
	}
}
