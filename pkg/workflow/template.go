package workflow

import (
	"bytes"
	"fmt"
	"text/template"
)

// ResolveTemplate executes a Go template string against the flattened
// context map (steps/trigger/event/variables/workflow). Returns the
// resolved string or an error if template execution fails.
func ResolveTemplate(templateStr string, ctx *WorkflowContext) (string, error) {
	if ctx == nil {
		ctx = NewWorkflowContext(nil)
	}

	tmpl, err := template.New("workflow").
		Funcs(TemplateFuncMap()).
		Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx.ToMap()); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

// ResolveInputs resolves all string values in a step's input map using
// the accumulated context. Non-string values pass through unchanged;
// nested maps and slices are resolved recursively.
func ResolveInputs(inputs map[string]interface{}, ctx *WorkflowContext) (map[string]interface{}, error) {
	resolved := make(map[string]interface{})

	for key, value := range inputs {
		resolvedVal, err := resolveValue(value, ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve input %q: %w", key, err)
		}
		resolved[key] = resolvedVal
	}

	return resolved, nil
}

// resolveValue recursively resolves template variables in a value.
func resolveValue(value interface{}, ctx *WorkflowContext) (interface{}, error) {
	switch v := value.(type) {
	case string:
		// Check if this is a pure template reference (preserves type)
		if isPureTemplateRef(v) {
			rawVal, ok := extractRawValue(v, ctx)
			if ok {
				return rawVal, nil
			}
		}
		// Graceful degradation: if template resolution fails, keep original value
		resolved, err := resolveOrKeep(v, ctx)
		if err != nil {
			return v, nil
		}
		return resolved, nil
	case map[string]interface{}:
		resolved := make(map[string]interface{})
		for k, val := range v {
			resolvedVal, err := resolveValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("in field %q: %w", k, err)
			}
			resolved[k] = resolvedVal
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, val := range v {
			resolvedVal, err := resolveValue(val, ctx)
			if err != nil {
				return nil, fmt.Errorf("at index %d: %w", i, err)
			}
			resolved[i] = resolvedVal
		}
		return resolved, nil
	default:
		return value, nil
	}
}

// resolveOrKeep tries to resolve a string as a template, returns error if template syntax is present but fails.
func resolveOrKeep(s string, ctx *WorkflowContext) (string, error) {
	if !containsTemplateSyntax(s) {
		return s, nil
	}

	result, err := ResolveTemplate(s, ctx)
	if err != nil {
		return "", fmt.Errorf("template error in %q: %w", truncateForError(s), err)
	}

	if result == "<no value>" {
		return "", fmt.Errorf("undefined template variable in %q", truncateForError(s))
	}

	return result, nil
}

// truncateForError truncates a string for inclusion in error messages.
func truncateForError(s string) string {
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}

// containsTemplateSyntax checks if a string contains Go template syntax.
func containsTemplateSyntax(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '{' && s[i+1] == '{' {
			return true
		}
	}
	return false
}

// isPureTemplateRef checks if a string is exactly a single template reference
// like "{{.steps.foo.output}}" with no surrounding text.
func isPureTemplateRef(s string) bool {
	s = trimWhitespace(s)
	if len(s) < 5 { // Minimum: {{.x}}
		return false
	}
	if s[:2] != "{{" || s[len(s)-2:] != "}}" {
		return false
	}
	// Check there's no other {{ in the middle
	inner := s[2 : len(s)-2]
	for i := 0; i < len(inner)-1; i++ {
		if inner[i] == '{' && inner[i+1] == '{' {
			return false
		}
		if inner[i] == '}' && inner[i+1] == '}' {
			return false
		}
	}
	return true
}

// trimWhitespace removes leading and trailing whitespace
func trimWhitespace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// extractRawValue extracts the raw value from a pure template reference.
// It parses paths like "{{.steps.foo.output}}" and navigates the context.
func extractRawValue(s string, ctx *WorkflowContext) (interface{}, bool) {
	s = trimWhitespace(s)
	inner := trimWhitespace(s[2 : len(s)-2]) // Remove {{ and }}

	if len(inner) == 0 || inner[0] != '.' {
		return nil, false
	}
	inner = inner[1:] // Remove leading dot

	parts := splitPath(inner)
	if len(parts) == 0 {
		return nil, false
	}

	data := ctx.ToMap()
	var current interface{} = data

	for _, part := range parts {
		switch v := current.(type) {
		case map[string]interface{}:
			val, ok := v[part]
			if !ok {
				return nil, false
			}
			current = val
		default:
			return nil, false
		}
	}

	return current, true
}

// splitPath splits a template path like "steps.foo.output" into parts.
func splitPath(path string) []string {
	var parts []string
	var current string

	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			if current != "" {
				parts = append(parts, current)
				current = ""
			}
		} else {
			current += string(path[i])
		}
	}
	if current != "" {
		parts = append(parts, current)
	}

	return parts
}
