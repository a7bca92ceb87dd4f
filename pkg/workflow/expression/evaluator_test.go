package expression

import "testing"

func env() map[string]interface{} {
	return map[string]interface{}{
		"steps": map[string]interface{}{
			"fetch": map[string]interface{}{
				"output": map[string]interface{}{
					"status": "ok",
					"code":   float64(200),
					"items":  []interface{}{"a", "b", "c"},
				},
			},
		},
		"trigger": map[string]interface{}{
			"type": "webhook",
		},
		"event": map[string]interface{}{
			"action": "opened",
		},
		"variables": map[string]interface{}{
			"name": "  Hi  ",
		},
		"workflow": map[string]interface{}{
			"name": "demo",
		},
	}
}

func evalBool(t *testing.T, expr string) bool {
	t.Helper()
	e := New()
	v, err := e.Evaluate(expr, env())
	if err != nil {
		t.Fatalf("Evaluate(%q) error: %v", expr, err)
	}
	return v
}

func TestPropertyAccess(t *testing.T) {
	if !evalBool(t, `steps.fetch.output.status == "ok"`) {
		t.Fatal("expected true")
	}
	if !evalBool(t, `steps.fetch.output.code == 200`) {
		t.Fatal("expected true")
	}
}

func TestMissingPropertyIsNull(t *testing.T) {
	e := New()
	v, err := e.EvaluateValue(`variables.x`, env())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil, got %v", v)
	}
	if evalBool(t, `event.unknown == null`) != true {
		t.Fatal("expected event.unknown == null to be true")
	}
}

func TestTernaryAndLogical(t *testing.T) {
	if !evalBool(t, `trigger.type == "webhook" && event.action == "opened"`) {
		t.Fatal("expected true")
	}
	if evalBool(t, `trigger.type == "cron" || event.action == "closed"`) {
		t.Fatal("expected false")
	}
	v, err := New().EvaluateValue(`event.action == "opened" ? "yes" : "no"`, env())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "yes" {
		t.Fatalf("expected yes, got %v", v)
	}
}

func TestPipeTransformChain(t *testing.T) {
	v, err := New().EvaluateValue(`variables.name | trim | lower`, env())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "hi" {
		t.Fatalf("expected hi, got %q", v)
	}
}

func TestLengthTransform(t *testing.T) {
	v, err := New().EvaluateValue(`steps.fetch.output.items | length`, env())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != float64(3) {
		t.Fatalf("expected 3, got %v", v)
	}
	v, err = New().EvaluateValue(`"hello" | length`, env())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != float64(5) {
		t.Fatalf("expected 5, got %v", v)
	}
}

func TestContainsStartsEndsWith(t *testing.T) {
	if !evalBool(t, `steps.fetch.output.status | contains("o")`) {
		t.Fatal("expected contains to match")
	}
	if !evalBool(t, `steps.fetch.output.status | startsWith("o")`) {
		t.Fatal("expected startsWith to match")
	}
	if !evalBool(t, `steps.fetch.output.status | endsWith("k")`) {
		t.Fatal("expected endsWith to match")
	}
}

func TestNotTransformAndUnary(t *testing.T) {
	if !evalBool(t, `false | not`) {
		t.Fatal("expected !false == true")
	}
	if evalBool(t, `!(steps.fetch.output.status == "ok")`) {
		t.Fatal("expected negation to flip to false")
	}
}

func TestInMembership(t *testing.T) {
	if !evalBool(t, `"a" in steps.fetch.output.items`) {
		t.Fatal("expected membership match")
	}
	if evalBool(t, `"z" in steps.fetch.output.items`) {
		t.Fatal("expected no match")
	}
}

func TestSplitTransform(t *testing.T) {
	env := map[string]interface{}{"variables": map[string]interface{}{"csv": "a,b,c"}}
	v, err := New().EvaluateValue(`variables.csv | split(",")`, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	parts, ok := v.([]interface{})
	if !ok || len(parts) != 3 {
		t.Fatalf("expected 3-element array, got %#v", v)
	}
}

func TestInvalidSyntaxFails(t *testing.T) {
	_, err := New().Evaluate(`steps.fetch.output.status ==`, env())
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTypeMismatchFails(t *testing.T) {
	_, err := New().Evaluate(`"abc" < 5`, env())
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestCaching(t *testing.T) {
	e := New()
	if _, err := e.Evaluate(`1 == 1`, env()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.CacheSize() != 1 {
		t.Fatalf("expected 1 cached expression, got %d", e.CacheSize())
	}
	e.ClearCache()
	if e.CacheSize() != 0 {
		t.Fatal("expected cache cleared")
	}
}
