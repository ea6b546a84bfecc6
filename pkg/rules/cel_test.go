package rules

import (
	"strings"
	"testing"
)

func TestEvaluateEmptyExpressionIsTrue(t *testing.T) {
	ev := mustEvaluator(t)
	ok, err := ev.Evaluate("", ConditionInput{})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("empty condition must be vacuously true")
	}
}

func TestEvaluateVariables(t *testing.T) {
	ev := mustEvaluator(t)

	cases := []struct {
		expr  string
		input ConditionInput
		want  bool
	}{
		{`score < 50.0`, ConditionInput{Score: 42}, true},
		{`score_delta < -10.0`, ConditionInput{ScoreDelta: -18}, true},
		{`trend == "declining"`, ConditionInput{Trend: "declining"}, true},
		{`event_type == "score_drop" && severity in ["high", "critical"]`,
			ConditionInput{EventType: "score_drop", Severity: "critical"}, true},
		{`subject.arr > 100000.0`, ConditionInput{Subject: map[string]any{"arr": 250000.0}}, true},
		{`score < 50.0`, ConditionInput{Score: 75}, false},
	}
	for _, tc := range cases {
		ok, err := ev.Evaluate(tc.expr, tc.input)
		if err != nil {
			t.Fatalf("%s: %v", tc.expr, err)
		}
		if ok != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.expr, tc.want, ok)
		}
	}
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	ev := mustEvaluator(t)

	if err := ev.Compile(`score <`); err == nil {
		t.Fatal("expected compile error for malformed expression")
	}
	if err := ev.Compile(`unknown_var == 1`); err == nil {
		t.Fatal("expected compile error for unknown variable")
	}
	if err := ev.Compile(`score < 50.0`); err != nil {
		t.Fatal(err)
	}
}

func TestEvaluateRejectsNonBoolean(t *testing.T) {
	ev := mustEvaluator(t)

	_, err := ev.Evaluate(`score + 1.0`, ConditionInput{Score: 10})
	if err == nil || !strings.Contains(err.Error(), "not boolean") {
		t.Fatalf("expected non-boolean error, got %v", err)
	}
}

func TestEvaluateNilSubject(t *testing.T) {
	ev := mustEvaluator(t)

	ok, err := ev.Evaluate(`"tier" in subject`, ConditionInput{})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("nil subject must evaluate as an empty map")
	}
}
