package policy

import "testing"

func TestConditionEquality(t *testing.T) {
	c, err := compileCondition(`input.action == "read"`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := c.Eval(map[string]interface{}{"action": "read"}, nil)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v err=%v", ok, err)
	}
	ok, err = c.Eval(map[string]interface{}{"action": "write"}, nil)
	if err != nil || ok {
		t.Fatalf("expected false, got %v err=%v", ok, err)
	}
}

func TestConditionMissingPathIsFalse(t *testing.T) {
	c, err := compileCondition(`input.data.contains_pii == true`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := c.Eval(map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("missing path should not error: %v", err)
	}
	if ok {
		t.Fatalf("missing path should evaluate false")
	}
}

func TestConditionMembership(t *testing.T) {
	c, err := compileCondition(`input.tier in ["trusted", "verified_partner"]`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, _ := c.Eval(map[string]interface{}{"tier": "trusted"}, nil)
	if !ok {
		t.Fatalf("expected membership match")
	}
	ok, _ = c.Eval(map[string]interface{}{"tier": "untrusted"}, nil)
	if ok {
		t.Fatalf("expected no membership match")
	}
}

func TestConditionStartsWith(t *testing.T) {
	c, err := compileCondition(`input.resource.startsWith("secret/")`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, _ := c.Eval(map[string]interface{}{"resource": "secret/key"}, nil)
	if !ok {
		t.Fatalf("expected prefix match")
	}
}

func TestConditionLogical(t *testing.T) {
	c, err := compileCondition(`input.action == "read" && input.approved`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, _ := c.Eval(map[string]interface{}{"action": "read", "approved": true}, nil)
	if !ok {
		t.Fatalf("expected true when both operands hold")
	}
	ok, _ = c.Eval(map[string]interface{}{"action": "write", "approved": true}, nil)
	if ok {
		t.Fatalf("expected false when left operand fails even though the right operand holds")
	}
}

func TestCompileInvalidCondition(t *testing.T) {
	_, err := compileCondition(`this is not cel(`)
	if err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestEmptyConditionAlwaysMatches(t *testing.T) {
	c, err := compileCondition("")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	ok, err := c.Eval(nil, nil)
	if err != nil || !ok {
		t.Fatalf("empty condition should always match")
	}
}
